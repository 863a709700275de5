// Package gateway implements the gateway manager (C4): the top-level
// orchestrator that starts every configured child in parallel,
// populates the tool registry from their handshakes, and exposes the
// combined lifecycle (start/stop/refresh/status) the HTTP front end and
// diagnostics CLI drive.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hydra-gateway/internal/config"
	"hydra-gateway/internal/events"
	"hydra-gateway/internal/gatewayerrors"
	"hydra-gateway/internal/jsonrpc"
	"hydra-gateway/internal/launch"
	"hydra-gateway/internal/metrics"
	"hydra-gateway/internal/registry"
	"hydra-gateway/internal/supervisor"
)

// ConfigSource is the gateway's external collaborator (C6): whatever
// supplies the enabled child list, decoupled from how it was loaded.
type ConfigSource interface {
	EnabledSpecs(ctx context.Context) ([]config.ChildSpec, error)
}

// ChildStatus is a supervisor's state as reported through Status(),
// flattened for external consumers (HTTP/CLI) that don't need the
// supervisor's own Status type.
type ChildStatus struct {
	ChildID   string
	ChildName string
	Status    string
	Error     string
	Pid       int
	ToolCount int
}

// Manager owns every child supervisor, the shared tool registry, and
// the gateway's own running/stopped state. One Manager backs one
// gateway process.
type Manager struct {
	source  ConfigSource
	bus     *events.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
	reg     *registry.Registry

	startupTimeout time.Duration
	requestTimeout time.Duration

	mu          sync.RWMutex
	running     bool
	port        int
	supervisors map[string]*supervisor.Supervisor
	names       map[string]string // childID -> display name, kept after stop for status reporting
}

// LauncherResolver resolves which launch.Launcher backend a given spec
// should use (process vs. docker); the gateway manager doesn't
// hardcode that decision so tests can inject fakes.
type LauncherResolver func(spec config.ChildSpec) (launch.Launcher, error)

// New constructs an idle Manager, not yet started.
func New(source ConfigSource, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger, settings config.GatewaySettings) *Manager {
	return &Manager{
		source:         source,
		bus:            bus,
		metrics:        m,
		log:            log,
		reg:            registry.New(),
		startupTimeout: settings.StartupTimeout,
		requestTimeout: settings.RequestTimeout,
		port:           settings.Port,
		supervisors:    make(map[string]*supervisor.Supervisor),
		names:          make(map[string]string),
	}
}

// Registry exposes the shared tool registry for the HTTP front end.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Port returns the port the gateway's HTTP front end binds to.
func (m *Manager) Port() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port
}

// SetPort changes the port the gateway's HTTP front end will bind to
// on the next Start. Allowed only while stopped.
func (m *Manager) SetPort(p int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return gatewayerrors.Wrap(gatewayerrors.ErrAlreadyRunning, "cannot change port while running")
	}
	m.port = p
	return nil
}

// Start loads the enabled child list and spawns every child's
// supervisor in parallel, waiting for all of them to settle
// (successfully or not) before returning. A child that fails to start
// does not prevent the others from starting; its failure is reflected
// in its own status.
func (m *Manager) Start(ctx context.Context, resolve LauncherResolver) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return gatewayerrors.Wrap(gatewayerrors.ErrAlreadyRunning, "gateway")
	}
	m.running = true
	m.mu.Unlock()

	specs, err := m.source.EnabledSpecs(ctx)
	if err != nil {
		return fmt.Errorf("load child specs: %w", err)
	}

	var wg sync.WaitGroup
	for _, spec := range specs {
		spec := spec
		launcher, err := resolve(spec)
		if err != nil {
			m.log.Error().Str("child_id", spec.ID).Err(err).Msg("no launcher available for child, skipping")
			continue
		}

		sup := supervisor.New(spec, launcher, m.bus, m.metrics, m.log, m.startupTimeout, m.requestTimeout)

		m.mu.Lock()
		m.supervisors[spec.ID] = sup
		m.names[spec.ID] = spec.Name
		m.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout+time.Second)
			defer cancel()
			if err := sup.Start(startCtx); err != nil {
				m.log.Error().Str("child_id", spec.ID).Err(err).Msg("child failed to start")
				return
			}
			state := sup.State()
			dropped := m.reg.Register(spec.ID, spec.Name, state.Tools)
			for _, d := range dropped {
				m.log.Warn().Str("public_name", d.PublicName).Str("child_id", d.ChildID).Str("original_name", d.OriginalName).Msg("tool name collision, dropping duplicate registration")
			}
			if m.metrics != nil {
				m.metrics.SetRegistryToolsTotal(m.reg.Count())
			}
		}()
	}
	wg.Wait()

	if m.bus != nil {
		m.bus.PublishGateway(events.GatewayEvent{Kind: "started"})
	}
	return nil
}

// Stop stops every running child supervisor and marks the gateway
// idle. It is safe to call multiple times.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				m.log.Warn().Str("child_id", s.ChildID()).Err(err).Msg("error stopping child")
			}
			m.reg.Unregister(s.ChildID())
		}()
	}
	wg.Wait()

	if m.bus != nil {
		m.bus.PublishGateway(events.GatewayEvent{Kind: "stopped"})
	}
	return nil
}

// Refresh is semantically equivalent to Stop followed by Start: every
// running child is stopped and the registry cleared, then the config
// source is re-queried and every currently enabled child is spawned
// fresh. A child already in error from a prior run is thereby retried
// rather than left stuck.
func (m *Manager) Refresh(ctx context.Context, resolve LauncherResolver) error {
	if err := m.Stop(); err != nil {
		return fmt.Errorf("stop during refresh: %w", err)
	}
	if err := m.Start(ctx, resolve); err != nil {
		return fmt.Errorf("start during refresh: %w", err)
	}
	return nil
}

// StatusSnapshot is the gateway's status as a whole: whether it is
// running, the port its front end binds to, every known child, and the
// total number of registered tools across all of them.
type StatusSnapshot struct {
	Running    bool
	Port       int
	Servers    []ChildStatus
	TotalTools int
}

// Status returns the gateway's full status snapshot, produced on
// demand and never cached.
func (m *Manager) Status() StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	servers := make([]ChildStatus, 0, len(m.supervisors))
	for id, sup := range m.supervisors {
		state := sup.State()
		servers = append(servers, ChildStatus{
			ChildID:   id,
			ChildName: m.names[id],
			Status:    string(state.Status),
			Error:     state.Error,
			Pid:       state.Pid,
			ToolCount: len(state.Tools),
		})
	}
	return StatusSnapshot{
		Running:    m.running,
		Port:       m.port,
		Servers:    servers,
		TotalTools: m.reg.Count(),
	}
}

// ListTools returns the combined, namespaced tool catalog in the shape
// the HTTP front end's tools/list result expects.
func (m *Manager) ListTools() []jsonrpc.ToolDescriptor {
	listing := m.reg.List()
	out := make([]jsonrpc.ToolDescriptor, len(listing))
	for i, l := range listing {
		out[i] = l.ToolDescriptor
	}
	return out
}

// CallTool resolves a public tool name against the registry and
// dispatches the call to the owning child's supervisor, producing the
// exact error text the front end presents verbatim as an isError
// tools/call result.
func (m *Manager) CallTool(ctx context.Context, publicName string, arguments map[string]interface{}) (interface{}, error) {
	resolved, ok := m.reg.Resolve(publicName)
	if !ok {
		return nil, fmt.Errorf("Tool not found: %s", publicName)
	}

	m.mu.RLock()
	sup, ok := m.supervisors[resolved.ChildID]
	childName := m.names[resolved.ChildID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Server %s is not ready", childName)
	}

	result, err := sup.CallTool(ctx, resolved.OriginalName, arguments)
	if err != nil {
		if errors.Is(err, gatewayerrors.ErrNotReady) {
			return nil, fmt.Errorf("Server %s is not ready", childName)
		}
		return nil, fmt.Errorf("Error calling tool %s: %s", publicName, err.Error())
	}
	return result, nil
}

// IsRunning reports whether the gateway has been started and not yet
// stopped.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}
