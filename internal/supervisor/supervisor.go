// Package supervisor implements the child supervisor (C2): one
// instance owns exactly one child server's process, its MCP handshake,
// request/response correlation over stdio, and lifecycle state.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hydra-gateway/internal/config"
	"hydra-gateway/internal/events"
	"hydra-gateway/internal/framing"
	"hydra-gateway/internal/gatewayerrors"
	"hydra-gateway/internal/jsonrpc"
	"hydra-gateway/internal/launch"
	"hydra-gateway/internal/metrics"
)

// Status is one of the four states a supervisor can report.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

const (
	startupProbe    = 100 * time.Millisecond
	stopGracePeriod = 2 * time.Second
)

// State is an immutable snapshot of a supervisor, safe to read without
// holding any lock.
type State struct {
	ChildID string
	Status  Status
	Tools   []jsonrpc.ToolDescriptor
	Error   string
	Pid     int
}

type waiter struct {
	resultCh chan waiterResult
}

type waiterResult struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

// rawEnvelope is used to sniff an inbound frame's shape (response vs.
// notification) before committing to a concrete type.
type rawEnvelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc.Error  `json:"error,omitempty"`
}

// exitSignal broadcasts a child's exit to every interested goroutine.
// Writing err then closing done gives every receiver of done a
// happens-before view of err, per the Go memory model.
type exitSignal struct {
	done chan struct{}
	err  error
}

// Supervisor owns one child server for its entire lifetime: a given
// instance runs at most one process. After a fatal error or a clean
// stop, callers must construct a new Supervisor to try again.
type Supervisor struct {
	spec     config.ChildSpec
	launcher launch.Launcher
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      zerolog.Logger

	startupTimeout time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	status  Status
	tools   []jsonrpc.ToolDescriptor
	errMsg  string
	handle  launch.Handle
	exitSig *exitSignal
	writer  *framing.Writer
	pending map[int64]*waiter
	started bool

	nextID int64
}

// New constructs a Supervisor for spec, not yet started.
func New(spec config.ChildSpec, launcher launch.Launcher, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger, startupTimeout, requestTimeout time.Duration) *Supervisor {
	return &Supervisor{
		spec:           spec,
		launcher:       launcher,
		bus:            bus,
		metrics:        m,
		log:            log,
		startupTimeout: startupTimeout,
		requestTimeout: requestTimeout,
		status:         StatusStopped,
		pending:        make(map[int64]*waiter),
	}
}

// ChildID returns the supervised child's stable id.
func (s *Supervisor) ChildID() string { return s.spec.ID }

// ChildName returns the supervised child's display name.
func (s *Supervisor) ChildName() string { return s.spec.Name }

// State returns an immutable snapshot of the supervisor.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]jsonrpc.ToolDescriptor, len(s.tools))
	copy(tools, s.tools)
	pid := 0
	if s.handle != nil {
		pid = s.handle.Pid()
	}
	return State{
		ChildID: s.spec.ID,
		Status:  s.status,
		Tools:   tools,
		Error:   s.errMsg,
		Pid:     pid,
	}
}

// Start spawns the child, performs the MCP handshake, and fetches its
// tool list. It may be called at most once per Supervisor instance.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return gatewayerrors.Wrap(gatewayerrors.ErrAlreadyRunning, s.spec.ID)
	}
	s.started = true
	s.status = StatusStarting
	s.mu.Unlock()
	s.publishState()

	deadline := time.Now().Add(s.startupTimeout)
	startCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	handle, err := s.launcher.Launch(startCtx, s.spec)
	if err != nil {
		return s.failStart(gatewayerrors.Wrap(gatewayerrors.ErrSpawnFailed, err.Error()))
	}

	exitSig := &exitSignal{done: make(chan struct{})}
	go func() {
		exitSig.err = handle.Wait()
		close(exitSig.done)
	}()

	// Step 3: give the process startupProbe to either acquire a pid and
	// stay up, or reveal that it died immediately.
	select {
	case <-exitSig.done:
		return s.failStart(gatewayerrors.Wrap(gatewayerrors.ErrSpawnFailed, fmt.Sprintf("process exited immediately: %v", exitSig.err)))
	case <-time.After(startupProbe):
	}

	s.mu.Lock()
	s.handle = handle
	s.exitSig = exitSig
	s.writer = framing.NewWriter(handle.Stdin())
	s.mu.Unlock()

	reader := framing.NewReader(handle.Stdout())
	reader.OnMalformed = func(line []byte, _ error) {
		s.log.Warn().Str("child_id", s.spec.ID).Bytes("frame", line).Msg("malformed JSON-RPC frame from child, dropping")
	}
	go s.readLoop(reader)
	go s.drainStderr(handle)

	initParams := jsonrpc.InitializeParams{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ClientInfo:      jsonrpc.ClientInfo{Name: jsonrpc.GatewayName, Version: jsonrpc.GatewayVersion},
		Capabilities:    map[string]interface{}{"roots": map[string]interface{}{"listChanged": true}},
	}
	if _, err := s.sendRequest(startCtx, "initialize", initParams); err != nil {
		handle.Kill()
		return s.failStart(gatewayerrors.Wrap(gatewayerrors.ErrHandshakeTimeout, err.Error()))
	}

	if err := s.writer.WriteEnvelope(&jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "notifications/initialized"}); err != nil {
		s.log.Warn().Str("child_id", s.spec.ID).Err(err).Msg("failed to write notifications/initialized")
	}

	toolsRaw, err := s.sendRequest(startCtx, "tools/list", nil)
	if err != nil {
		handle.Kill()
		return s.failStart(gatewayerrors.Wrap(gatewayerrors.ErrToolsListFailed, err.Error()))
	}

	var toolsResult jsonrpc.ToolsListResult
	if len(toolsRaw) > 0 {
		if err := json.Unmarshal(toolsRaw, &toolsResult); err != nil {
			handle.Kill()
			return s.failStart(gatewayerrors.Wrap(gatewayerrors.ErrToolsListFailed, "malformed tools/list result: "+err.Error()))
		}
	}

	s.mu.Lock()
	s.status = StatusReady
	s.tools = toolsResult.Tools
	s.mu.Unlock()
	s.publishState()

	go s.watchExit(exitSig)

	return nil
}

func (s *Supervisor) failStart(err error) error {
	s.mu.Lock()
	s.status = StatusError
	s.errMsg = err.Error()
	s.mu.Unlock()
	s.publishState()
	return err
}

// watchExit observes the child's exit and, unless Stop already
// transitioned this supervisor to stopped, treats it as a fatal error.
func (s *Supervisor) watchExit(sig *exitSignal) {
	<-sig.done

	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	code := -1
	if s.handle != nil {
		code = s.handle.ExitCode()
	}
	s.status = StatusError
	s.errMsg = fmt.Sprintf("Process exited unexpectedly (code: %d)", code)
	s.tools = nil
	waiters := s.drainPendingLocked()
	s.mu.Unlock()

	for _, w := range waiters {
		w.resultCh <- waiterResult{err: &jsonrpc.Error{Message: gatewayerrors.ErrServerStopped.Error()}}
	}
	s.publishState()
}

func (s *Supervisor) drainStderr(handle launch.Handle) {
	scanner := bufio.NewScanner(handle.Stderr())
	for scanner.Scan() {
		s.log.Info().Str("child_id", s.spec.ID).Str("stream", "stderr").Str("line", scanner.Text()).Msg("child stderr")
	}
}

func (s *Supervisor) readLoop(reader *framing.Reader) {
	for {
		frame, err := reader.Next()
		if err != nil {
			return
		}

		var env rawEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.log.Warn().Str("child_id", s.spec.ID).Err(err).Msg("failed to sniff inbound frame shape")
			continue
		}

		if env.Method != "" {
			s.log.Debug().Str("child_id", s.spec.ID).Str("method", env.Method).Msg("notification from child, no subscriber registered")
			continue
		}

		if len(env.ID) == 0 {
			s.log.Warn().Str("child_id", s.spec.ID).Msg("inbound frame with neither id nor method, dropping")
			continue
		}

		var id int64
		if err := json.Unmarshal(env.ID, &id); err != nil {
			s.log.Warn().Str("child_id", s.spec.ID).Bytes("id", env.ID).Msg("inbound response with non-integer id, dropping")
			continue
		}

		s.mu.Lock()
		w, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if !ok {
			s.log.Warn().Str("child_id", s.spec.ID).Int64("id", id).Msg("response id not found in pending table, dropping")
			continue
		}

		w.resultCh <- waiterResult{result: env.Result, err: env.Error}
	}
}

// sendRequest allocates a request id, registers a waiter, writes the
// envelope, and blocks until a matching response arrives or ctx is
// done. A nil params value omits the field entirely (e.g. tools/list).
func (s *Supervisor) sendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	w := &waiter{resultCh: make(chan waiterResult, 1)}
	s.mu.Lock()
	s.pending[id] = w
	writer := s.writer
	s.mu.Unlock()

	if writer == nil {
		return nil, fmt.Errorf("supervisor has no writer attached")
	}

	if err := writer.WriteEnvelope(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-w.resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("%s", res.err.Message)
		}
		return res.result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, gatewayerrors.ErrRequestTimeout
	}
}

// CallTool forwards a tools/call to the child using its original
// (non-namespaced) name, returning the child's result verbatim.
func (s *Supervisor) CallTool(ctx context.Context, originalName string, arguments map[string]interface{}) (interface{}, error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusReady {
		return nil, gatewayerrors.Wrap(gatewayerrors.ErrNotReady, s.spec.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	started := time.Now()
	raw, err := s.sendRequest(callCtx, "tools/call", jsonrpc.ToolCallParams{Name: originalName, Arguments: arguments})
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.ObserveToolCall(s.spec.ID, outcome, time.Since(started))
	}
	if err != nil {
		return nil, err
	}

	var result interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tool result: %w", err)
		}
	}
	return result, nil
}

// Stop is idempotent: it cancels all pending waiters with
// ServerStopped, signals the process, and returns once the process has
// exited or stopGracePeriod has elapsed, whichever comes first.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	exitSig := s.exitSig
	waiters := s.drainPendingLocked()
	s.status = StatusStopped
	s.tools = nil
	s.errMsg = ""
	s.mu.Unlock()

	for _, w := range waiters {
		w.resultCh <- waiterResult{err: &jsonrpc.Error{Message: gatewayerrors.ErrServerStopped.Error()}}
	}
	s.publishState()

	if handle == nil {
		return nil
	}
	handle.Signal()
	if exitSig == nil {
		handle.Kill()
		return nil
	}
	select {
	case <-exitSig.done:
	case <-time.After(stopGracePeriod):
		handle.Kill()
	}
	return nil
}

func (s *Supervisor) drainPendingLocked() []*waiter {
	waiters := make([]*waiter, 0, len(s.pending))
	for id, w := range s.pending {
		waiters = append(waiters, w)
		delete(s.pending, id)
	}
	return waiters
}

func (s *Supervisor) publishState() {
	state := s.State()
	if s.bus != nil {
		s.bus.PublishSupervisor(events.SupervisorEvent{
			ChildID: state.ChildID,
			Status:  string(state.Status),
			Error:   state.Error,
		})
	}
	if s.metrics != nil {
		s.metrics.SetSupervisorStatus(state.ChildID, string(state.Status))
	}
}
