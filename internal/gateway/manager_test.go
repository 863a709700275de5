package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydra-gateway/internal/config"
	"hydra-gateway/internal/events"
	"hydra-gateway/internal/framing"
	"hydra-gateway/internal/jsonrpc"
	"hydra-gateway/internal/launch"
	"hydra-gateway/internal/logging"
	"hydra-gateway/internal/metrics"
)

type fakeSource struct {
	specs []config.ChildSpec
}

func (s *fakeSource) EnabledSpecs(ctx context.Context) ([]config.ChildSpec, error) {
	return s.specs, nil
}

type fakeHandle struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	waitCh  chan struct{}
	exitCode int
}

func newFakeHandle() *fakeHandle {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeHandle{
		stdinR: inR, stdinW: inW,
		stdoutR: outR, stdoutW: outW,
		stderrR: errR, stderrW: errW,
		waitCh:   make(chan struct{}),
		exitCode: -1,
	}
}

func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader     { return h.stderrR }
func (h *fakeHandle) Pid() int              { return 1000 }
func (h *fakeHandle) ExitCode() int         { return h.exitCode }
func (h *fakeHandle) Wait() error           { <-h.waitCh; return nil }
func (h *fakeHandle) Signal() error         { h.closeWait(); return nil }
func (h *fakeHandle) Kill() error           { h.closeWait(); return nil }

func (h *fakeHandle) closeWait() {
	select {
	case <-h.waitCh:
	default:
		close(h.waitCh)
	}
}

var _ launch.Handle = (*fakeHandle)(nil)

type fakeLauncher struct {
	handle *fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, spec config.ChildSpec) (launch.Handle, error) {
	return l.handle, nil
}

func runChildServer(h *fakeHandle, toolName string) {
	go func() {
		reader := framing.NewReader(h.stdinR)
		writer := framing.NewWriter(h.stdoutW)
		for {
			frame, err := reader.Next()
			if err != nil {
				return
			}
			var req jsonrpc.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				continue
			}
			switch req.Method {
			case "notifications/initialized":
				continue
			case "initialize":
				writer.WriteEnvelope(jsonrpc.NewResultResponse(req.ID, map[string]interface{}{}))
			case "tools/list":
				writer.WriteEnvelope(jsonrpc.NewResultResponse(req.ID, jsonrpc.ToolsListResult{
					Tools: []jsonrpc.ToolDescriptor{{Name: toolName}},
				}))
			case "tools/call":
				var params jsonrpc.ToolCallParams
				json.Unmarshal(req.Params, &params)
				writer.WriteEnvelope(jsonrpc.NewResultResponse(req.ID, jsonrpc.TextResult(fmt.Sprintf("ok:%s", params.Name), false)))
			}
		}
	}()
}

func TestManagerStartRegistersTools(t *testing.T) {
	h := newFakeHandle()
	runChildServer(h, "search")

	source := &fakeSource{specs: []config.ChildSpec{
		{ID: "c1", Name: "Child A", Command: "fake"},
	}}

	m := New(source, events.NewBus(), metrics.New(), logging.Discard(), config.GatewaySettings{
		StartupTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})

	resolve := func(spec config.ChildSpec) (launch.Launcher, error) {
		return &fakeLauncher{handle: h}, nil
	}

	require.NoError(t, m.Start(context.Background(), resolve))
	defer m.Stop()

	snapshot := m.Status()
	assert.True(t, snapshot.Running)
	require.Len(t, snapshot.Servers, 1)
	assert.Equal(t, "ready", snapshot.Servers[0].Status)
	assert.Equal(t, 1, snapshot.Servers[0].ToolCount)
	assert.Equal(t, 1, snapshot.TotalTools)

	assert.Equal(t, 1, m.Registry().Count())
	_, ok := m.Registry().Resolve("child_a.search")
	assert.True(t, ok)
}

func TestManagerCallToolDispatchesToOwningChild(t *testing.T) {
	h := newFakeHandle()
	runChildServer(h, "search")

	source := &fakeSource{specs: []config.ChildSpec{{ID: "c1", Name: "Child A", Command: "fake"}}}
	m := New(source, events.NewBus(), metrics.New(), logging.Discard(), config.GatewaySettings{
		StartupTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})

	resolve := func(spec config.ChildSpec) (launch.Launcher, error) {
		return &fakeLauncher{handle: h}, nil
	}
	require.NoError(t, m.Start(context.Background(), resolve))
	defer m.Stop()

	result, err := m.CallTool(context.Background(), "child_a.search", nil)
	require.NoError(t, err)
	resultMap := result.(map[string]interface{})
	content := resultMap["content"].([]interface{})
	block := content[0].(map[string]interface{})
	assert.Equal(t, "ok:search", block["text"])
}

func TestManagerCallToolUnknownNameFails(t *testing.T) {
	source := &fakeSource{}
	m := New(source, events.NewBus(), metrics.New(), logging.Discard(), config.DefaultSettings())

	_, err := m.CallTool(context.Background(), "nope.search", nil)
	require.Error(t, err)
	assert.Equal(t, "Tool not found: nope.search", err.Error())
}

func TestManagerRefreshStopsAndRestartsChildren(t *testing.T) {
	h1 := newFakeHandle()
	runChildServer(h1, "search")

	source := &fakeSource{specs: []config.ChildSpec{{ID: "c1", Name: "Child A", Command: "fake"}}}
	m := New(source, events.NewBus(), metrics.New(), logging.Discard(), config.GatewaySettings{
		StartupTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})

	h2 := newFakeHandle()
	runChildServer(h2, "search")
	launches := 0
	resolve := func(spec config.ChildSpec) (launch.Launcher, error) {
		launches++
		if launches == 1 {
			return &fakeLauncher{handle: h1}, nil
		}
		return &fakeLauncher{handle: h2}, nil
	}

	require.NoError(t, m.Start(context.Background(), resolve))
	defer m.Stop()
	firstSup := m.supervisors["c1"]

	require.NoError(t, m.Refresh(context.Background(), resolve))

	assert.Equal(t, 2, launches)
	assert.NotSame(t, firstSup, m.supervisors["c1"])
	snapshot := m.Status()
	require.Len(t, snapshot.Servers, 1)
	assert.Equal(t, "ready", snapshot.Servers[0].Status)
	assert.Equal(t, 1, m.Registry().Count())
}

func TestManagerStopIsIdempotent(t *testing.T) {
	source := &fakeSource{}
	m := New(source, events.NewBus(), metrics.New(), logging.Discard(), config.DefaultSettings())

	resolve := func(spec config.ChildSpec) (launch.Launcher, error) { return nil, nil }
	require.NoError(t, m.Start(context.Background(), resolve))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
