package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydra-gateway/internal/jsonrpc"
	"hydra-gateway/internal/logging"
)

type fakeManager struct {
	tools    []jsonrpc.ToolDescriptor
	callErr  error
	callResp interface{}
}

func (m *fakeManager) ListTools() []jsonrpc.ToolDescriptor { return m.tools }

func (m *fakeManager) CallTool(ctx context.Context, publicName string, arguments map[string]interface{}) (interface{}, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResp, nil
}

func doRequest(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleInitialize(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var res jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Nil(t, res.Error)
}

func TestHandleToolsList(t *testing.T) {
	m := &fakeManager{tools: []jsonrpc.ToolDescriptor{{Name: "child_a.search"}}}
	s := New(m, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "child_a.search")
}

func TestHandleToolsCallSuccess(t *testing.T) {
	m := &fakeManager{callResp: jsonrpc.TextResult("done", false)}
	s := New(m, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"child_a.search","arguments":{}}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "done")
}

func TestHandleToolsCallError(t *testing.T) {
	m := &fakeManager{callErr: fmt.Errorf("boom")}
	s := New(m, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var res jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Nil(t, res.Error)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestHandleUnknownMethod(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","id":5,"method":"frobnicate"}`)

	var res jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, res.Error.Code)
	assert.Equal(t, "Method not found: frobnicate", res.Error.Message)
}

func TestHandleMalformedJSON(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	rec := doRequest(t, s, `{not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var res jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.CodeParseError, res.Error.Code)
	assert.Equal(t, "Parse error", res.Error.Message)
}

func TestHandleNonPostReturnsNotFound(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Not found"`)
}

func TestHandleUnknownPathReturnsNotFound(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleNotificationReturnsNoContent(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	rec := doRequest(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleBatch(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	rec := doRequest(t, s, `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var responses []jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	assert.Len(t, responses, 2)
}

func TestCORSRejectsNonLocalhostOrigin(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowsLocalhostOrigin(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthz(t *testing.T) {
	s := New(&fakeManager{}, logging.Discard(), true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
