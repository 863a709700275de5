// Package httpapi implements the gateway's HTTP JSON-RPC front end
// (C5): a single POST /mcp endpoint speaking the same JSON-RPC dialect
// as the child stdio protocol, plus /healthz and /metrics.
//
// The front end is deliberately built on net/http rather than the
// teacher's gin, even though gin is used elsewhere in this codebase
// (see internal/diagnostics): /mcp's contract is a bare JSON-RPC
// envelope with no routing, path params, or content negotiation for a
// framework to help with, and gin's middleware chain would only add
// indirection between the wire format and this handler. See DESIGN.md.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hydra-gateway/internal/jsonrpc"
)

// ToolCaller is the subset of the gateway manager the front end needs:
// dispatching a namespaced tool call and listing the current catalog.
type ToolCaller interface {
	CallTool(ctx context.Context, publicName string, arguments map[string]interface{}) (interface{}, error)
	ListTools() []jsonrpc.ToolDescriptor
}

var localhostOrigin = regexp.MustCompile(`^https?://localhost(:\d+)?$`)

// Server is the gateway's HTTP front end.
type Server struct {
	mux              *http.ServeMux
	manager          ToolCaller
	log              zerolog.Logger
	corsLocalhostOnly bool
}

// New builds a Server wired to manager, registering /mcp, /healthz, and
// /metrics on its own ServeMux.
func New(manager ToolCaller, log zerolog.Logger, corsLocalhostOnly bool) *Server {
	s := &Server{
		mux:              http.NewServeMux(),
		manager:          manager,
		log:              log,
		corsLocalhostOnly: corsLocalhostOnly,
	}
	s.mux.HandleFunc("/mcp", s.handleMCP)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handleNotFound)
	return s
}

// handleNotFound answers every path other than /mcp, /healthz, and
// /metrics with the gateway's JSON not-found body. ServeMux dispatches
// those three exact registrations before ever falling back to this
// "/" catch-all.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

// ServeHTTP lets Server itself be used as an http.Handler, e.g. passed
// directly to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	s.writeCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(0, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}

	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		s.handleBatch(w, r.Context(), body)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(0, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}

	res := s.dispatch(r.Context(), &req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, ctx context.Context, body []byte) {
	var reqs []jsonrpc.Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(0, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}
	responses := make([]*jsonrpc.Response, 0, len(reqs))
	for i := range reqs {
		req := reqs[i]
		if req.IsNotification() {
			s.dispatch(ctx, &req)
			continue
		}
		responses = append(responses, s.dispatch(ctx, &req))
	}
	s.writeJSON(w, http.StatusOK, responses)
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return jsonrpc.NewResultResponse(req.ID, map[string]interface{}{
			"protocolVersion": jsonrpc.ProtocolVersion,
			"serverInfo":      jsonrpc.ServerInfo{Name: jsonrpc.GatewayName, Version: jsonrpc.GatewayVersion},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{"listChanged": true}},
		})
	case "tools/list":
		return jsonrpc.NewResultResponse(req.ID, jsonrpc.ToolsListResult{Tools: s.manager.ListTools()})
	case "tools/call":
		var params jsonrpc.ToolCallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeParseError, "invalid tools/call params", nil)
			}
		}
		// CallTool itself produces the exact isError text for each
		// failure mode (unknown tool, not-ready child, remote error); the
		// front end only needs to wrap whatever it returns.
		result, err := s.manager.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return jsonrpc.NewResultResponse(req.ID, jsonrpc.TextResult(err.Error(), true))
		}
		return jsonrpc.NewResultResponse(req.ID, result)
	case "ping":
		return jsonrpc.NewResultResponse(req.ID, map[string]interface{}{})
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+req.Method, nil)
	}
}

func (s *Server) writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if s.corsLocalhostOnly && !localhostOrigin.MatchString(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON-RPC response")
	}
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// ListenAndServe runs the front end on addr until ctx is cancelled,
// then shuts down gracefully within shutdownGrace.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, shutdownGrace time.Duration, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		log.Info().Msg("shutting down HTTP front end")
		return srv.Shutdown(shutdownCtx)
	}
}
