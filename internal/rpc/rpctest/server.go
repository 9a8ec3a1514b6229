// Package rpctest provides an in-process JSON-RPC node for tests.
package rpctest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/poolreplay/internal/rpc"
)

// Handler answers one JSON-RPC method. A returned *rpc.RPCError keeps its
// code; any other error becomes code -32000.
type Handler func(params []json.RawMessage) (any, error)

// Server is a scriptable JSON-RPC endpoint.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	batches  int
}

// Call records one received request.
type Call struct {
	Method string
	Params []json.RawMessage
}

// NewServer starts a server closed automatically at test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{handlers: make(map[string]Handler)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Result registers a handler that always returns v.
func (s *Server) Result(method string, v any) {
	s.Handle(method, func([]json.RawMessage) (any, error) { return v, nil })
}

// Calls returns all requests for method in arrival order.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the method names of every request in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// Batches returns the number of batch requests received.
func (s *Server) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Client returns an rpc client pointed at the server with fast retries.
func (s *Server) Client() *rpc.HTTPClient {
	cfg := rpc.DefaultClientConfig(s.URL)
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 0
	return rpc.NewHTTPClient(cfg)
}

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		var reqs []request
		if err := json.Unmarshal(body, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.batches++
		s.mu.Unlock()
		out := make([]map[string]any, len(reqs))
		for i, req := range reqs {
			out[i] = s.answer(req)
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(s.answer(req))
}

func (s *Server) answer(req request) map[string]any {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: req.Method, Params: req.Params})
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = rpc.JSONRPCError{Code: -32601, Message: "method not found: " + req.Method}
		return resp
	}

	result, err := h(req.Params)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			resp["error"] = rpc.JSONRPCError{Code: rpcErr.Code, Message: rpcErr.Message}
		} else {
			resp["error"] = rpc.JSONRPCError{Code: -32000, Message: err.Error()}
		}
		return resp
	}
	resp["result"] = result
	return resp
}
