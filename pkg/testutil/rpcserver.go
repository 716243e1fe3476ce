package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/JAG-UK/rkh-frontend/internal/jsonrpc"
)

// RPCHandler answers one JSON-RPC method. Returning a non-nil *jsonrpc.Error
// produces an error response.
type RPCHandler func(params json.RawMessage) (any, *jsonrpc.Error)

// RPCServer is an httptest JSON-RPC endpoint with per-method handlers and a
// call log.
type RPCServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]RPCHandler
	calls    []string
	headers  []http.Header
}

// NewRPCServer starts a server. Close it when done.
func NewRPCServer(handlers map[string]RPCHandler) *RPCServer {
	s := &RPCServer{handlers: make(map[string]RPCHandler)}
	for k, v := range handlers {
		s.handlers[k] = v
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Handle registers or replaces a method handler.
func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns the methods invoked so far, in order.
func (s *RPCServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many times method was invoked.
func (s *RPCServer) CallCount(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// LastHeader returns the request headers of the latest call.
func (s *RPCServer) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

func (s *RPCServer) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     uint64          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	s.headers = append(s.headers, r.Header.Clone())
	h := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if h == nil {
		resp["error"] = jsonrpc.Error{Code: -32601, Message: "method not found: " + req.Method}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Result is a handler that always returns v.
func Result(v any) RPCHandler {
	return func(json.RawMessage) (any, *jsonrpc.Error) { return v, nil }
}

// Fail is a handler that always returns an RPC error.
func Fail(code int, message string) RPCHandler {
	return func(json.RawMessage) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: code, Message: message}
	}
}
