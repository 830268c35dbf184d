// ABOUTME: HTTP server exposing the coordination surface as JSON-RPC 2.0 over POST /rpc
// ABOUTME: Bearer-token auth, typed error code mapping, SSE event stream, health endpoint

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/lifecycle"
	"github.com/loomworks/loom/internal/lock"
	"github.com/loomworks/loom/internal/security"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/taskgraph"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Application error codes, in the JSON-RPC server-defined range
const (
	CodeUnauthorized        = -32001
	CodeNotFound            = -32004
	CodeCycle               = -32010
	CodeDuplicateTask       = -32011
	CodeInvalidTransition   = -32012
	CodeNotPermitted        = -32020
	CodeLockHeld            = -32030
	CodeNotHolder           = -32031
	CodeCapacityExceeded    = -32040
	CodeAgentTerminated     = -32041
	CodeAgentBusy           = -32042
	CodePayloadBlocked      = -32050
	CodeProviderUnavailable = -32060
)

// Config wires the server's collaborators.
type Config struct {
	Graph     *taskgraph.Graph
	Lifecycle *lifecycle.Manager
	Locks     *lock.Coordinator
	Knowledge *knowledge.Service
	Scanner   *security.Scanner
	Tokens    *auth.TokenManager
	Store     store.Store
	Bus       *events.Bus
	Sanitize  security.Mode // applied to inbound payloads; defaults to neutralize
	Logger    *slog.Logger
}

// Server exposes the coordination engine over HTTP.
type Server struct {
	graph     *taskgraph.Graph
	lifecycle *lifecycle.Manager
	locks     *lock.Coordinator
	knowledge *knowledge.Service
	scanner   *security.Scanner
	tokens    *auth.TokenManager
	store     store.Store
	bus       *events.Bus
	sanitize  security.Mode
	logger    *slog.Logger
	methods   map[string]methodSpec
}

// methodSpec binds an RPC method name to its handler. Open methods skip
// bearer auth; everything else requires a verified, unrevoked token.
type methodSpec struct {
	handler func(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error)
	open    bool
}

// NewServer creates the RPC server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Graph == nil || cfg.Lifecycle == nil || cfg.Locks == nil {
		return nil, errors.New("graph, lifecycle, and locks are required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}

	sanitize := cfg.Sanitize
	if sanitize == "" {
		sanitize = security.ModeNeutralize
	}

	s := &Server{
		graph:     cfg.Graph,
		lifecycle: cfg.Lifecycle,
		locks:     cfg.Locks,
		knowledge: cfg.Knowledge,
		scanner:   cfg.Scanner,
		tokens:    cfg.Tokens,
		store:     cfg.Store,
		bus:       cfg.Bus,
		sanitize:  sanitize,
		logger:    logger,
	}
	s.methods = map[string]methodSpec{
		// Registration is the onboarding handshake and returns the agent's
		// bearer token, so it cannot itself require one.
		"create_agent": {handler: s.handleCreateAgent, open: true},

		"list_agents":     {handler: s.handleListAgents},
		"get_agent":       {handler: s.handleGetAgent},
		"terminate_agent": {handler: s.handleTerminateAgent},
		"heartbeat":       {handler: s.handleHeartbeat},

		"create_task":        {handler: s.handleCreateTask},
		"get_task":           {handler: s.handleGetTask},
		"list_tasks":         {handler: s.handleListTasks},
		"claim_task":         {handler: s.handleClaimTask},
		"update_task_status": {handler: s.handleUpdateTaskStatus},
		"add_task_note":      {handler: s.handleAddTaskNote},
		"add_dependency":     {handler: s.handleAddDependency},
		"archive_task":       {handler: s.handleArchiveTask},

		"acquire_lock": {handler: s.handleAcquireLock},
		"release_lock": {handler: s.handleReleaseLock},
		"list_locks":   {handler: s.handleListLocks},

		"index_content":   {handler: s.handleIndexContent},
		"query_knowledge": {handler: s.handleQueryKnowledge},

		"get_security_alerts": {handler: s.handleGetSecurityAlerts},

		"send_agent_message": {handler: s.handleSendAgentMessage},
		"read_messages":      {handler: s.handleReadMessages},
	}
	return s, nil
}

// RegisterRoutes registers the RPC, event stream, and health endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRPC is the single JSON-RPC endpoint.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	spec, ok := s.methods[req.Method]
	if !ok {
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
		return
	}

	var ident *auth.Identity
	if !spec.open {
		ident, err = s.authenticate(r)
		if err != nil {
			s.sendError(w, req.ID, CodeUnauthorized, "invalid or expired token", nil)
			return
		}
		// Every authenticated call counts as liveness
		s.lifecycle.Touch(r.Context(), ident.AgentID)
	}

	s.logger.Debug("rpc request", "method", req.Method, "agent_id", agentIDOf(ident))

	result, err := spec.handler(r.Context(), ident, req.Params)
	if err != nil {
		code, msg := mapError(err)
		s.logger.Debug("rpc error", "method", req.Method, "code", code, "error", err)
		s.sendError(w, req.ID, code, msg, nil)
		return
	}

	s.sendResult(w, req.ID, result)
}

// authenticate verifies the bearer token and its revocation status.
func (s *Server) authenticate(r *http.Request) (*auth.Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.tokens.Verify(token)
}

func agentIDOf(ident *auth.Identity) string {
	if ident == nil {
		return ""
	}
	return ident.AgentID
}

// mapError translates the typed error taxonomy into JSON-RPC codes. Any
// unrecognized error is an internal error with a generic message so internal
// detail never leaks to clients.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, taskgraph.ErrValidation):
		return JSONRPCInvalidParams, err.Error()
	case errors.Is(err, taskgraph.ErrCycle):
		return CodeCycle, err.Error()
	case errors.Is(err, taskgraph.ErrDuplicateTask):
		return CodeDuplicateTask, err.Error()
	case errors.Is(err, taskgraph.ErrInvalidTransition):
		return CodeInvalidTransition, err.Error()
	case errors.Is(err, taskgraph.ErrNotPermitted):
		return CodeNotPermitted, err.Error()
	case errors.Is(err, taskgraph.ErrAgentBusy):
		return CodeAgentBusy, err.Error()
	case errors.Is(err, lock.ErrLockHeld):
		return CodeLockHeld, err.Error()
	case errors.Is(err, lock.ErrNotHolder):
		return CodeNotHolder, err.Error()
	case errors.Is(err, lock.ErrReadOnlyRole):
		return CodeNotPermitted, err.Error()
	case errors.Is(err, lifecycle.ErrCapacity):
		return CodeCapacityExceeded, err.Error()
	case errors.Is(err, lifecycle.ErrTerminated):
		return CodeAgentTerminated, err.Error()
	case errors.Is(err, lifecycle.ErrInvalidRole):
		return JSONRPCInvalidParams, err.Error()
	case errors.Is(err, security.ErrPayloadBlocked):
		return CodePayloadBlocked, err.Error()
	case errors.Is(err, knowledge.ErrProviderUnavailable):
		return CodeProviderUnavailable, "embedding provider unavailable"
	case errors.Is(err, errInvalidParams):
		return JSONRPCInvalidParams, err.Error()
	default:
		return JSONRPCInternalError, "internal error"
	}
}

var errInvalidParams = errors.New("invalid params")

// decodeParams unmarshals params into dst, tolerating absent params only
// when the method has no required fields (callers validate those).
func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
