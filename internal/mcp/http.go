// Streamable HTTP transport for the MCP server: one endpoint accepting
// POST (JSON-RPC messages), GET (SSE probe), and DELETE (session
// teardown), with CORS and bearer authentication in front.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/auth"
	"github.com/taskmesh/taskmesh/internal/response"
)

// HealthStatus is assembled by the health endpoint from live probes.
type HealthStatus struct {
	Status   string            `json:"status"`
	Database map[string]string `json:"database"`
	Auth     map[string]any    `json:"auth"`
	MCPTools bool              `json:"mcp_tools"`
}

// HealthProbe reports backend liveness for the health endpoint.
type HealthProbe func(ctx context.Context) HealthStatus

// HTTPServer wraps Server with Streamable HTTP transport (MCP spec
// 2025-03-26). Authentication is delegated to auth.Middleware, which
// resolves the bearer token (JWT or API token) into an identity on the
// request context before the MCP handler runs.
type HTTPServer struct {
	server     *Server
	middleware *auth.Middleware
	probe      HealthProbe
	cors       string
	sessionTTL time.Duration
	logger     *slog.Logger
	sessions   sync.Map // sessionID -> *session
}

// session tracks an MCP session established via initialize.
type session struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// NewHTTPServer creates an HTTP transport wrapper around the core MCP
// server. sessionTTL bounds idle session lifetime (default 30m).
func NewHTTPServer(server *Server, middleware *auth.Middleware, probe HealthProbe, corsOrigins string, sessionTTL time.Duration, logger *slog.Logger) *HTTPServer {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &HTTPServer{
		server:     server,
		middleware: middleware,
		probe:      probe,
		cors:       corsOrigins,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// Handler returns an http.Handler serving the MCP endpoint and the
// health probe, with authentication wrapped around both (the health
// path is allowlisted inside the middleware).
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", h.handleMCP)
	mux.HandleFunc("/health", h.handleHealth)
	return h.middleware.Wrap(mux)
}

// handleHealth responds to health check probes with live backend status.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok", MCPTools: h.server.registry.HasTools()}
	if h.probe != nil {
		status = h.probe(r.Context())
	}
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

// handleMCP is the single MCP endpoint that supports POST and GET.
func (h *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// An X-Debug header flips downstream response shaping to the debug
	// profile unless the call pins an explicit one.
	if strings.EqualFold(r.Header.Get("X-Debug"), "true") {
		r = r.WithContext(response.WithDebug(r.Context()))
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

// handlePost processes JSON-RPC messages from the client.
func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024)) // 10MB limit
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		http.Error(w, `{"error":"empty request body"}`, http.StatusBadRequest)
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		h.handleBatch(w, r, body)
		return
	}

	h.handleSingle(w, r, body)
}

// handleSingle processes a single JSON-RPC message.
func (h *HTTPServer) handleSingle(w http.ResponseWriter, r *http.Request, body []byte) {
	var peek struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrCodeParse, "Parse error", err.Error())
		return
	}

	// Notifications and responses: accept with 202.
	isNotification := peek.ID == nil || string(peek.ID) == "null"
	if isNotification {
		_ = h.server.HandleMessage(r.Context(), body)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Validate session for non-initialize requests before processing.
	if peek.Method != "initialize" {
		sessionID := r.Header.Get("Mcp-Session-Id")
		if sessionID != "" && !h.touchSession(sessionID) {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
	}

	resp := h.server.HandleMessage(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if peek.Method == "initialize" && resp.Error == nil {
		sessionID := h.createSession()
		w.Header().Set("Mcp-Session-Id", sessionID)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// handleBatch processes a JSON-RPC batch.
func (h *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var messages []json.RawMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrCodeParse, "Parse error", err.Error())
		return
	}

	if len(messages) == 0 {
		h.writeJSONError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Empty batch", nil)
		return
	}

	var responses []*Response
	allNotifications := true

	for _, msg := range messages {
		var peek struct {
			ID json.RawMessage `json:"id,omitempty"`
		}
		if err := json.Unmarshal(msg, &peek); err != nil {
			continue
		}

		isNotification := peek.ID == nil || string(peek.ID) == "null"
		if !isNotification {
			allNotifications = false
		}

		resp := h.server.HandleMessage(r.Context(), msg)
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	if allNotifications || len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.writeJSON(w, http.StatusOK, responses)
}

// handleGet opens an SSE stream for server-initiated messages.
// The server has no unsolicited messages, so it returns 405 per spec.
func (h *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "text/event-stream") {
		http.Error(w, `{"error":"Accept header must include text/event-stream"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Allow", "POST, DELETE, OPTIONS")
	http.Error(w, `{"error":"SSE stream not supported; use POST for requests"}`, http.StatusMethodNotAllowed)
}

// handleDelete terminates a session.
func (h *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, `{"error":"Mcp-Session-Id header required"}`, http.StatusBadRequest)
		return
	}

	if _, ok := h.sessions.LoadAndDelete(sessionID); !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	h.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusOK)
}

// createSession generates a new session ID and stores it.
func (h *HTTPServer) createSession() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID (should never happen in practice).
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	id := hex.EncodeToString(b)
	now := time.Now()
	h.sessions.Store(id, &session{id: id, createdAt: now, lastSeen: now})
	h.logger.Info("session created", "session_id", id)
	return id
}

// touchSession refreshes a session's idle timer, reporting whether the
// session exists and has not expired.
func (h *HTTPServer) touchSession(id string) bool {
	v, ok := h.sessions.Load(id)
	if !ok {
		return false
	}
	s := v.(*session)
	if time.Since(s.idleSince()) > h.sessionTTL {
		h.sessions.Delete(id)
		return false
	}
	s.touch(time.Now())
	return true
}

// SessionCount reports the number of live sessions.
func (h *HTTPServer) SessionCount() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Name implements scheduler.Job for periodic session cleanup.
func (h *HTTPServer) Name() string { return "session-cleanup" }

// Run drops sessions idle past the TTL.
func (h *HTTPServer) Run(_ context.Context) error {
	cutoff := time.Now().Add(-h.sessionTTL)
	h.sessions.Range(func(k, v any) bool {
		if s, ok := v.(*session); ok && s.idleSince().Before(cutoff) {
			h.sessions.Delete(k)
			h.logger.Debug("session expired", "session_id", s.id)
		}
		return true
	})
	return nil
}

// setCORS sets CORS headers on the response.
func (h *HTTPServer) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if h.cors == "*" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		allowed := strings.Split(h.cors, ",")
		for _, a := range allowed {
			if strings.TrimSpace(a) == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Mcp-Session-Id")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

// writeJSON writes a JSON response with the given status code.
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeJSONError writes a JSON-RPC error response.
func (h *HTTPServer) writeJSONError(w http.ResponseWriter, httpStatus int, code int, message string, data any) {
	resp := &Response{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	h.writeJSON(w, httpStatus, resp)
}
