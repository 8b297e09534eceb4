// Package agenthost is the VM-side sidecar that owns the in-memory agent
// session manager for the workspaces on one node. The control plane talks to
// it over a small JSON API; on shutdown every running session is suspended so
// a reclaimed warm node can resume conversations without losing protocol
// state.
package agenthost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/session"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

// defaultMaxRequestBodyBytes limits request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// Options configures the sidecar server.
type Options struct {
	Addr    string // listen address, default 127.0.0.1:3550
	Manager *session.Manager
}

// Server hosts the session manager behind an HTTP surface.
type Server struct {
	HTTP    *http.Server
	Manager *session.Manager
}

// New builds the sidecar server and registers all routes.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:3550"
	}
	mgr := opts.Manager
	if mgr == nil {
		mgr = session.NewManager()
	}
	s := &Server{Manager: mgr}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/workspaces/", s.handleWorkspace)

	s.HTTP = &http.Server{
		Addr:    opts.Addr,
		Handler: bodyLimitMiddleware(defaultMaxRequestBodyBytes, mux),
	}
	return s
}

// Run serves until ctx is cancelled, then suspends every running session
// before shutting the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.HTTP.ListenAndServe() }()
	select {
	case <-ctx.Done():
		n := s.Manager.SuspendAll()
		slog.Info("agent host shutting down", "suspended_sessions", n)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.HTTP.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, s.Manager.Workspaces())
}

// handleWorkspace routes /workspaces/{id} and everything under it.
func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/workspaces/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	workspaceID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.Manager.RemoveWorkspace(workspaceID)
		writeJSON(w, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "sessions":
		s.handleSessions(w, r, workspaceID)
	case len(parts) == 4 && parts[1] == "sessions":
		s.handleSessionAction(w, r, workspaceID, parts[2], parts[3])
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.Manager.List(workspaceID)
		out := make([]models.AgentSession, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, toModel(sess))
		}
		writeJSON(w, out)
	case http.MethodPost:
		var req struct {
			SessionID      string `json:"sessionId"`
			Label          string `json:"label"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		res, err := s.Manager.Create(workspaceID, req.SessionID, req.Label, req.IdempotencyKey)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if !res.IdempotentHit {
			w.WriteHeader(http.StatusCreated)
		}
		writeJSON(w, toModel(res.Session))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSessionAction routes POST /workspaces/{ws}/sessions/{id}/{action}.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request, workspaceID, sessionID, action string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var (
		sess session.Session
		err  error
	)
	switch action {
	case "stop":
		sess, err = s.Manager.Stop(workspaceID, sessionID)
	case "suspend":
		sess, err = s.Manager.Suspend(workspaceID, sessionID)
	case "resume":
		sess, err = s.Manager.Resume(workspaceID, sessionID)
	case "acp":
		var req struct {
			ACPSessionID string `json:"acpSessionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ACPSessionID == "" {
			writeJSONError(w, http.StatusBadRequest, "acpSessionId required")
			return
		}
		sess, err = s.Manager.UpdateACPSessionID(workspaceID, sessionID, req.ACPSessionID)
	case "agent-type":
		var req struct {
			AgentType string `json:"agentType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentType == "" {
			writeJSONError(w, http.StatusBadRequest, "agentType required")
			return
		}
		sess, err = s.Manager.UpdateAgentType(workspaceID, sessionID, req.AgentType)
	case "prompt":
		var req struct {
			LastPrompt string `json:"lastPrompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		sess, err = s.Manager.UpdateLastPrompt(workspaceID, sessionID, req.LastPrompt)
	case "error":
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		sess, err = s.Manager.SetError(workspaceID, sessionID, req.Message)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, toModel(sess))
}

// toModel maps the in-memory session to its wire shape.
func toModel(s session.Session) models.AgentSession {
	return models.AgentSession{
		SessionID:    s.SessionID,
		WorkspaceID:  s.WorkspaceID,
		Status:       s.Status,
		Label:        s.Label,
		ACPSessionID: s.ACPSessionID,
		AgentType:    s.AgentType,
		LastPrompt:   s.LastPrompt,
		ErrorMessage: s.ErrMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		StoppedAt:    s.StoppedAt,
		SuspendedAt:  s.SuspendedAt,
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
