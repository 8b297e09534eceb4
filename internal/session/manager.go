// Package session tracks in-memory agent sessions per workspace on a node.
// Suspend/resume preserves the ACP protocol session ID so a node reclaimed
// from the warm pool can resume a prior conversation without losing context.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

// ErrConflict marks a transition that is not legal from the session's current
// status (e.g. suspending a stopped session). Callers check with errors.Is.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned for unknown workspace or session IDs.
var ErrNotFound = errors.New("session not found")

// Session is one agent session. ACPSessionID and AgentType survive
// suspend/resume unchanged; SuspendedAt is non-nil iff Status is suspended.
type Session struct {
	SessionID    string
	WorkspaceID  string
	Status       string
	Label        string
	ACPSessionID string
	AgentType    string
	LastPrompt   string
	ErrMessage   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StoppedAt    *time.Time
	SuspendedAt  *time.Time
}

// CreateResult reports whether Create replayed a previous creation via its
// idempotency key.
type CreateResult struct {
	Session       Session
	IdempotentHit bool
}

// Manager tracks sessions for all workspaces on one node. All methods are
// safe for concurrent use.
type Manager struct {
	mu sync.Mutex
	// workspace ID -> session ID -> session
	sessions map[string]map[string]*Session
	// workspace ID -> idempotency key -> session ID
	idempotency map[string]map[string]string

	now func() time.Time
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions:    make(map[string]map[string]*Session),
		idempotency: make(map[string]map[string]string),
		now:         time.Now,
	}
}

// Create registers a new running session. If idempotencyKey was already seen
// for this workspace, the previously created session is returned with
// IdempotentHit set instead of an error, so retried creation requests are safe.
func (m *Manager) Create(workspaceID, sessionID, label, idempotencyKey string) (CreateResult, error) {
	if workspaceID == "" {
		return CreateResult{}, errors.New("workspace ID required")
	}
	if sessionID == "" {
		return CreateResult{}, errors.New("session ID required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if prevID, ok := m.idempotency[workspaceID][idempotencyKey]; ok {
			if prev, ok := m.sessions[workspaceID][prevID]; ok {
				return CreateResult{Session: *prev, IdempotentHit: true}, nil
			}
		}
	}
	if _, ok := m.sessions[workspaceID][sessionID]; ok {
		return CreateResult{}, fmt.Errorf("session %s already exists in workspace %s: %w", sessionID, workspaceID, ErrConflict)
	}

	now := m.now().UTC()
	s := &Session{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Status:      models.SessionStatusRunning,
		Label:       label,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.sessions[workspaceID] == nil {
		m.sessions[workspaceID] = make(map[string]*Session)
	}
	m.sessions[workspaceID][sessionID] = s
	if idempotencyKey != "" {
		if m.idempotency[workspaceID] == nil {
			m.idempotency[workspaceID] = make(map[string]string)
		}
		m.idempotency[workspaceID][idempotencyKey] = sessionID
	}
	return CreateResult{Session: *s}, nil
}

// Stop transitions the session to stopped. It is idempotent: stopping an
// already-stopped session returns the same terminal state without error.
func (m *Manager) Stop(workspaceID, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status == models.SessionStatusStopped {
		return *s, nil
	}
	now := m.now().UTC()
	s.Status = models.SessionStatusStopped
	s.StoppedAt = &now
	s.SuspendedAt = nil
	s.UpdatedAt = now
	return *s, nil
}

// Suspend parks a running (or errored) session so its workspace can be torn
// down while the node sits in the warm pool. Protocol identity is preserved.
func (m *Manager) Suspend(workspaceID, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status != models.SessionStatusRunning && s.Status != models.SessionStatusError {
		return Session{}, fmt.Errorf("cannot suspend session %s in status %s: %w", sessionID, s.Status, ErrConflict)
	}
	now := m.now().UTC()
	s.Status = models.SessionStatusSuspended
	s.SuspendedAt = &now
	s.ErrMessage = ""
	s.UpdatedAt = now
	return *s, nil
}

// Resume returns a suspended session to running. The ACP session ID, agent
// type, and last prompt are exactly as they were at suspension.
func (m *Manager) Resume(workspaceID, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status != models.SessionStatusSuspended {
		return Session{}, fmt.Errorf("cannot resume session %s in status %s: %w", sessionID, s.Status, ErrConflict)
	}
	s.Status = models.SessionStatusRunning
	s.SuspendedAt = nil
	s.UpdatedAt = m.now().UTC()
	return *s, nil
}

// UpdateACPSessionID records the protocol session ID after a successful
// protocol-session creation, for discoverability and reconnection.
func (m *Manager) UpdateACPSessionID(workspaceID, sessionID, acpSessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	s.ACPSessionID = acpSessionID
	s.UpdatedAt = m.now().UTC()
	return *s, nil
}

// UpdateAgentType records which agent backs the session.
func (m *Manager) UpdateAgentType(workspaceID, sessionID, agentType string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	s.AgentType = agentType
	s.UpdatedAt = m.now().UTC()
	return *s, nil
}

// UpdateLastPrompt records the most recent prompt sent to the session.
func (m *Manager) UpdateLastPrompt(workspaceID, sessionID, prompt string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	s.LastPrompt = prompt
	s.UpdatedAt = m.now().UTC()
	return *s, nil
}

// SetError marks a session errored with a message. An errored session can
// still be suspended; suspension clears the error.
func (m *Manager) SetError(workspaceID, sessionID, message string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(workspaceID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status == models.SessionStatusStopped {
		return Session{}, fmt.Errorf("cannot error session %s in status %s: %w", sessionID, s.Status, ErrConflict)
	}
	s.Status = models.SessionStatusError
	s.ErrMessage = message
	s.UpdatedAt = m.now().UTC()
	return *s, nil
}

// List returns the workspace's sessions sorted oldest-created first so UI tab
// ordering is stable.
func (m *Manager) List(workspaceID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.sessions[workspaceID]
	out := make([]Session, 0, len(ws))
	for _, s := range ws {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Workspaces returns the IDs of all workspaces with tracked sessions.
func (m *Manager) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RemoveWorkspace drops all session state for a destroyed workspace,
// including idempotency history.
func (m *Manager) RemoveWorkspace(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, workspaceID)
	delete(m.idempotency, workspaceID)
}

// SuspendAll suspends every running or errored session across all workspaces
// and returns how many were suspended. Used on node-agent shutdown so warm
// reclamation keeps conversational state.
func (m *Manager) SuspendAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now().UTC()
	for _, ws := range m.sessions {
		for _, s := range ws {
			if s.Status != models.SessionStatusRunning && s.Status != models.SessionStatusError {
				continue
			}
			s.Status = models.SessionStatusSuspended
			s.SuspendedAt = &now
			s.ErrMessage = ""
			s.UpdatedAt = now
			n++
		}
	}
	return n
}

func (m *Manager) get(workspaceID, sessionID string) (*Session, error) {
	ws, ok := m.sessions[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	s, ok := ws[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s in workspace %s: %w", sessionID, workspaceID, ErrNotFound)
	}
	return s, nil
}
