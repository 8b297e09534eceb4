package agenthost

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/session"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Options{Manager: session.NewManager()})
	ts := httptest.NewServer(srv.HTTP.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) models.AgentSession {
	t.Helper()
	var sess models.AgentSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateSession_idempotentReplay(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	url := ts.URL + "/workspaces/ws-1/sessions"

	resp := doJSON(t, http.MethodPost, url, map[string]string{
		"sessionId": "sess-1", "label": "fix tests", "idempotencyKey": "key-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status = %d", resp.StatusCode)
	}
	created := decodeSession(t, resp)
	if created.SessionID != "sess-1" || created.Status != models.SessionStatusRunning {
		t.Fatalf("created = %+v", created)
	}

	// Same key replays the original session, even with a new ID, and is not 201.
	resp = doJSON(t, http.MethodPost, url, map[string]string{
		"sessionId": "sess-other", "idempotencyKey": "key-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay: status = %d", resp.StatusCode)
	}
	if got := decodeSession(t, resp); got.SessionID != "sess-1" {
		t.Fatalf("replay returned %q, want sess-1", got.SessionID)
	}
}

func TestCreateSession_duplicateIDConflicts(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	url := ts.URL + "/workspaces/ws-1/sessions"

	if resp := doJSON(t, http.MethodPost, url, map[string]string{"sessionId": "dup"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, url, map[string]string{"sessionId": "dup"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: status = %d", resp.StatusCode)
	}
}

func TestSuspendResume_preservesACPSessionID(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	base := ts.URL + "/workspaces/ws-1/sessions"
	doJSON(t, http.MethodPost, base, map[string]string{"sessionId": "s1"})

	resp := doJSON(t, http.MethodPost, base+"/s1/acp", map[string]string{"acpSessionId": "acp-42"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acp: status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, base+"/s1/suspend", nil)
	if got := decodeSession(t, resp); got.Status != models.SessionStatusSuspended {
		t.Fatalf("suspend: %+v", got)
	}

	resp = doJSON(t, http.MethodPost, base+"/s1/resume", nil)
	got := decodeSession(t, resp)
	if got.Status != models.SessionStatusRunning {
		t.Fatalf("resume status = %q", got.Status)
	}
	if got.ACPSessionID != "acp-42" {
		t.Fatalf("acp_session_id = %q, want acp-42", got.ACPSessionID)
	}
}

func TestSessionAction_errors(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	base := ts.URL + "/workspaces/ws-1/sessions"
	doJSON(t, http.MethodPost, base, map[string]string{"sessionId": "s1"})
	doJSON(t, http.MethodPost, base+"/s1/stop", nil)

	// Suspending a stopped session is a conflict.
	if resp := doJSON(t, http.MethodPost, base+"/s1/suspend", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("suspend stopped: status = %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, base+"/missing/stop", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, base+"/s1/frobnicate", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action: status = %d", resp.StatusCode)
	}
}

func TestStop_idempotent(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	base := ts.URL + "/workspaces/ws-1/sessions"
	doJSON(t, http.MethodPost, base, map[string]string{"sessionId": "s1"})

	first := decodeSession(t, doJSON(t, http.MethodPost, base+"/s1/stop", nil))
	resp := doJSON(t, http.MethodPost, base+"/s1/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second stop: status = %d", resp.StatusCode)
	}
	second := decodeSession(t, resp)
	if second.StoppedAt == nil || first.StoppedAt == nil || !second.StoppedAt.Equal(*first.StoppedAt) {
		t.Fatalf("stopped_at changed: %v vs %v", first.StoppedAt, second.StoppedAt)
	}
}

func TestRemoveWorkspace(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	base := ts.URL + "/workspaces/ws-1/sessions"
	doJSON(t, http.MethodPost, base, map[string]string{"sessionId": "s1"})

	if resp := doJSON(t, http.MethodDelete, ts.URL+"/workspaces/ws-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, base, nil)
	var sessions []models.AgentSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}

func TestListSessions_oldestFirst(t *testing.T) {
	t.Parallel()
	srv, ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := srv.Manager.Create("ws-1", id, "", ""); err != nil {
			t.Fatal(err)
		}
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/workspaces/ws-1/sessions", nil)
	var sessions []models.AgentSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len = %d", len(sessions))
	}
	for i, want := range []string{"a", "b", "c"} {
		if sessions[i].SessionID != want {
			t.Errorf("sessions[%d] = %q, want %q", i, sessions[i].SessionID, want)
		}
	}
}

func TestBadJSONBody(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/workspaces/ws-1/sessions", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
