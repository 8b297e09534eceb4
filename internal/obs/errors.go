// Package obs persists recovery actions and operational errors for operator
// visibility. Writes are best-effort: a failure here must never abort the
// caller.
package obs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
)

// Levels for Entry.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// Entry is one observability record. Context carries structured tags such as
// recoveryType; it is stored as JSON.
type Entry struct {
	Source      string
	Level       string
	Message     string
	Context     map[string]string
	UserID      string
	NodeID      string
	WorkspaceID string
}

// PersistError writes e to the ops_errors table. Failures are logged and
// swallowed.
func PersistError(ctx context.Context, st store.Store, e Entry) {
	if e.Level == "" {
		e.Level = LevelError
	}
	var contextJSON string
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err == nil {
			contextJSON = string(b)
		}
	}
	rec := store.OpsError{
		Source:      e.Source,
		Level:       e.Level,
		Message:     e.Message,
		Context:     contextJSON,
		UserID:      optional(e.UserID),
		NodeID:      optional(e.NodeID),
		WorkspaceID: optional(e.WorkspaceID),
	}
	if err := st.InsertOpsError(ctx, rec); err != nil {
		slog.Warn("persist ops error failed", "source", e.Source, "err", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
