// Package store defines the persistence interface and shared models for
// nodes, workspaces, tasks, and their audit trail.
package store

import "time"

// Node is a cloud compute instance hosting agent workspaces.
// WarmSince must be nil whenever the node has any running workspace.
type Node struct {
	NodeID       string
	UserID       string
	Status       string
	HealthStatus string
	WarmSince    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StaleWarmNode is a warm node past the grace period together with a count of
// its currently running workspaces, loaded in a single aggregate query.
type StaleWarmNode struct {
	Node
	RunningWorkspaces int
}

// Workspace is an agent workspace on a node.
type Workspace struct {
	WorkspaceID string
	NodeID      string
	UserID      string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is a unit of agent work with lifecycle status and timing fields.
type Task struct {
	TaskID                string
	ProjectID             string
	UserID                string
	Status                string
	WorkspaceID           *string
	ExecutionStep         *string
	ErrorMessage          *string
	AutoProvisionedNodeID *string
	StartedAt             *time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TaskStatusEvent is an append-only audit row for a task status transition.
type TaskStatusEvent struct {
	EventID    int64
	TaskID     string
	FromStatus string
	ToStatus   string
	ActorType  string // user, system, workspace_callback
	Reason     string
	CreatedAt  time.Time
}

// NodeAlarm is the durable projection of a node actor's self-destruct timer.
// At most one alarm exists per node; re-arming replaces it.
type NodeAlarm struct {
	NodeID  string
	FiresAt time.Time
}

// OpsError is a best-effort observability record for recovery actions and
// failures during sweeps. Context is a JSON blob (e.g. recoveryType tag).
type OpsError struct {
	ErrorID     int64
	Source      string
	Level       string
	Message     string
	Context     string
	UserID      *string
	NodeID      *string
	WorkspaceID *string
	CreatedAt   time.Time
}
