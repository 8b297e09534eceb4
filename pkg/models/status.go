package models

// Node statuses used throughout the codebase.
const (
	NodeStatusCreating = "creating"
	NodeStatusRunning  = "running"
	NodeStatusStopped  = "stopped"
	NodeStatusError    = "error"
)

// Workspace statuses.
const (
	WorkspaceStatusCreating = "creating"
	WorkspaceStatusRunning  = "running"
	WorkspaceStatusRecovery = "recovery"
	WorkspaceStatusStopped  = "stopped"
	WorkspaceStatusError    = "error"
)

// Task statuses. Only queued, delegated, and in_progress are transient and
// subject to stuck-task timeouts.
const (
	TaskStatusDraft      = "draft"
	TaskStatusReady      = "ready"
	TaskStatusQueued     = "queued"
	TaskStatusDelegated  = "delegated"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// Agent session statuses.
const (
	SessionStatusRunning   = "running"
	SessionStatusSuspended = "suspended"
	SessionStatusStopped   = "stopped"
	SessionStatusError     = "error"
)

// Actor types recorded on task status events.
const (
	ActorTypeUser              = "user"
	ActorTypeSystem            = "system"
	ActorTypeWorkspaceCallback = "workspace_callback"
)

// HealthStatusStale marks a node the control plane reclaimed or found drifted.
const HealthStatusStale = "stale"

// Default limits.
const (
	DefaultNodeListLimit = 500
	DefaultTaskListLimit = 1000
)
