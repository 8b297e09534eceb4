package store

import (
	"context"
	"time"
)

// Store is the persistence interface for nodes, workspaces, tasks, alarms,
// and observability records.
// Implementations: the embedded SQLite store (default) and *postgres.Store.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, userID, status string) (Node, error)
	GetNode(ctx context.Context, nodeID string) (Node, error)
	ListNodes(ctx context.Context, userID string, limit int) ([]Node, error)
	SetNodeStatus(ctx context.Context, nodeID, status string) error
	SetNodeWarmSince(ctx context.Context, nodeID string, warmSince *time.Time) error
	// MarkNodeStopped sets status=stopped, clears warm_since, and records the
	// given health status in one write.
	MarkNodeStopped(ctx context.Context, nodeID, healthStatus string) error
	// ListStaleWarmNodes returns running nodes whose warm_since is older than
	// cutoff, each with its running-workspace count (single aggregate query).
	ListStaleWarmNodes(ctx context.Context, cutoff time.Time) ([]StaleWarmNode, error)
	// ListExpiredAutoProvisionedNodes returns nodes referenced by some task's
	// auto_provisioned_node_id that are not stopped and were created before cutoff.
	ListExpiredAutoProvisionedNodes(ctx context.Context, cutoff time.Time) ([]Node, error)
	// ListOrphanedNodes returns running nodes with warm_since null, updated
	// before cutoff, and no workspace in running/creating/recovery.
	ListOrphanedNodes(ctx context.Context, cutoff time.Time) ([]Node, error)
	CountRunningWorkspaces(ctx context.Context, nodeID string) (int, error)
	CountActiveWorkspaces(ctx context.Context, nodeID string) (int, error)

	// Workspaces
	CreateWorkspace(ctx context.Context, nodeID, userID, status string) (Workspace, error)
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	SetWorkspaceStatus(ctx context.Context, workspaceID, status string) error
	// ListOrphanedWorkspaces returns running workspaces older than cutoff with
	// no task in a transient status pointing at them.
	ListOrphanedWorkspaces(ctx context.Context, cutoff time.Time) ([]Workspace, error)

	// Tasks
	CreateTask(ctx context.Context, projectID, userID, status string) (Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, userID string, limit int) ([]Task, error)
	// ListTransientTasks returns queued/delegated/in_progress tasks ordered
	// oldest-updated first.
	ListTransientTasks(ctx context.Context) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
	SetTaskWorkspace(ctx context.Context, taskID, workspaceID string) error
	SetTaskExecutionStep(ctx context.Context, taskID string, step *string) error
	SetTaskStarted(ctx context.Context, taskID string, at time.Time) error
	SetTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error
	// FailTask sets status=failed, clears execution_step, and records the error
	// message and completion time.
	FailTask(ctx context.Context, taskID, errorMessage string, at time.Time) error
	AppendTaskStatusEvent(ctx context.Context, taskID, fromStatus, toStatus, actorType, reason string) error
	ListTaskStatusEvents(ctx context.Context, taskID string) ([]TaskStatusEvent, error)

	// Node alarms (durable timers)
	UpsertNodeAlarm(ctx context.Context, nodeID string, firesAt time.Time) error
	DeleteNodeAlarm(ctx context.Context, nodeID string) error
	ListNodeAlarms(ctx context.Context) ([]NodeAlarm, error)

	// Observability
	InsertOpsError(ctx context.Context, e OpsError) error
	ListOpsErrors(ctx context.Context, limit int) ([]OpsError, error)

	// Lifecycle
	Close() error
}
