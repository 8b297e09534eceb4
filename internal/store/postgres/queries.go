package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
)

const nodeCols = `node_id, user_id, status, COALESCE(health_status,''), warm_since, created_at, updated_at`
const taskCols = `task_id, project_id, user_id, status, workspace_id, execution_step, error_message, auto_provisioned_node_id, started_at, completed_at, created_at, updated_at`
const workspaceCols = `workspace_id, node_id, user_id, status, created_at, updated_at`

func toUnixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UTC().Unix()
	return &v
}

func fromUnixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

// Nodes

func (s *Store) CreateNode(ctx context.Context, userID, status string) (store.Node, error) {
	if userID == "" {
		return store.Node{}, errors.New("user ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO nodes(node_id, user_id, status, created_at, updated_at) VALUES($1, $2, $3, $4, $5)`,
		id, userID, status, now, now)
	if err != nil {
		return store.Node{}, err
	}
	return store.Node{NodeID: id, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanNode(scan func(dest ...any) error) (store.Node, error) {
	var n store.Node
	var warm *int64
	var createdAt, updatedAt int64
	if err := scan(&n.NodeID, &n.UserID, &n.Status, &n.HealthStatus, &warm, &createdAt, &updatedAt); err != nil {
		return store.Node{}, err
	}
	n.WarmSince = fromUnixPtr(warm)
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (store.Node, error) {
	n, err := scanNode(s.Pool.QueryRow(ctx, `SELECT `+nodeCols+` FROM nodes WHERE node_id = $1`, nodeID).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Node{}, fmt.Errorf("node %s: %w", nodeID, store.ErrNotFound)
		}
		return store.Node{}, err
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, userID string, limit int) ([]store.Node, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.Pool.Query(ctx, `SELECT `+nodeCols+` FROM nodes WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT `+nodeCols+` FROM nodes ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows pgx.Rows) ([]store.Node, error) {
	var out []store.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) SetNodeStatus(ctx context.Context, nodeID, status string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE nodes SET status = $1, updated_at = $2 WHERE node_id = $3`,
		status, time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "node", nodeID)
}

func (s *Store) SetNodeWarmSince(ctx context.Context, nodeID string, warmSince *time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE nodes SET warm_since = $1, updated_at = $2 WHERE node_id = $3`,
		toUnixPtr(warmSince), time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "node", nodeID)
}

func (s *Store) MarkNodeStopped(ctx context.Context, nodeID, healthStatus string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE nodes SET status = 'stopped', warm_since = NULL, health_status = $1, updated_at = $2 WHERE node_id = $3`,
		healthStatus, time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "node", nodeID)
}

func (s *Store) ListStaleWarmNodes(ctx context.Context, cutoff time.Time) ([]store.StaleWarmNode, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+nodeCols+`,
  (SELECT COUNT(*) FROM workspaces w WHERE w.node_id = nodes.node_id AND w.status = 'running') AS running_workspaces
FROM nodes
WHERE warm_since IS NOT NULL AND warm_since < $1 AND status = 'running'
ORDER BY warm_since ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.StaleWarmNode
	for rows.Next() {
		var n store.StaleWarmNode
		var warm *int64
		var createdAt, updatedAt int64
		if err := rows.Scan(&n.NodeID, &n.UserID, &n.Status, &n.HealthStatus, &warm, &createdAt, &updatedAt, &n.RunningWorkspaces); err != nil {
			return nil, err
		}
		n.WarmSince = fromUnixPtr(warm)
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredAutoProvisionedNodes(ctx context.Context, cutoff time.Time) ([]store.Node, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+nodeCols+` FROM nodes
WHERE status != 'stopped' AND created_at < $1
  AND EXISTS (SELECT 1 FROM tasks t WHERE t.auto_provisioned_node_id = nodes.node_id)
ORDER BY created_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *Store) ListOrphanedNodes(ctx context.Context, cutoff time.Time) ([]store.Node, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+nodeCols+` FROM nodes
WHERE status = 'running' AND warm_since IS NULL AND updated_at < $1
  AND NOT EXISTS (
    SELECT 1 FROM workspaces w
    WHERE w.node_id = nodes.node_id AND w.status IN ('running','creating','recovery')
  )
ORDER BY updated_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *Store) CountRunningWorkspaces(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE node_id = $1 AND status = 'running'`, nodeID).Scan(&n)
	return n, err
}

func (s *Store) CountActiveWorkspaces(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE node_id = $1 AND status IN ('running','creating','recovery')`, nodeID).Scan(&n)
	return n, err
}

// Workspaces

func (s *Store) CreateWorkspace(ctx context.Context, nodeID, userID, status string) (store.Workspace, error) {
	if nodeID == "" {
		return store.Workspace{}, errors.New("node ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO workspaces(workspace_id, node_id, user_id, status, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6)`,
		id, nodeID, userID, status, now, now)
	if err != nil {
		return store.Workspace{}, err
	}
	return store.Workspace{WorkspaceID: id, NodeID: nodeID, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanWorkspace(scan func(dest ...any) error) (store.Workspace, error) {
	var w store.Workspace
	var createdAt, updatedAt int64
	if err := scan(&w.WorkspaceID, &w.NodeID, &w.UserID, &w.Status, &createdAt, &updatedAt); err != nil {
		return store.Workspace{}, err
	}
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return w, nil
}

func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	w, err := scanWorkspace(s.Pool.QueryRow(ctx, `SELECT `+workspaceCols+` FROM workspaces WHERE workspace_id = $1`, workspaceID).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Workspace{}, fmt.Errorf("workspace %s: %w", workspaceID, store.ErrNotFound)
		}
		return store.Workspace{}, err
	}
	return w, nil
}

func (s *Store) SetWorkspaceStatus(ctx context.Context, workspaceID, status string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE workspaces SET status = $1, updated_at = $2 WHERE workspace_id = $3`,
		status, time.Now().UTC().Unix(), workspaceID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "workspace", workspaceID)
}

func (s *Store) ListOrphanedWorkspaces(ctx context.Context, cutoff time.Time) ([]store.Workspace, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+workspaceCols+` FROM workspaces
WHERE status = 'running' AND created_at < $1
  AND NOT EXISTS (
    SELECT 1 FROM tasks t
    WHERE t.workspace_id = workspaces.workspace_id AND t.status IN ('queued','delegated','in_progress')
  )
ORDER BY created_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Tasks

func (s *Store) CreateTask(ctx context.Context, projectID, userID, status string) (store.Task, error) {
	if userID == "" {
		return store.Task{}, errors.New("user ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO tasks(task_id, project_id, user_id, status, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6)`,
		id, projectID, userID, status, now, now)
	if err != nil {
		return store.Task{}, err
	}
	return store.Task{TaskID: id, ProjectID: projectID, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanTask(scan func(dest ...any) error) (store.Task, error) {
	var t store.Task
	var startedAt, completedAt *int64
	var createdAt, updatedAt int64
	if err := scan(&t.TaskID, &t.ProjectID, &t.UserID, &t.Status, &t.WorkspaceID, &t.ExecutionStep,
		&t.ErrorMessage, &t.AutoProvisionedNodeID, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return store.Task{}, err
	}
	t.StartedAt = fromUnixPtr(startedAt)
	t.CompletedAt = fromUnixPtr(completedAt)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id = $1`, taskID).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return store.Task{}, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, userID string, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListTransientTasks(ctx context.Context) ([]store.Task, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status IN ('queued','delegated','in_progress') ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE task_id = $3`,
		status, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) SetTaskWorkspace(ctx context.Context, taskID, workspaceID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET workspace_id = $1, updated_at = $2 WHERE task_id = $3`,
		workspaceID, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) SetTaskExecutionStep(ctx context.Context, taskID string, step *string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET execution_step = $1, updated_at = $2 WHERE task_id = $3`,
		step, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) SetTaskStarted(ctx context.Context, taskID string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET started_at = $1, updated_at = $2 WHERE task_id = $3`,
		at.UTC().Unix(), time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) SetTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET auto_provisioned_node_id = $1, updated_at = $2 WHERE task_id = $3`,
		nodeID, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) FailTask(ctx context.Context, taskID, errorMessage string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status = 'failed', execution_step = NULL, error_message = $1, completed_at = $2, updated_at = $3 WHERE task_id = $4`,
		errorMessage, at.UTC().Unix(), at.UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(tag.RowsAffected(), "task", taskID)
}

func (s *Store) AppendTaskStatusEvent(ctx context.Context, taskID, fromStatus, toStatus, actorType, reason string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO task_status_events(task_id, from_status, to_status, actor_type, reason, created_at) VALUES($1, $2, $3, $4, $5, $6)`,
		taskID, fromStatus, toStatus, actorType, reason, time.Now().UTC().Unix())
	return err
}

func (s *Store) ListTaskStatusEvents(ctx context.Context, taskID string) ([]store.TaskStatusEvent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT event_id, task_id, from_status, to_status, actor_type, reason, created_at FROM task_status_events WHERE task_id = $1 ORDER BY event_id ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TaskStatusEvent
	for rows.Next() {
		var e store.TaskStatusEvent
		var createdAt int64
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.ActorType, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Node alarms

func (s *Store) UpsertNodeAlarm(ctx context.Context, nodeID string, firesAt time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO node_alarms(node_id, fires_at) VALUES($1, $2) ON CONFLICT (node_id) DO UPDATE SET fires_at = EXCLUDED.fires_at`,
		nodeID, firesAt.UTC().Unix())
	return err
}

func (s *Store) DeleteNodeAlarm(ctx context.Context, nodeID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM node_alarms WHERE node_id = $1`, nodeID)
	return err
}

func (s *Store) ListNodeAlarms(ctx context.Context) ([]store.NodeAlarm, error) {
	rows, err := s.Pool.Query(ctx, `SELECT node_id, fires_at FROM node_alarms ORDER BY fires_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.NodeAlarm
	for rows.Next() {
		var a store.NodeAlarm
		var firesAt int64
		if err := rows.Scan(&a.NodeID, &firesAt); err != nil {
			return nil, err
		}
		a.FiresAt = time.Unix(firesAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Observability

func (s *Store) InsertOpsError(ctx context.Context, e store.OpsError) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO ops_errors(source, level, message, context, user_id, node_id, workspace_id, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Source, e.Level, e.Message, e.Context, e.UserID, e.NodeID, e.WorkspaceID, time.Now().UTC().Unix())
	return err
}

func (s *Store) ListOpsErrors(ctx context.Context, limit int) ([]store.OpsError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT error_id, source, level, message, context, user_id, node_id, workspace_id, created_at FROM ops_errors ORDER BY error_id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.OpsError
	for rows.Next() {
		var e store.OpsError
		var createdAt int64
		if err := rows.Scan(&e.ErrorID, &e.Source, &e.Level, &e.Message, &e.Context, &e.UserID, &e.NodeID, &e.WorkspaceID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func requireRow(n int64, kind, id string) error {
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
