package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func toUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func fromUnixNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func fromStringNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// Nodes

func (s *sqliteStore) CreateNode(ctx context.Context, userID, status string) (Node, error) {
	if userID == "" {
		return Node{}, errors.New("user ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO nodes(node_id, user_id, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		id, userID, status, now, now)
	if err != nil {
		return Node{}, err
	}
	return Node{NodeID: id, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanNode(scan func(dest ...any) error) (Node, error) {
	var n Node
	var warm sql.NullInt64
	var createdAt, updatedAt int64
	if err := scan(&n.NodeID, &n.UserID, &n.Status, &n.HealthStatus, &warm, &createdAt, &updatedAt); err != nil {
		return Node{}, err
	}
	n.WarmSince = fromUnixNull(warm)
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return n, nil
}

func (s *sqliteStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	n, err := scanNode(s.stmtGetNode.QueryRowContext(ctx, nodeID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
		}
		return Node{}, err
	}
	return n, nil
}

func (s *sqliteStore) ListNodes(ctx context.Context, userID string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + nodeCols + ` FROM nodes`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetNodeStatus(ctx context.Context, nodeID, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
		status, time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

func (s *sqliteStore) SetNodeWarmSince(ctx context.Context, nodeID string, warmSince *time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE nodes SET warm_since = ?, updated_at = ? WHERE node_id = ?`,
		toUnixPtr(warmSince), time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

func (s *sqliteStore) MarkNodeStopped(ctx context.Context, nodeID, healthStatus string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE nodes SET status = 'stopped', warm_since = NULL, health_status = ?, updated_at = ? WHERE node_id = ?`,
		healthStatus, time.Now().UTC().Unix(), nodeID)
	if err != nil {
		return err
	}
	return requireRow(res, "node", nodeID)
}

func (s *sqliteStore) ListStaleWarmNodes(ctx context.Context, cutoff time.Time) ([]StaleWarmNode, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+nodeCols+`,
  (SELECT COUNT(*) FROM workspaces w WHERE w.node_id = nodes.node_id AND w.status = 'running') AS running_workspaces
FROM nodes
WHERE warm_since IS NOT NULL AND warm_since < ? AND status = 'running'
ORDER BY warm_since ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []StaleWarmNode
	for rows.Next() {
		var n StaleWarmNode
		var warm sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&n.NodeID, &n.UserID, &n.Status, &n.HealthStatus, &warm, &createdAt, &updatedAt, &n.RunningWorkspaces); err != nil {
			return nil, err
		}
		n.WarmSince = fromUnixNull(warm)
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListExpiredAutoProvisionedNodes(ctx context.Context, cutoff time.Time) ([]Node, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+nodeCols+` FROM nodes
WHERE status != 'stopped' AND created_at < ?
  AND EXISTS (SELECT 1 FROM tasks t WHERE t.auto_provisioned_node_id = nodes.node_id)
ORDER BY created_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectNodes(rows)
}

func (s *sqliteStore) ListOrphanedNodes(ctx context.Context, cutoff time.Time) ([]Node, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+nodeCols+` FROM nodes
WHERE status = 'running' AND warm_since IS NULL AND updated_at < ?
  AND NOT EXISTS (
    SELECT 1 FROM workspaces w
    WHERE w.node_id = nodes.node_id AND w.status IN ('running','creating','recovery')
  )
ORDER BY updated_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRunningWorkspaces(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE node_id = ? AND status = 'running'`, nodeID).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountActiveWorkspaces(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE node_id = ? AND status IN ('running','creating','recovery')`, nodeID).Scan(&n)
	return n, err
}

// Workspaces

func (s *sqliteStore) CreateWorkspace(ctx context.Context, nodeID, userID, status string) (Workspace, error) {
	if nodeID == "" {
		return Workspace{}, errors.New("node ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO workspaces(workspace_id, node_id, user_id, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
		id, nodeID, userID, status, now, now)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{WorkspaceID: id, NodeID: nodeID, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanWorkspace(scan func(dest ...any) error) (Workspace, error) {
	var w Workspace
	var createdAt, updatedAt int64
	if err := scan(&w.WorkspaceID, &w.NodeID, &w.UserID, &w.Status, &createdAt, &updatedAt); err != nil {
		return Workspace{}, err
	}
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return w, nil
}

func (s *sqliteStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	w, err := scanWorkspace(s.stmtGetWorkspace.QueryRowContext(ctx, workspaceID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workspace{}, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
		}
		return Workspace{}, err
	}
	return w, nil
}

func (s *sqliteStore) SetWorkspaceStatus(ctx context.Context, workspaceID, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE workspaces SET status = ?, updated_at = ? WHERE workspace_id = ?`,
		status, time.Now().UTC().Unix(), workspaceID)
	if err != nil {
		return err
	}
	return requireRow(res, "workspace", workspaceID)
}

func (s *sqliteStore) ListOrphanedWorkspaces(ctx context.Context, cutoff time.Time) ([]Workspace, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+workspaceCols+` FROM workspaces
WHERE status = 'running' AND created_at < ?
  AND NOT EXISTS (
    SELECT 1 FROM tasks t
    WHERE t.workspace_id = workspaces.workspace_id AND t.status IN ('queued','delegated','in_progress')
  )
ORDER BY created_at ASC`, cutoff.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Workspace
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

func (s *sqliteStore) CreateTask(ctx context.Context, projectID, userID, status string) (Task, error) {
	if userID == "" {
		return Task{}, errors.New("user ID required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tasks(task_id, project_id, user_id, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
		id, projectID, userID, status, now, now)
	if err != nil {
		return Task{}, err
	}
	return Task{TaskID: id, ProjectID: projectID, UserID: userID, Status: status, CreatedAt: time.Unix(now, 0).UTC(), UpdatedAt: time.Unix(now, 0).UTC()}, nil
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var workspaceID, executionStep, errorMessage, autoNode sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := scan(&t.TaskID, &t.ProjectID, &t.UserID, &t.Status, &workspaceID, &executionStep,
		&errorMessage, &autoNode, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	t.WorkspaceID = fromStringNull(workspaceID)
	t.ExecutionStep = fromStringNull(executionStep)
	t.ErrorMessage = fromStringNull(errorMessage)
	t.AutoProvisionedNodeID = fromStringNull(autoNode)
	t.StartedAt = fromUnixNull(startedAt)
	t.CompletedAt = fromUnixNull(completedAt)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, taskID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + taskCols + ` FROM tasks`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (s *sqliteStore) ListTransientTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.stmtListTransient.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		status, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) SetTaskWorkspace(ctx context.Context, taskID, workspaceID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE task_id = ?`,
		workspaceID, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) SetTaskExecutionStep(ctx context.Context, taskID string, step *string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET execution_step = ?, updated_at = ? WHERE task_id = ?`,
		step, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) SetTaskStarted(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET started_at = ?, updated_at = ? WHERE task_id = ?`,
		at.UTC().Unix(), time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) SetTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET auto_provisioned_node_id = ?, updated_at = ? WHERE task_id = ?`,
		nodeID, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) FailTask(ctx context.Context, taskID, errorMessage string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', execution_step = NULL, error_message = ?, completed_at = ?, updated_at = ? WHERE task_id = ?`,
		errorMessage, at.UTC().Unix(), at.UTC().Unix(), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "task", taskID)
}

func (s *sqliteStore) AppendTaskStatusEvent(ctx context.Context, taskID, fromStatus, toStatus, actorType, reason string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO task_status_events(task_id, from_status, to_status, actor_type, reason, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		taskID, fromStatus, toStatus, actorType, reason, time.Now().UTC().Unix())
	return err
}

func (s *sqliteStore) ListTaskStatusEvents(ctx context.Context, taskID string) ([]TaskStatusEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_id, task_id, from_status, to_status, actor_type, reason, created_at FROM task_status_events WHERE task_id = ? ORDER BY event_id ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TaskStatusEvent
	for rows.Next() {
		var e TaskStatusEvent
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

func (s *sqliteStore) UpsertNodeAlarm(ctx context.Context, nodeID string, firesAt time.Time) error {
	_, err := s.stmtUpsertAlarm.ExecContext(ctx, nodeID, firesAt.UTC().Unix())
	return err
}

func (s *sqliteStore) DeleteNodeAlarm(ctx context.Context, nodeID string) error {
	_, err := s.stmtDeleteAlarm.ExecContext(ctx, nodeID)
	return err
}

func (s *sqliteStore) ListNodeAlarms(ctx context.Context) ([]NodeAlarm, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT node_id, fires_at FROM node_alarms ORDER BY fires_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []NodeAlarm
	for rows.Next() {
		var a NodeAlarm
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

func (s *sqliteStore) InsertOpsError(ctx context.Context, e OpsError) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ops_errors(source, level, message, context, user_id, node_id, workspace_id, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Source, e.Level, e.Message, e.Context, e.UserID, e.NodeID, e.WorkspaceID, time.Now().UTC().Unix())
	return err
}

func (s *sqliteStore) ListOpsErrors(ctx context.Context, limit int) ([]OpsError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT error_id, source, level, message, context, user_id, node_id, workspace_id, created_at FROM ops_errors ORDER BY error_id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []OpsError
	for rows.Next() {
		var e OpsError
		var userID, nodeID, workspaceID sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ErrorID, &e.Source, &e.Level, &e.Message, &e.Context, &userID, &nodeID, &workspaceID, &createdAt); err != nil {
			return nil, err
		}
		e.UserID = fromStringNull(userID)
		e.NodeID = fromStringNull(nodeID)
		e.WorkspaceID = fromStringNull(workspaceID)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
