package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrationsAndNodeCRUD(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	n, err := st.CreateNode(ctx, "u1", models.NodeStatusCreating)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if n.NodeID == "" || n.UserID != "u1" || n.Status != models.NodeStatusCreating {
		t.Fatalf("CreateNode: got %+v", n)
	}

	if err := st.SetNodeStatus(ctx, n.NodeID, models.NodeStatusRunning); err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}
	got, err := st.GetNode(ctx, n.NodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Status != models.NodeStatusRunning || got.WarmSince != nil {
		t.Fatalf("GetNode: got %+v", got)
	}

	warm := time.Now().UTC().Truncate(time.Second)
	if err := st.SetNodeWarmSince(ctx, n.NodeID, &warm); err != nil {
		t.Fatalf("SetNodeWarmSince: %v", err)
	}
	got, _ = st.GetNode(ctx, n.NodeID)
	if got.WarmSince == nil || !got.WarmSince.Equal(warm) {
		t.Fatalf("WarmSince: got %v, want %v", got.WarmSince, warm)
	}

	if err := st.MarkNodeStopped(ctx, n.NodeID, models.HealthStatusStale); err != nil {
		t.Fatalf("MarkNodeStopped: %v", err)
	}
	got, _ = st.GetNode(ctx, n.NodeID)
	if got.Status != models.NodeStatusStopped || got.WarmSince != nil || got.HealthStatus != models.HealthStatusStale {
		t.Fatalf("after MarkNodeStopped: got %+v", got)
	}

	if _, err := st.GetNode(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetNode missing: got %v, want ErrNotFound", err)
	}
	if err := st.SetNodeStatus(ctx, "missing", "running"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetNodeStatus missing: got %v, want ErrNotFound", err)
	}
}

func TestListStaleWarmNodes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Warm node with no workspaces.
	idle, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	warm := time.Now().UTC()
	_ = st.SetNodeWarmSince(ctx, idle.NodeID, &warm)

	// Warm node with a running workspace.
	busy, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	_ = st.SetNodeWarmSince(ctx, busy.NodeID, &warm)
	_, _ = st.CreateWorkspace(ctx, busy.NodeID, "u1", models.WorkspaceStatusRunning)

	// Active node: never in the result regardless of cutoff.
	_, _ = st.CreateNode(ctx, "u1", models.NodeStatusRunning)

	cutoff := time.Now().Add(time.Hour)
	stale, err := st.ListStaleWarmNodes(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListStaleWarmNodes: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("got %d stale nodes, want 2", len(stale))
	}
	counts := map[string]int{}
	for _, s := range stale {
		counts[s.NodeID] = s.RunningWorkspaces
	}
	if counts[idle.NodeID] != 0 {
		t.Errorf("idle node running workspaces: got %d, want 0", counts[idle.NodeID])
	}
	if counts[busy.NodeID] != 1 {
		t.Errorf("busy node running workspaces: got %d, want 1", counts[busy.NodeID])
	}

	// A cutoff in the past matches nothing.
	stale, err = st.ListStaleWarmNodes(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleWarmNodes past cutoff: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("past cutoff: got %d nodes, want 0", len(stale))
	}
}

func TestListExpiredAutoProvisionedNodes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	auto, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	manual, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	task, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusInProgress)
	if err := st.SetTaskAutoProvisionedNode(ctx, task.TaskID, auto.NodeID); err != nil {
		t.Fatalf("SetTaskAutoProvisionedNode: %v", err)
	}

	expired, err := st.ListExpiredAutoProvisionedNodes(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListExpiredAutoProvisionedNodes: %v", err)
	}
	if len(expired) != 1 || expired[0].NodeID != auto.NodeID {
		t.Fatalf("expected only the auto-provisioned node, got %+v", expired)
	}
	for _, n := range expired {
		if n.NodeID == manual.NodeID {
			t.Fatal("manually provisioned node must not be lifetime-capped")
		}
	}

	// Stopped nodes are excluded even when linked.
	_ = st.MarkNodeStopped(ctx, auto.NodeID, models.HealthStatusStale)
	expired, _ = st.ListExpiredAutoProvisionedNodes(ctx, time.Now().Add(time.Hour))
	if len(expired) != 0 {
		t.Fatalf("stopped node still listed: %+v", expired)
	}
}

func TestOrphanQueries(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	ws, _ := st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusRunning)

	future := time.Now().Add(time.Hour)

	// The workspace has no transient task pointing at it: orphaned.
	orphanWS, err := st.ListOrphanedWorkspaces(ctx, future)
	if err != nil {
		t.Fatalf("ListOrphanedWorkspaces: %v", err)
	}
	if len(orphanWS) != 1 || orphanWS[0].WorkspaceID != ws.WorkspaceID {
		t.Fatalf("got %+v, want workspace %s", orphanWS, ws.WorkspaceID)
	}

	// Attach a transient task: no longer orphaned.
	task, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusDelegated)
	_ = st.SetTaskWorkspace(ctx, task.TaskID, ws.WorkspaceID)
	orphanWS, _ = st.ListOrphanedWorkspaces(ctx, future)
	if len(orphanWS) != 0 {
		t.Fatalf("workspace with transient task listed as orphaned: %+v", orphanWS)
	}

	// Node hosts an active workspace: not orphaned.
	orphanNodes, err := st.ListOrphanedNodes(ctx, future)
	if err != nil {
		t.Fatalf("ListOrphanedNodes: %v", err)
	}
	if len(orphanNodes) != 0 {
		t.Fatalf("node with active workspace listed as orphaned: %+v", orphanNodes)
	}

	// Stop the workspace: node is running, not warm, and idle. Orphaned.
	_ = st.SetWorkspaceStatus(ctx, ws.WorkspaceID, models.WorkspaceStatusStopped)
	orphanNodes, _ = st.ListOrphanedNodes(ctx, future)
	if len(orphanNodes) != 1 || orphanNodes[0].NodeID != node.NodeID {
		t.Fatalf("got %+v, want node %s", orphanNodes, node.NodeID)
	}

	// Warm nodes are the stale-warm pass's business, not this one's.
	warm := time.Now().UTC()
	_ = st.SetNodeWarmSince(ctx, node.NodeID, &warm)
	orphanNodes, _ = st.ListOrphanedNodes(ctx, future)
	if len(orphanNodes) != 0 {
		t.Fatalf("warm node listed as orphaned: %+v", orphanNodes)
	}
}

func TestWorkspaceCounts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	_, _ = st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusRunning)
	_, _ = st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusCreating)
	_, _ = st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusStopped)

	running, err := st.CountRunningWorkspaces(ctx, node.NodeID)
	if err != nil {
		t.Fatalf("CountRunningWorkspaces: %v", err)
	}
	if running != 1 {
		t.Errorf("running: got %d, want 1", running)
	}
	active, err := st.CountActiveWorkspaces(ctx, node.NodeID)
	if err != nil {
		t.Fatalf("CountActiveWorkspaces: %v", err)
	}
	if active != 2 {
		t.Errorf("active: got %d, want 2", active)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, "p1", "u1", models.TaskStatusQueued)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	step := "provisioning_node"
	if err := st.SetTaskExecutionStep(ctx, task.TaskID, &step); err != nil {
		t.Fatalf("SetTaskExecutionStep: %v", err)
	}
	started := time.Now().UTC().Truncate(time.Second)
	if err := st.SetTaskStarted(ctx, task.TaskID, started); err != nil {
		t.Fatalf("SetTaskStarted: %v", err)
	}
	if err := st.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusInProgress); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	got, _ := st.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("status: got %q", got.Status)
	}
	if got.ExecutionStep == nil || *got.ExecutionStep != step {
		t.Errorf("execution step: got %v", got.ExecutionStep)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started at: got %v, want %v", got.StartedAt, started)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := st.FailTask(ctx, task.TaskID, "boom", now); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ = st.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status after fail: got %q", got.Status)
	}
	if got.ExecutionStep != nil {
		t.Errorf("execution step should be cleared, got %v", *got.ExecutionStep)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Errorf("error message: got %v", got.ErrorMessage)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("completed at: got %v, want %v", got.CompletedAt, now)
	}
}

func TestListTransientTasksOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusQueued)
	second, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusDelegated)
	_, _ = st.CreateTask(ctx, "p1", "u1", models.TaskStatusCompleted)
	_, _ = st.CreateTask(ctx, "p1", "u1", models.TaskStatusDraft)

	// Backdate first so ordering does not depend on sub-second timing.
	backdate := time.Now().Add(-time.Hour).UTC().Unix()
	if _, err := st.(*sqliteStore).DB.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE task_id = ?`, backdate, first.TaskID); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTaskStatus(ctx, second.TaskID, models.TaskStatusInProgress); err != nil {
		t.Fatal(err)
	}

	tasks, err := st.ListTransientTasks(ctx)
	if err != nil {
		t.Fatalf("ListTransientTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d transient tasks, want 2", len(tasks))
	}
	if tasks[0].TaskID != first.TaskID {
		t.Errorf("oldest-updated first: got %s, want %s", tasks[0].TaskID, first.TaskID)
	}
}

func TestTaskStatusEvents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusQueued)
	if err := st.AppendTaskStatusEvent(ctx, task.TaskID, models.TaskStatusQueued, models.TaskStatusDelegated, models.ActorTypeSystem, "node claimed"); err != nil {
		t.Fatalf("AppendTaskStatusEvent: %v", err)
	}
	if err := st.AppendTaskStatusEvent(ctx, task.TaskID, models.TaskStatusDelegated, models.TaskStatusFailed, models.ActorTypeSystem, "stuck"); err != nil {
		t.Fatalf("AppendTaskStatusEvent: %v", err)
	}

	events, err := st.ListTaskStatusEvents(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("ListTaskStatusEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ToStatus != models.TaskStatusDelegated || events[1].ToStatus != models.TaskStatusFailed {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].ActorType != models.ActorTypeSystem || events[1].Reason != "stuck" {
		t.Fatalf("event fields: %+v", events[1])
	}
}

func TestNodeAlarms(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	at := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	if err := st.UpsertNodeAlarm(ctx, node.NodeID, at); err != nil {
		t.Fatalf("UpsertNodeAlarm: %v", err)
	}

	// Re-arming replaces, never stacks.
	later := at.Add(5 * time.Minute)
	if err := st.UpsertNodeAlarm(ctx, node.NodeID, later); err != nil {
		t.Fatalf("UpsertNodeAlarm rearm: %v", err)
	}
	alarms, err := st.ListNodeAlarms(ctx)
	if err != nil {
		t.Fatalf("ListNodeAlarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("got %d alarms, want 1", len(alarms))
	}
	if !alarms[0].FiresAt.Equal(later) {
		t.Errorf("fires at: got %v, want %v", alarms[0].FiresAt, later)
	}

	if err := st.DeleteNodeAlarm(ctx, node.NodeID); err != nil {
		t.Fatalf("DeleteNodeAlarm: %v", err)
	}
	alarms, _ = st.ListNodeAlarms(ctx)
	if len(alarms) != 0 {
		t.Fatalf("alarm not deleted: %+v", alarms)
	}
	// Deleting an absent alarm is not an error.
	if err := st.DeleteNodeAlarm(ctx, node.NodeID); err != nil {
		t.Fatalf("DeleteNodeAlarm absent: %v", err)
	}
}

func TestOpsErrors(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	nodeID := "n1"
	err := st.InsertOpsError(ctx, OpsError{
		Source:  "reconciliation_sweep",
		Level:   "warning",
		Message: "destroyed node n1",
		Context: `{"recoveryType":"stale_warm_node"}`,
		NodeID:  &nodeID,
	})
	if err != nil {
		t.Fatalf("InsertOpsError: %v", err)
	}

	out, err := st.ListOpsErrors(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpsErrors: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d ops errors, want 1", len(out))
	}
	if out[0].NodeID == nil || *out[0].NodeID != "n1" || out[0].Level != "warning" {
		t.Fatalf("ops error fields: %+v", out[0])
	}
}
