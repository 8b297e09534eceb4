package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newSweep returns a sweep whose clock is one hour ahead, so rows written
// "now" are already past the 5-minute grace period.
func newSweep(st store.Store, prov provider.Provisioner) *Sweep {
	return &Sweep{
		Store:           st,
		Prov:            prov,
		GracePeriod:     5 * time.Minute,
		MaxNodeLifetime: 8 * time.Hour,
		Now:             func() time.Time { return time.Now().Add(time.Hour) },
	}
}

func TestSweep_destroysStaleWarmNode(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	warm := time.Now().Add(-10 * time.Minute).UTC()
	if err := st.SetNodeWarmSince(ctx, node.NodeID, &warm); err != nil {
		t.Fatal(err)
	}
	_ = st.UpsertNodeAlarm(ctx, node.NodeID, warm.Add(5*time.Minute))

	res := newSweep(st, prov).RunOnce(ctx)
	if res.StaleWarmDestroyed != 1 || res.Failures != 0 {
		t.Fatalf("results: %+v", res)
	}

	row, _ := st.GetNode(ctx, node.NodeID)
	if row.Status != models.NodeStatusStopped || row.WarmSince != nil || row.HealthStatus != models.HealthStatusStale {
		t.Fatalf("node not reclaimed: %+v", row)
	}
	if dels := prov.Deletions(); len(dels) != 1 || dels[0] != node.NodeID {
		t.Fatalf("provider deletions: %v", dels)
	}
	alarms, _ := st.ListNodeAlarms(ctx)
	if len(alarms) != 0 {
		t.Fatalf("alarm left behind: %+v", alarms)
	}

	opsErrs, _ := st.ListOpsErrors(ctx, 10)
	if len(opsErrs) != 1 || !strings.Contains(opsErrs[0].Context, "stale_warm_node") {
		t.Fatalf("ops record: %+v", opsErrs)
	}
	if opsErrs[0].NodeID == nil || *opsErrs[0].NodeID != node.NodeID {
		t.Fatalf("ops record missing node id: %+v", opsErrs[0])
	}
}

func TestSweep_warmNodeWithRunningWorkspaceKeepsNode(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	warm := time.Now().UTC()
	_ = st.SetNodeWarmSince(ctx, node.NodeID, &warm)
	_, _ = st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusRunning)

	res := newSweep(st, prov).RunOnce(ctx)
	if res.WarmFlagsCleared != 1 || res.StaleWarmDestroyed != 0 {
		t.Fatalf("results: %+v", res)
	}

	row, _ := st.GetNode(ctx, node.NodeID)
	if row.Status != models.NodeStatusRunning {
		t.Fatalf("node was destroyed: %+v", row)
	}
	if row.WarmSince != nil {
		t.Fatal("contradictory warm flag not cleared")
	}
	if len(prov.Deletions()) != 0 {
		t.Fatalf("unexpected deletions: %v", prov.Deletions())
	}
}

func TestSweep_destroyRechecksRunningWorkspaces(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()

	// Warm node that gains a running workspace after the aggregate query
	// would have selected it. The destroy path must notice and back off.
	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	warm := time.Now().Add(-10 * time.Minute).UTC()
	_ = st.SetNodeWarmSince(ctx, node.NodeID, &warm)
	_, _ = st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusRunning)

	s := newSweep(st, prov)
	if err := s.destroyNode(ctx, node, recoveryStaleWarm); err != nil {
		t.Fatalf("destroyNode: %v", err)
	}

	row, _ := st.GetNode(ctx, node.NodeID)
	if row.Status != models.NodeStatusRunning {
		t.Fatalf("node with a running workspace destroyed: %+v", row)
	}
	if dels := prov.Deletions(); len(dels) != 0 {
		t.Fatalf("unexpected deletions: %v", dels)
	}
}

func TestSweep_enforcesMaxLifetime(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()

	auto, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	manual, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	task, _ := st.CreateTask(ctx, "p1", "u1", models.TaskStatusInProgress)
	_ = st.SetTaskAutoProvisionedNode(ctx, task.TaskID, auto.NodeID)
	// Keep the manual node busy so pass 4 does not flag it.
	_, _ = st.CreateWorkspace(ctx, manual.NodeID, "u1", models.WorkspaceStatusRunning)

	s := newSweep(st, prov)
	// Clock far past the lifetime cap.
	s.Now = func() time.Time { return time.Now().Add(9 * time.Hour) }
	res := s.RunOnce(ctx)
	if res.LifetimeDestroyed != 1 {
		t.Fatalf("results: %+v", res)
	}

	row, _ := st.GetNode(ctx, auto.NodeID)
	if row.Status != models.NodeStatusStopped {
		t.Fatalf("auto-provisioned node not destroyed: %+v", row)
	}
	row, _ = st.GetNode(ctx, manual.NodeID)
	if row.Status != models.NodeStatusRunning {
		t.Fatalf("manually provisioned node must not be lifetime-capped: %+v", row)
	}
}

func TestSweep_flagsOrphansWithoutRemediating(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()

	// Running workspace with no transient task.
	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	ws, _ := st.CreateWorkspace(ctx, node.NodeID, "u1", models.WorkspaceStatusRunning)

	// Running node, not warm, no active workspaces.
	lost, _ := st.CreateNode(ctx, "u2", models.NodeStatusRunning)

	res := newSweep(st, prov).RunOnce(ctx)
	if res.OrphanedWorkspaces != 1 || res.OrphanedNodes != 1 {
		t.Fatalf("results: %+v", res)
	}

	// Flag-only: nothing was destroyed or mutated.
	if len(prov.Deletions()) != 0 {
		t.Fatalf("orphan passes must not destroy: %v", prov.Deletions())
	}
	wsRow, _ := st.GetWorkspace(ctx, ws.WorkspaceID)
	if wsRow.Status != models.WorkspaceStatusRunning {
		t.Fatalf("workspace mutated: %+v", wsRow)
	}
	lostRow, _ := st.GetNode(ctx, lost.NodeID)
	if lostRow.Status != models.NodeStatusRunning {
		t.Fatalf("node mutated: %+v", lostRow)
	}

	opsErrs, _ := st.ListOpsErrors(ctx, 10)
	var sawWorkspace, sawNode bool
	for _, e := range opsErrs {
		if strings.Contains(e.Context, "orphaned_workspace") {
			sawWorkspace = true
		}
		if strings.Contains(e.Context, "orphaned_node") {
			sawNode = true
		}
	}
	if !sawWorkspace || !sawNode {
		t.Fatalf("missing orphan flags in ops records: %+v", opsErrs)
	}
}

func TestSweep_deleteFailureIsIsolated(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	prov := provider.NewStub()
	prov.FailDelete = errors.New("api throttled")

	node, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	warm := time.Now().UTC()
	_ = st.SetNodeWarmSince(ctx, node.NodeID, &warm)

	// Another warm node whose workspace keeps it alive: its pass still runs.
	busy, _ := st.CreateNode(ctx, "u1", models.NodeStatusRunning)
	_ = st.SetNodeWarmSince(ctx, busy.NodeID, &warm)
	_, _ = st.CreateWorkspace(ctx, busy.NodeID, "u1", models.WorkspaceStatusRunning)

	res := newSweep(st, prov).RunOnce(ctx)
	if res.Failures != 1 {
		t.Fatalf("failures: got %d, want 1 (%+v)", res.Failures, res)
	}
	if res.WarmFlagsCleared != 1 {
		t.Fatalf("one failed destroy must not block the rest: %+v", res)
	}

	// The failed node is untouched and will be retried next round.
	row, _ := st.GetNode(ctx, node.NodeID)
	if row.Status != models.NodeStatusRunning || row.WarmSince == nil {
		t.Fatalf("failed node mutated: %+v", row)
	}
}
