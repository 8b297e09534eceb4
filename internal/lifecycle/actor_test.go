package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
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

func createRunningNode(t *testing.T, st store.Store) store.Node {
	t.Helper()
	n, err := st.CreateNode(context.Background(), "u1", models.NodeStatusRunning)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return n
}

func newTestActor(st store.Store, prov provider.Provisioner, warmGrace time.Duration, initial State) *Actor {
	return newActor(initial.NodeID, initial.UserID, actorDeps{st: st, prov: prov, warmGrace: warmGrace}, initial, 0)
}

func TestMarkIdleThenClaim(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	state, err := a.MarkIdle(ctx)
	if err != nil {
		t.Fatalf("MarkIdle: %v", err)
	}
	if state.Status != StatusWarm || state.WarmSince == nil {
		t.Fatalf("after MarkIdle: %+v", state)
	}
	row, _ := st.GetNode(ctx, n.NodeID)
	if row.WarmSince == nil {
		t.Fatal("warm_since not persisted")
	}
	alarms, _ := st.ListNodeAlarms(ctx)
	if len(alarms) != 1 || alarms[0].NodeID != n.NodeID {
		t.Fatalf("expected one durable alarm, got %+v", alarms)
	}

	res, err := a.TryClaim(ctx, "task-1")
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if !res.Claimed || res.State.Status != StatusActive || res.State.ClaimedByTask != "task-1" {
		t.Fatalf("claim result: %+v", res)
	}
	row, _ = st.GetNode(ctx, n.NodeID)
	if row.WarmSince != nil {
		t.Fatal("warm_since not cleared on claim")
	}
	alarms, _ = st.ListNodeAlarms(ctx)
	if len(alarms) != 0 {
		t.Fatalf("alarm not deleted on claim: %+v", alarms)
	}
}

func TestTryClaim_exactlyOneWinner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()
	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		taskID := "task-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			res, err := a.TryClaim(ctx, taskID)
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			if res.Claimed {
				wins <- taskID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners, want exactly 1: %v", len(winners), winners)
	}
	state, _ := a.Status(ctx)
	if state.ClaimedByTask != winners[0] {
		t.Errorf("claimed by %q, winner was %q", state.ClaimedByTask, winners[0])
	}
}

func TestTryClaim_notWarm(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	res, err := a.TryClaim(ctx, "task-1")
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res.Claimed {
		t.Fatal("claim on an active node must fail")
	}
}

func TestMarkIdle_destroyingConflict(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusDestroying})
	defer a.stop()

	if _, err := a.MarkIdle(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkIdle on destroying node: got %v, want ErrConflict", err)
	}
}

func TestMarkIdle_busyNodeConflict(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)
	ws, err := st.CreateWorkspace(ctx, n.NodeID, n.UserID, models.WorkspaceStatusRunning)
	if err != nil {
		t.Fatal(err)
	}

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	if _, err := a.MarkIdle(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkIdle with a running workspace: got %v, want ErrConflict", err)
	}
	row, _ := st.GetNode(ctx, n.NodeID)
	if row.WarmSince != nil {
		t.Fatal("warm_since set on a busy node")
	}

	if err := st.SetWorkspaceStatus(ctx, ws.WorkspaceID, models.WorkspaceStatusStopped); err != nil {
		t.Fatal(err)
	}
	state, err := a.MarkIdle(ctx)
	if err != nil {
		t.Fatalf("MarkIdle after workspace stopped: %v", err)
	}
	if state.Status != StatusWarm {
		t.Fatalf("after MarkIdle: %+v", state)
	}
}

func TestMarkActive_destroyingConflict(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusDestroying})
	defer a.stop()

	state, err := a.MarkActive(ctx)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkActive on destroying node: got %v, want ErrConflict", err)
	}
	if state.Status != StatusDestroying {
		t.Fatalf("destroying node resurrected: %+v", state)
	}
}

func TestMarkActive_idempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	a := newTestActor(st, provider.NewStub(), time.Hour, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		state, err := a.MarkActive(ctx)
		if err != nil {
			t.Fatalf("MarkActive #%d: %v", i+1, err)
		}
		if state.Status != StatusActive || state.WarmSince != nil {
			t.Fatalf("MarkActive #%d: %+v", i+1, state)
		}
	}
	row, _ := st.GetNode(ctx, n.NodeID)
	if row.WarmSince != nil {
		t.Fatal("warm_since not cleared")
	}
}

func TestTimerFired_warmNodeSelfDestructs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	stub := provider.NewStub()
	a := newTestActor(st, stub, 50*time.Millisecond, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		row, err := st.GetNode(ctx, n.NodeID)
		return err == nil && row.Status == models.NodeStatusStopped
	})
	row, _ := st.GetNode(ctx, n.NodeID)
	if row.WarmSince != nil || row.HealthStatus != models.HealthStatusStale {
		t.Fatalf("after self-destruct: %+v", row)
	}
	deletions := stub.Deletions()
	if len(deletions) != 1 || deletions[0] != n.NodeID {
		t.Fatalf("cloud resources not torn down, deletions: %v", deletions)
	}
	state, _ := a.Status(ctx)
	if state.Status != StatusDestroying {
		t.Fatalf("actor status: got %s, want destroying", state.Status)
	}
	alarms, _ := st.ListNodeAlarms(ctx)
	if len(alarms) != 0 {
		t.Fatalf("durable alarm not cleaned up: %+v", alarms)
	}
}

func TestTimerDisarmedByActivation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)

	stub := provider.NewStub()
	a := newTestActor(st, stub, 60*time.Millisecond, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	defer a.stop()

	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.MarkActive(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	row, _ := st.GetNode(ctx, n.NodeID)
	if row.Status != models.NodeStatusRunning {
		t.Fatalf("reactivated node destroyed anyway: %+v", row)
	}
	if deletions := stub.Deletions(); len(deletions) != 0 {
		t.Fatalf("resources deleted for a reactivated node: %v", deletions)
	}
}

// failingStore fails MarkNodeStopped a set number of times, then delegates.
type failingStore struct {
	store.Store
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *failingStore) MarkNodeStopped(ctx context.Context, nodeID, healthStatus string) error {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.Store.MarkNodeStopped(ctx, nodeID, healthStatus)
}

func TestTimerFired_storeFailureRearmsRetry(t *testing.T) {
	t.Parallel()
	inner := openTestStore(t)
	ctx := context.Background()
	n, err := inner.CreateNode(ctx, "u1", models.NodeStatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	st := &failingStore{Store: inner, failures: 1}

	a := newTestActor(st, provider.NewStub(), 30*time.Millisecond, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	a.retryDelay = 30 * time.Millisecond
	defer a.stop()

	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}

	// First write fails, retry timer fires, second write succeeds.
	waitFor(t, 2*time.Second, func() bool {
		row, err := inner.GetNode(ctx, n.NodeID)
		return err == nil && row.Status == models.NodeStatusStopped
	})
	st.mu.Lock()
	attempts := st.attempted
	st.mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 MarkNodeStopped attempts, got %d", attempts)
	}
}

// flakyProvisioner fails DeleteNodeResources a set number of times, then
// delegates to the stub.
type flakyProvisioner struct {
	*provider.Stub
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *flakyProvisioner) DeleteNodeResources(ctx context.Context, nodeID, userID string) error {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("provider unavailable")
	}
	return f.Stub.DeleteNodeResources(ctx, nodeID, userID)
}

func TestTimerFired_teardownFailureRearmsRetry(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	n := createRunningNode(t, st)
	prov := &flakyProvisioner{Stub: provider.NewStub(), failures: 1}

	a := newTestActor(st, prov, 30*time.Millisecond, State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive})
	a.retryDelay = 30 * time.Millisecond
	defer a.stop()

	if _, err := a.MarkIdle(ctx); err != nil {
		t.Fatal(err)
	}

	// First teardown fails and must not touch the row; the retry timer fires
	// and the second attempt destroys the node.
	waitFor(t, 2*time.Second, func() bool {
		row, err := st.GetNode(ctx, n.NodeID)
		return err == nil && row.Status == models.NodeStatusStopped
	})
	prov.mu.Lock()
	attempts := prov.attempted
	prov.mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 DeleteNodeResources attempts, got %d", attempts)
	}
	deletions := prov.Deletions()
	if len(deletions) != 1 || deletions[0] != n.NodeID {
		t.Fatalf("deletions after retry: %v", deletions)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
