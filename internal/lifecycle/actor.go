// Package lifecycle implements the per-node actor that owns warm-pool state
// and a durable self-destruct timer. One actor runs per node ID; all calls for
// a node are serialized through its mailbox goroutine, which is what makes
// TryClaim race-free without locking. The relational store is the durable
// projection and is written on every transition; the reconciliation sweep
// corrects any drift the actor or its timer missed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/otel"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

// Actor statuses. Destroying is terminal: the actor tears down the node's
// cloud resources itself and the sweep only backstops nodes whose actor or
// timer was lost.
const (
	StatusActive     = "active"
	StatusWarm       = "warm"
	StatusDestroying = "destroying"
)

// ErrConflict marks an operation that is not applicable in the node's current
// state (e.g. MarkIdle on a destroying node). Callers must not retry blindly.
var ErrConflict = errors.New("conflict")

// defaultRetryDelay is how long a destroying actor waits before retrying a
// failed store write.
const defaultRetryDelay = 30 * time.Second

// State is a snapshot of an actor's in-memory state. It is a cache of intent;
// nodes.warm_since/status in the store is the durable projection.
type State struct {
	NodeID        string
	UserID        string
	Status        string
	WarmSince     *time.Time
	ClaimedByTask string
}

// ClaimResult is the outcome of TryClaim.
type ClaimResult struct {
	Claimed bool
	State   State
}

type response struct {
	state   State
	claimed bool
	err     error
}

type request struct {
	ctx   context.Context
	op    func(ctx context.Context) response
	reply chan response
}

// actorDeps carries the collaborators shared by every actor in a registry.
type actorDeps struct {
	st   store.Store
	prov provider.Provisioner
	// warmGrace is the self-destruct delay armed by MarkIdle.
	warmGrace time.Duration
	now       func() time.Time
	// onDestroyed is invoked after a successful self-destruct so the owner
	// can drop the actor. May be nil.
	onDestroyed func(nodeID string)
}

// Actor serializes all lifecycle transitions for one node.
type Actor struct {
	nodeID     string
	userID     string
	deps       actorDeps
	retryDelay time.Duration

	calls chan request
	quit  chan struct{}

	// Fields below are owned by the mailbox goroutine.
	state  State
	timer  *time.Timer
	timerC <-chan time.Time
}

// newActor builds an actor with the given initial state and starts its
// mailbox. If initialTimer > 0 the self-destruct timer is armed immediately
// (used when rehydrating a warm node from the store).
func newActor(nodeID, userID string, deps actorDeps, initial State, initialTimer time.Duration) *Actor {
	if deps.now == nil {
		deps.now = time.Now
	}
	a := &Actor{
		nodeID:     nodeID,
		userID:     userID,
		deps:       deps,
		retryDelay: defaultRetryDelay,
		calls:      make(chan request),
		quit:       make(chan struct{}),
		state:      initial,
	}
	if initialTimer > 0 {
		a.armTimer(initialTimer)
	}
	go a.loop()
	return a
}

func (a *Actor) loop() {
	for {
		select {
		case req := <-a.calls:
			req.reply <- req.op(req.ctx)
		case <-a.timerC:
			a.timerC = nil
			a.timer = nil
			a.handleTimerFired(context.Background())
		case <-a.quit:
			if a.timer != nil {
				a.timer.Stop()
			}
			return
		}
	}
}

// call runs op inside the mailbox goroutine and waits for its result.
func (a *Actor) call(ctx context.Context, op func(ctx context.Context) response) response {
	req := request{ctx: ctx, op: op, reply: make(chan response, 1)}
	select {
	case a.calls <- req:
	case <-a.quit:
		// a.state belongs to the mailbox goroutine; do not read it here.
		return response{err: errors.New("actor stopped")}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

// MarkIdle transitions the node to warm, arms the self-destruct timer for
// warmGrace from now, and persists warm_since. Re-entrant: calling it on an
// already-warm node resets the timer (last writer wins). Fails with
// ErrConflict if the node is already being destroyed or still has active
// workspaces; warm_since must never be set on a busy node.
func (a *Actor) MarkIdle(ctx context.Context) (State, error) {
	res := a.call(ctx, func(ctx context.Context) response {
		if a.state.Status == StatusDestroying {
			return response{state: a.state, err: fmt.Errorf("node %s is being destroyed: %w", a.nodeID, ErrConflict)}
		}
		busy, err := a.deps.st.CountActiveWorkspaces(ctx, a.nodeID)
		if err != nil {
			return response{state: a.state, err: err}
		}
		if busy > 0 {
			return response{state: a.state, err: fmt.Errorf("node %s still has %d active workspaces: %w", a.nodeID, busy, ErrConflict)}
		}
		from := a.state.Status
		now := a.deps.now().UTC()
		firesAt := now.Add(a.deps.warmGrace)
		if err := a.deps.st.SetNodeWarmSince(ctx, a.nodeID, &now); err != nil {
			return response{state: a.state, err: err}
		}
		// The durable alarm is best-effort: the in-memory timer still runs,
		// and the sweep is the backstop if both are lost.
		if err := a.deps.st.UpsertNodeAlarm(ctx, a.nodeID, firesAt); err != nil {
			slog.Warn("persist node alarm failed", "node_id", a.nodeID, "err", err)
		}
		a.state.Status = StatusWarm
		a.state.WarmSince = &now
		a.state.ClaimedByTask = ""
		a.armTimer(a.deps.warmGrace)
		otel.RecordNodeTransition(ctx, from, StatusWarm, "mark_idle")
		return response{state: a.state}
	})
	return res.state, res.err
}

// MarkActive transitions the node to active, clearing any claim, warm marker,
// and timer. Idempotent for active and warm nodes; fails with ErrConflict once
// the node is being destroyed, since destroying is terminal.
func (a *Actor) MarkActive(ctx context.Context) (State, error) {
	res := a.call(ctx, func(ctx context.Context) response {
		if a.state.Status == StatusDestroying {
			return response{state: a.state, err: fmt.Errorf("node %s is being destroyed: %w", a.nodeID, ErrConflict)}
		}
		from := a.state.Status
		if err := a.deps.st.SetNodeWarmSince(ctx, a.nodeID, nil); err != nil {
			return response{state: a.state, err: err}
		}
		if err := a.deps.st.DeleteNodeAlarm(ctx, a.nodeID); err != nil {
			slog.Warn("delete node alarm failed", "node_id", a.nodeID, "err", err)
		}
		a.disarmTimer()
		a.state.Status = StatusActive
		a.state.WarmSince = nil
		a.state.ClaimedByTask = ""
		if from != StatusActive {
			otel.RecordNodeTransition(ctx, from, StatusActive, "mark_active")
		}
		return response{state: a.state}
	})
	return res.state, res.err
}

// TryClaim atomically claims the node for taskID if and only if it is warm.
// On success the node becomes active and the timer is disarmed. Otherwise it
// returns Claimed=false with no side effects. Serialized execution guarantees
// at most one concurrent claim can win.
func (a *Actor) TryClaim(ctx context.Context, taskID string) (ClaimResult, error) {
	res := a.call(ctx, func(ctx context.Context) response {
		if a.state.Status != StatusWarm {
			otel.RecordWarmClaim(ctx, false)
			return response{state: a.state, claimed: false}
		}
		if err := a.deps.st.SetNodeWarmSince(ctx, a.nodeID, nil); err != nil {
			// The node stays warm; the caller can provision elsewhere.
			return response{state: a.state, claimed: false, err: err}
		}
		if err := a.deps.st.DeleteNodeAlarm(ctx, a.nodeID); err != nil {
			slog.Warn("delete node alarm failed", "node_id", a.nodeID, "err", err)
		}
		a.disarmTimer()
		a.state.Status = StatusActive
		a.state.WarmSince = nil
		a.state.ClaimedByTask = taskID
		otel.RecordWarmClaim(ctx, true)
		otel.RecordNodeTransition(ctx, StatusWarm, StatusActive, "claim")
		return response{state: a.state, claimed: true}
	})
	return ClaimResult{Claimed: res.claimed, State: res.state}, res.err
}

// Status returns a read-only snapshot of the actor state.
func (a *Actor) Status(ctx context.Context) (State, error) {
	res := a.call(ctx, func(ctx context.Context) response {
		return response{state: a.state}
	})
	return res.state, res.err
}

// handleTimerFired runs in the mailbox goroutine when the self-destruct timer
// expires.
//
//   - active: no-op. The node was claimed between scheduling and firing; this
//     is the common race the timer design has to absorb.
//   - destroying: a previous teardown or store write failed; retry it.
//   - warm: transition to destroying, tear down the node's cloud resources,
//     and write the stopped/stale projection.
func (a *Actor) handleTimerFired(ctx context.Context) {
	switch a.state.Status {
	case StatusActive:
		return
	case StatusDestroying:
		a.writeDestroyed(ctx)
	case StatusWarm:
		otel.RecordNodeTransition(ctx, StatusWarm, StatusDestroying, "timer")
		a.state.Status = StatusDestroying
		a.state.WarmSince = nil
		a.state.ClaimedByTask = ""
		a.writeDestroyed(ctx)
	}
}

// writeDestroyed tears down the node's cloud resources and persists the
// destroying transition. Resources go first: a crash between the two steps
// leaves a stopped-looking row at worst, never a paid-for VM with no record.
// On failure it re-arms a short retry timer rather than losing the
// transition; the stale-warm sweep pass is the backstop while the row is
// still running.
func (a *Actor) writeDestroyed(ctx context.Context) {
	if a.deps.prov != nil {
		if err := a.deps.prov.DeleteNodeResources(ctx, a.nodeID, a.userID); err != nil {
			slog.Error("node self-destruct teardown failed, re-arming", "node_id", a.nodeID, "err", err)
			otel.RecordTimerRetry(ctx)
			a.armTimer(a.retryDelay)
			return
		}
	}
	if err := a.deps.st.MarkNodeStopped(ctx, a.nodeID, models.HealthStatusStale); err != nil {
		slog.Error("node self-destruct store write failed, re-arming", "node_id", a.nodeID, "err", err)
		otel.RecordTimerRetry(ctx)
		a.armTimer(a.retryDelay)
		return
	}
	if err := a.deps.st.DeleteNodeAlarm(ctx, a.nodeID); err != nil {
		slog.Warn("delete node alarm failed", "node_id", a.nodeID, "err", err)
	}
	slog.Info("warm node expired, destroyed", "node_id", a.nodeID, "user_id", a.userID)
	if a.deps.onDestroyed != nil {
		a.deps.onDestroyed(a.nodeID)
	}
}

// armTimer replaces any existing timer; timers never stack.
func (a *Actor) armTimer(d time.Duration) {
	a.disarmTimer()
	a.timer = time.NewTimer(d)
	a.timerC = a.timer.C
}

func (a *Actor) disarmTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
		a.timerC = nil
	}
}

// stop terminates the mailbox goroutine. Used by the registry on eviction and
// shutdown; in-flight calls complete first.
func (a *Actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}
