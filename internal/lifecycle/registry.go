package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

// Registry holds one actor per node ID, created lazily on first reference and
// hydrated from the store. Cross-node calls run fully in parallel; only the
// map itself is locked. Actors that self-destruct evict themselves.
type Registry struct {
	st        store.Store
	prov      provider.Provisioner
	warmGrace time.Duration
	now       func() time.Time

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry returns an empty registry. warmGrace is the warm-pool grace
// period used for every actor's self-destruct timer; prov tears down the
// node's cloud resources when that timer fires.
func NewRegistry(st store.Store, prov provider.Provisioner, warmGrace time.Duration) *Registry {
	return &Registry{
		st:        st,
		prov:      prov,
		warmGrace: warmGrace,
		now:       time.Now,
		actors:    make(map[string]*Actor),
	}
}

// Get returns the actor for nodeID, creating and hydrating it from the store
// on first reference.
func (r *Registry) Get(ctx context.Context, nodeID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[nodeID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Hydrate outside the lock; a concurrent Get for the same node may race
	// to create, so re-check before inserting.
	n, err := r.st.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	state, timerIn := hydrateState(n, r.now().UTC(), r.warmGrace)

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[nodeID]; ok {
		return a, nil
	}
	a := newActor(nodeID, n.UserID, actorDeps{
		st:          r.st,
		prov:        r.prov,
		warmGrace:   r.warmGrace,
		now:         r.now,
		onDestroyed: r.Evict,
	}, state, timerIn)
	r.actors[nodeID] = a
	return a, nil
}

// hydrateState derives actor state from the durable node row. A warm node
// gets its timer re-armed for the remaining grace (minimum 1s so an overdue
// alarm still fires promptly).
func hydrateState(n store.Node, now time.Time, warmGrace time.Duration) (State, time.Duration) {
	state := State{NodeID: n.NodeID, UserID: n.UserID, Status: StatusActive}
	if n.Status == models.NodeStatusStopped {
		state.Status = StatusDestroying
		return state, 0
	}
	if n.WarmSince != nil {
		state.Status = StatusWarm
		state.WarmSince = n.WarmSince
		remaining := n.WarmSince.Add(warmGrace).Sub(now)
		if remaining < time.Second {
			remaining = time.Second
		}
		return state, remaining
	}
	return state, 0
}

// Rehydrate recreates actors for every pending durable alarm, firing overdue
// timers promptly. Call once at daemon startup.
func (r *Registry) Rehydrate(ctx context.Context) error {
	alarms, err := r.st.ListNodeAlarms(ctx)
	if err != nil {
		return fmt.Errorf("list node alarms: %w", err)
	}
	for _, alarm := range alarms {
		n, err := r.st.GetNode(ctx, alarm.NodeID)
		if err != nil {
			slog.Warn("rehydrate: node for alarm not found, dropping alarm", "node_id", alarm.NodeID, "err", err)
			_ = r.st.DeleteNodeAlarm(ctx, alarm.NodeID)
			continue
		}
		if n.Status == models.NodeStatusStopped {
			_ = r.st.DeleteNodeAlarm(ctx, alarm.NodeID)
			continue
		}
		if _, err := r.Get(ctx, alarm.NodeID); err != nil {
			slog.Error("rehydrate actor failed", "node_id", alarm.NodeID, "err", err)
			continue
		}
		slog.Info("rehydrated node actor", "node_id", alarm.NodeID, "fires_at", alarm.FiresAt)
	}
	return nil
}

// Evict drops the actor for nodeID, stopping its mailbox. Used after a node
// is destroyed so the registry does not grow unbounded.
func (r *Registry) Evict(nodeID string) {
	r.mu.Lock()
	a, ok := r.actors[nodeID]
	if ok {
		delete(r.actors, nodeID)
	}
	r.mu.Unlock()
	if ok {
		a.stop()
	}
}

// Counts returns the number of active and warm actors, for the node gauge.
func (r *Registry) Counts() (active, warm int64) {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		st, err := a.Status(context.Background())
		if err != nil {
			continue
		}
		switch st.Status {
		case StatusActive:
			active++
		case StatusWarm:
			warm++
		}
	}
	return active, warm
}

// Close stops all actors.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := r.actors
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
}
