// Package sweep is the periodic reconciliation job that re-derives node and
// workspace state from the store and corrects drift the per-node actors or
// their timers missed. It is intentional redundancy: the actor timer is the
// fast path, the sweep is the second line of defense. Do not remove either.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/lifecycle"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/obs"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/otel"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
)

const source = "reconciliation_sweep"

// Recovery type tags recorded with every destructive action or flag.
const (
	recoveryStaleWarm         = "stale_warm_node"
	recoveryWarmFlagCleared   = "warm_flag_cleared"
	recoveryMaxLifetime       = "max_lifetime_exceeded"
	recoveryOrphanedWorkspace = "orphaned_workspace"
	recoveryOrphanedNode      = "orphaned_node"
)

const defaultInterval = 5 * time.Minute

// Results counts what one sweep round did, for logging and tests.
type Results struct {
	StaleWarmDestroyed int
	WarmFlagsCleared   int
	LifetimeDestroyed  int
	OrphanedWorkspaces int
	OrphanedNodes      int
	Failures           int
}

// Sweep runs the four reconciliation passes on a fixed cadence. It is
// stateless between runs and safe to run concurrently with in-flight actor
// operations: every destructive action re-checks current store state as its
// last step before mutating.
type Sweep struct {
	Store store.Store
	Prov  provider.Provisioner
	// Registry, if set, has its actor evicted when the sweep destroys a node.
	Registry *lifecycle.Registry

	// GracePeriod bounds how long a node may sit warm and how old an
	// unaccounted workspace/node must be before it is flagged.
	GracePeriod time.Duration
	// MaxNodeLifetime is the hard cap for auto-provisioned nodes.
	MaxNodeLifetime time.Duration
	// Interval between sweep rounds.
	Interval time.Duration

	// Now is the clock; defaults to time.Now. Injected in tests.
	Now func() time.Time
}

// Run runs the sweep until ctx is cancelled.
func (s *Sweep) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.RunOnce(ctx)
			slog.Info("reconciliation sweep done",
				"stale_warm_destroyed", res.StaleWarmDestroyed,
				"warm_flags_cleared", res.WarmFlagsCleared,
				"lifetime_destroyed", res.LifetimeDestroyed,
				"orphaned_workspaces", res.OrphanedWorkspaces,
				"orphaned_nodes", res.OrphanedNodes,
				"failures", res.Failures)
		}
	}
}

// RunOnce executes the four passes. Each pass tolerates the others' failure;
// a failing pass is logged and the rest still run.
func (s *Sweep) RunOnce(ctx context.Context) Results {
	var res Results
	s.sweepStaleWarmNodes(ctx, &res)
	s.enforceMaxLifetime(ctx, &res)
	s.flagOrphanedWorkspaces(ctx, &res)
	s.flagOrphanedNodes(ctx, &res)
	return res
}

func (s *Sweep) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// sweepStaleWarmNodes is pass 1: nodes whose warm_since outlived the grace
// period. One aggregate query carries each node's running-workspace count so
// the pass never issues a query per node.
func (s *Sweep) sweepStaleWarmNodes(ctx context.Context, res *Results) {
	cutoff := s.now().Add(-s.GracePeriod)
	nodes, err := s.Store.ListStaleWarmNodes(ctx, cutoff)
	if err != nil {
		slog.Error("sweep: list stale warm nodes failed", "err", err)
		res.Failures++
		return
	}
	for _, n := range nodes {
		if n.RunningWorkspaces > 0 {
			// The warm marker is wrong, not the node: a workspace is still
			// running. Self-heal the flag and move on.
			if err := s.Store.SetNodeWarmSince(ctx, n.NodeID, nil); err != nil {
				s.fail(ctx, res, recoveryWarmFlagCleared, n.NodeID, n.UserID, "clear stale warm flag", err)
				continue
			}
			res.WarmFlagsCleared++
			otel.RecordSweepRecovery(ctx, recoveryWarmFlagCleared)
			obs.PersistError(ctx, s.Store, obs.Entry{
				Source:  source,
				Level:   obs.LevelWarning,
				Message: fmt.Sprintf("node %s was warm with %d running workspaces; cleared warm flag", n.NodeID, n.RunningWorkspaces),
				Context: map[string]string{"recoveryType": recoveryWarmFlagCleared},
				UserID:  n.UserID,
				NodeID:  n.NodeID,
			})
			continue
		}
		if err := s.destroyNode(ctx, n.Node, recoveryStaleWarm); err != nil {
			s.fail(ctx, res, recoveryStaleWarm, n.NodeID, n.UserID, "destroy stale warm node", err)
			continue
		}
		res.StaleWarmDestroyed++
	}
}

// enforceMaxLifetime is pass 2: a hard cost cap on auto-provisioned nodes,
// independent of warm-pool state. It catches actors that never fired or nodes
// claimed and then abandoned.
func (s *Sweep) enforceMaxLifetime(ctx context.Context, res *Results) {
	cutoff := s.now().Add(-s.MaxNodeLifetime)
	nodes, err := s.Store.ListExpiredAutoProvisionedNodes(ctx, cutoff)
	if err != nil {
		slog.Error("sweep: list expired auto-provisioned nodes failed", "err", err)
		res.Failures++
		return
	}
	for _, n := range nodes {
		if err := s.destroyNode(ctx, n, recoveryMaxLifetime); err != nil {
			s.fail(ctx, res, recoveryMaxLifetime, n.NodeID, n.UserID, "destroy node past max lifetime", err)
			continue
		}
		res.LifetimeDestroyed++
	}
}

// destroyNode tears down the node's cloud resources and writes the stopped
// projection. It re-checks the store row as its last step before mutating so
// a concurrent claim that already reactivated the node is left alone.
func (s *Sweep) destroyNode(ctx context.Context, n store.Node, recoveryType string) error {
	current, err := s.Store.GetNode(ctx, n.NodeID)
	if err != nil {
		return err
	}
	if current.Status == models.NodeStatusStopped {
		return nil
	}
	if recoveryType == recoveryStaleWarm {
		if current.WarmSince == nil {
			// Claimed between the aggregate query and now; not stale anymore.
			return nil
		}
		running, err := s.Store.CountRunningWorkspaces(ctx, n.NodeID)
		if err != nil {
			return err
		}
		if running > 0 {
			// A warm node must have zero running workspaces. This one does
			// not, so the warm flag is the lie; leave teardown alone and let
			// pass 2 clear the flag.
			return nil
		}
	}
	if err := s.Prov.DeleteNodeResources(ctx, n.NodeID, n.UserID); err != nil {
		return fmt.Errorf("delete node resources: %w", err)
	}
	if err := s.Store.MarkNodeStopped(ctx, n.NodeID, models.HealthStatusStale); err != nil {
		return fmt.Errorf("mark node stopped: %w", err)
	}
	if err := s.Store.DeleteNodeAlarm(ctx, n.NodeID); err != nil {
		slog.Warn("sweep: delete node alarm failed", "node_id", n.NodeID, "err", err)
	}
	if s.Registry != nil {
		s.Registry.Evict(n.NodeID)
	}
	otel.RecordSweepRecovery(ctx, recoveryType)
	obs.PersistError(ctx, s.Store, obs.Entry{
		Source:  source,
		Level:   obs.LevelWarning,
		Message: fmt.Sprintf("destroyed node %s", n.NodeID),
		Context: map[string]string{"recoveryType": recoveryType},
		UserID:  n.UserID,
		NodeID:  n.NodeID,
	})
	slog.Info("sweep destroyed node", "node_id", n.NodeID, "recovery_type", recoveryType)
	return nil
}

// flagOrphanedWorkspaces is pass 3: running workspaces with no transient task
// pointing at them. Flag-only; it is ambiguous whether such a workspace is
// truly orphaned or just between tasks, so an operator decides.
func (s *Sweep) flagOrphanedWorkspaces(ctx context.Context, res *Results) {
	cutoff := s.now().Add(-s.GracePeriod)
	workspaces, err := s.Store.ListOrphanedWorkspaces(ctx, cutoff)
	if err != nil {
		slog.Error("sweep: list orphaned workspaces failed", "err", err)
		res.Failures++
		return
	}
	for _, w := range workspaces {
		res.OrphanedWorkspaces++
		otel.RecordSweepRecovery(ctx, recoveryOrphanedWorkspace)
		slog.Warn("sweep: orphaned workspace", "workspace_id", w.WorkspaceID, "node_id", w.NodeID, "age", s.now().Sub(w.CreatedAt).Round(time.Second))
		obs.PersistError(ctx, s.Store, obs.Entry{
			Source:      source,
			Level:       obs.LevelWarning,
			Message:     fmt.Sprintf("workspace %s is running with no active task", w.WorkspaceID),
			Context:     map[string]string{"recoveryType": recoveryOrphanedWorkspace},
			UserID:      w.UserID,
			NodeID:      w.NodeID,
			WorkspaceID: w.WorkspaceID,
		})
	}
}

// flagOrphanedNodes is pass 4: running nodes that are neither hosting active
// workspaces nor marked warm, indicating actor/store desync. Flag-only.
func (s *Sweep) flagOrphanedNodes(ctx context.Context, res *Results) {
	cutoff := s.now().Add(-s.GracePeriod)
	nodes, err := s.Store.ListOrphanedNodes(ctx, cutoff)
	if err != nil {
		slog.Error("sweep: list orphaned nodes failed", "err", err)
		res.Failures++
		return
	}
	for _, n := range nodes {
		res.OrphanedNodes++
		otel.RecordSweepRecovery(ctx, recoveryOrphanedNode)
		slog.Warn("sweep: orphaned node", "node_id", n.NodeID, "updated_at", n.UpdatedAt)
		obs.PersistError(ctx, s.Store, obs.Entry{
			Source:  source,
			Level:   obs.LevelWarning,
			Message: fmt.Sprintf("node %s is running with no workspaces and no warm marker", n.NodeID),
			Context: map[string]string{"recoveryType": recoveryOrphanedNode},
			UserID:  n.UserID,
			NodeID:  n.NodeID,
		})
	}
}

// fail records a per-item failure without aborting the batch.
func (s *Sweep) fail(ctx context.Context, res *Results, recoveryType, nodeID, userID, action string, err error) {
	res.Failures++
	otel.RecordSweepFailure(ctx, recoveryType)
	slog.Error("sweep: "+action+" failed", "node_id", nodeID, "err", err)
	obs.PersistError(ctx, s.Store, obs.Entry{
		Source:  source,
		Level:   obs.LevelError,
		Message: fmt.Sprintf("%s failed for node %s: %v", action, nodeID, err),
		Context: map[string]string{"recoveryType": recoveryType},
		UserID:  userID,
		NodeID:  nodeID,
	})
}
