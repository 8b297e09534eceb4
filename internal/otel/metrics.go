// Package otel wires OpenTelemetry metrics with a Prometheus exporter for the
// sam control plane.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	nodeTransitions     metric.Int64Counter
	warmClaimsCounter   metric.Int64Counter
	sweepRecoveries     metric.Int64Counter
	sweepFailures       metric.Int64Counter
	stuckTasksCounter   metric.Int64Counter
	timerRetriesCounter metric.Int64Counter
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		nodeTransitions, err = m.Int64Counter("sam_node_transitions_total", metric.WithDescription("Node lifecycle actor transitions"))
		if err != nil {
			return
		}
		warmClaimsCounter, err = m.Int64Counter("sam_warm_claims_total", metric.WithDescription("Warm-pool claim attempts"))
		if err != nil {
			return
		}
		sweepRecoveries, err = m.Int64Counter("sam_sweep_recoveries_total", metric.WithDescription("Reconciliation sweep recovery actions"))
		if err != nil {
			return
		}
		sweepFailures, err = m.Int64Counter("sam_sweep_failures_total", metric.WithDescription("Reconciliation sweep per-item failures"))
		if err != nil {
			return
		}
		stuckTasksCounter, err = m.Int64Counter("sam_stuck_tasks_total", metric.WithDescription("Tasks forcibly failed by stuck-task recovery"))
		if err != nil {
			return
		}
		timerRetriesCounter, err = m.Int64Counter("sam_timer_retries_total", metric.WithDescription("Actor timer re-arms after store write failures"))
		if err != nil {
			return
		}
	})
	return err
}

// RecordNodeTransition records one actor state transition.
func RecordNodeTransition(ctx context.Context, from, to, trigger string) {
	if nodeTransitions == nil {
		return
	}
	nodeTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrFromStatus.String(from),
		AttrToStatus.String(to),
		AttrTrigger.String(trigger),
	))
}

// RecordWarmClaim records one tryClaim attempt and its outcome.
func RecordWarmClaim(ctx context.Context, claimed bool) {
	if warmClaimsCounter == nil {
		return
	}
	warmClaimsCounter.Add(ctx, 1, metric.WithAttributes(AttrClaimed.String(strconv.FormatBool(claimed))))
}

// RecordSweepRecovery records one destructive or corrective sweep action.
func RecordSweepRecovery(ctx context.Context, recoveryType string) {
	if sweepRecoveries == nil {
		return
	}
	sweepRecoveries.Add(ctx, 1, metric.WithAttributes(AttrRecoveryType.String(recoveryType)))
}

// RecordSweepFailure records one per-item failure inside a sweep pass.
func RecordSweepFailure(ctx context.Context, recoveryType string) {
	if sweepFailures == nil {
		return
	}
	sweepFailures.Add(ctx, 1, metric.WithAttributes(AttrRecoveryType.String(recoveryType)))
}

// RecordStuckTask records one task forcibly failed, tagged with the status it
// was stuck in.
func RecordStuckTask(ctx context.Context, fromStatus string) {
	if stuckTasksCounter == nil {
		return
	}
	stuckTasksCounter.Add(ctx, 1, metric.WithAttributes(AttrFromStatus.String(fromStatus)))
}

// RecordTimerRetry records an actor re-arming its timer after a failed store write.
func RecordTimerRetry(ctx context.Context) {
	if timerRetriesCounter == nil {
		return
	}
	timerRetriesCounter.Add(ctx, 1)
}

// NodeCountFunc returns (active, warm) node counts for the node gauge.
type NodeCountFunc func() (active, warm int64)

// InitMetricsWithNodeCount creates instruments and optionally registers a callback
// for the node-state gauge. Call after InitMeterProvider.
func InitMetricsWithNodeCount(ctx context.Context, nodeCount NodeCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if nodeCount == nil {
		return nil
	}
	m := Meter()
	nodesGauge, err := m.Int64ObservableGauge("sam_nodes", metric.WithDescription("Number of nodes by lifecycle state"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		active, warm := nodeCount()
		o.ObserveInt64(nodesGauge, active, metric.WithAttributes(AttrStatus.String("active")))
		o.ObserveInt64(nodesGauge, warm, metric.WithAttributes(AttrStatus.String("warm")))
		return nil
	}, nodesGauge)
	return err
}
