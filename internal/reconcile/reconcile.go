// Package reconcile periodically compares local position state against
// broker truth. It is the only path that corrects the tracker without going
// through the order sequencer.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"profitguard/internal/broker"
	"profitguard/internal/position"
)

// qtyTolerance absorbs broker-side rounding when comparing quantities.
const qtyTolerance = 1e-9

// AuditSink persists transition events produced by reconciliation.
type AuditSink interface {
	AppendTransition(position.TransitionEvent) error
}

// RecoverySink learns the outcome of each sweep; a clean pass is what lets
// the recovery manager leave defensive mode.
type RecoverySink interface {
	NotifyReconciliation(allProtected bool)
	RecordBrokerCall(ok bool)
}

// MetricsSink is the subset of metrics the loop reports to.
type MetricsSink interface {
	SweepsInc()
	DriftInc()
}

// Loop runs the periodic reconciliation sweep.
type Loop struct {
	api      broker.API
	tracker  *position.Tracker
	audit    AuditSink
	recovery RecoverySink
	metrics  MetricsSink
	interval time.Duration
}

// NewLoop builds a reconciliation loop with the given sweep period.
func NewLoop(api broker.API, tracker *position.Tracker, audit AuditSink, rec RecoverySink, m MetricsSink, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{api: api, tracker: tracker, audit: audit, recovery: rec, metrics: m, interval: interval}
}

// Run sweeps on a fixed period until ctx is cancelled. One sweep runs
// immediately on start so crash recovery sees broker truth before ticks.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	if err := l.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("initial reconciliation sweep failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Sweep compares every tracked position against broker state. Positions
// missing at the broker are closed as external; quantity drift is absorbed;
// positions whose state matches exactly are left alone, so a sweep against
// unchanged broker state mutates nothing.
func (l *Loop) Sweep(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.SweepsInc()
	}

	brokerPositions, err := l.api.GetPositions(ctx)
	if l.recovery != nil {
		l.recovery.RecordBrokerCall(err == nil)
	}
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}
	brokerOrders, err := l.api.GetOrders(ctx)
	if l.recovery != nil {
		l.recovery.RecordBrokerCall(err == nil)
	}
	if err != nil {
		return fmt.Errorf("fetch broker orders: %w", err)
	}

	bySymbol := make(map[string]broker.NetPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		bySymbol[bp.Symbol] = bp
	}
	liveOrders := make(map[string]bool, len(brokerOrders))
	for _, o := range brokerOrders {
		liveOrders[o.OrderID] = true
	}

	allProtected := true
	for _, snap := range l.tracker.Snapshots() {
		if snap.State == position.StateClosed {
			l.tracker.Forget(snap.Symbol)
			continue
		}

		bp, exists := bySymbol[snap.Symbol]
		if !exists {
			// Bracket fill, manual close, anything outside our control:
			// ground truth wins, this is not an error.
			ev, err := l.tracker.MarkClosedExternal(snap.Symbol, "closed externally")
			if err != nil {
				continue
			}
			if l.metrics != nil {
				l.metrics.DriftInc()
			}
			if l.audit != nil {
				if err := l.audit.AppendTransition(ev); err != nil {
					log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to persist reconciliation transition")
				}
			}
			continue
		}

		if math.Abs(bp.Qty-snap.RemainingQty) > qtyTolerance {
			if l.metrics != nil {
				l.metrics.DriftInc()
			}
			if err := l.tracker.SyncRemaining(snap.Symbol, bp.Qty); err != nil {
				log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("quantity sync failed")
			}
		}

		if snap.Unprotected || snap.Protection.StopOrderID == "" || !liveOrders[snap.Protection.StopOrderID] {
			allProtected = false
		}
	}

	if l.recovery != nil {
		l.recovery.NotifyReconciliation(allProtected)
	}
	return nil
}
