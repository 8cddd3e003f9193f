// Package engine wires the position tracker to the risk state machine and
// the order sequencer: one lightweight evaluation task per position, with
// all order mutations funneled into the sequencer's per-symbol workers.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"profitguard/internal/position"
	"profitguard/internal/risk"
)

// Sequencer is the command sink; the engine never touches the broker.
type Sequencer interface {
	Apply(cmd risk.Command) error
	DropPending(symbol string)
}

// AuditSink persists transitions and crash-recovery snapshots.
type AuditSink interface {
	AppendTransition(position.TransitionEvent) error
	SaveSnapshot(position.Snapshot) error
	DeleteSnapshot(positionID string) error
}

// Gate decides whether new positions may be accepted (defensive mode).
type Gate interface {
	AcceptingNewPositions() bool
}

// MetricsSink is the subset of metrics the engine reports to.
type MetricsSink interface {
	TransitionInc(to string)
}

// Engine drives protection evaluation for every tracked position.
type Engine struct {
	tracker *position.Tracker
	machine *risk.Machine
	seq     Sequencer
	audit   AuditSink
	gate    Gate
	metrics MetricsSink

	mu    sync.Mutex
	lanes map[string]chan position.Snapshot
	wg    sync.WaitGroup
}

func New(tracker *position.Tracker, machine *risk.Machine, seq Sequencer, audit AuditSink, gate Gate, m MetricsSink) *Engine {
	return &Engine{
		tracker: tracker,
		machine: machine,
		seq:     seq,
		audit:   audit,
		gate:    gate,
		metrics: m,
		lanes:   make(map[string]chan position.Snapshot),
	}
}

// Run dispatches PositionChanged events to per-position evaluation tasks
// until ctx is cancelled. Blocking broker I/O happens only downstream in
// the sequencer; a slow broker stalls one symbol's lane, never the
// dispatcher or other positions.
func (e *Engine) Run(ctx context.Context) {
	defer e.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.tracker.Events():
			select {
			case e.laneFor(ctx, snap.Symbol) <- snap:
			default:
				// Lane saturated; evaluation is level-based on snapshots,
				// so the next tick carries the same information.
				log.Debug().Str("symbol", snap.Symbol).Msg("evaluation lane full, dropping event")
			}
		}
	}
}

// TrackNew registers a freshly opened position. Refused in defensive mode.
func (e *Engine) TrackNew(p position.Position) error {
	if e.gate != nil && !e.gate.AcceptingNewPositions() {
		return fmt.Errorf("defensive mode active, not accepting new positions")
	}
	if err := e.tracker.Track(p); err != nil {
		return err
	}
	if snap, ok := e.tracker.Snapshot(p.Symbol); ok && e.audit != nil {
		if err := e.audit.SaveSnapshot(snap); err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("failed to persist position snapshot")
		}
	}
	return nil
}

// Restore re-registers positions from persisted snapshots after a restart.
// Reconciliation runs before ticks are accepted, so broker truth corrects
// anything that changed while we were down.
func (e *Engine) Restore(snaps []position.Snapshot) {
	for _, snap := range snaps {
		if snap.State == position.StateClosed {
			continue
		}
		if err := e.tracker.Track(snap.Position); err != nil {
			log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to restore position")
			continue
		}
		log.Info().
			Str("symbol", snap.Symbol).
			Str("state", string(snap.State)).
			Float64("remaining", snap.RemainingQty).
			Msg("position restored from snapshot")
	}
}

// RequestClose routes a manual close through the sequencer so protection
// invariants hold; nothing outside the sequencer ever mutates orders.
func (e *Engine) RequestClose(symbol string) error {
	snap, ok := e.tracker.Snapshot(symbol)
	if !ok {
		return position.ErrUnknownPosition
	}
	if snap.State == position.StateClosed || snap.RemainingQty <= 0 {
		return position.ErrClosed
	}
	return e.seq.Apply(risk.Command{
		Kind:       risk.ClosePosition,
		PositionID: snap.ID,
		Symbol:     symbol,
		Side:       snap.Side,
		ExitQty:    snap.RemainingQty,
		Trigger:    "manual close request",
	})
}

func (e *Engine) laneFor(ctx context.Context, symbol string) chan position.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.lanes[symbol]; ok {
		return ch
	}
	ch := make(chan position.Snapshot, 16)
	e.lanes[symbol] = ch
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-ch:
				e.evaluate(snap)
			}
		}
	}()
	return ch
}

// evaluate runs one state machine pass for a snapshot, applies the
// resulting transitions and hands commands to the sequencer. A failed
// command does not roll the state back; the sequencer retries the command,
// not the transition.
func (e *Engine) evaluate(snap position.Snapshot) {
	eval := e.machine.Evaluate(snap)

	closed := false
	for _, change := range eval.Changes {
		ev, err := e.tracker.SetState(snap.Symbol, change.To, change.Trigger)
		if err != nil {
			log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("state change rejected")
			continue
		}
		if e.metrics != nil {
			e.metrics.TransitionInc(string(change.To))
		}
		log.Info().
			Str("symbol", snap.Symbol).
			Str("position_id", ev.PositionID).
			Str("old_state", string(ev.OldState)).
			Str("new_state", string(ev.NewState)).
			Str("trigger", ev.Trigger).
			Msg("state transition")
		if e.audit != nil {
			if err := e.audit.AppendTransition(ev); err != nil {
				log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to persist transition")
			}
		}
		if change.To == position.StateClosed {
			closed = true
		}
	}

	if closed {
		e.seq.DropPending(snap.Symbol)
		if e.audit != nil {
			if err := e.audit.DeleteSnapshot(snap.ID); err != nil {
				log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to delete snapshot")
			}
		}
		return
	}

	for _, cmd := range eval.Commands {
		if cmd.Kind == risk.MilestoneExit {
			// Marked at enqueue time so the next tick cannot schedule the
			// same milestone again while this command is in flight.
			if err := e.tracker.RecordMilestoneExit(snap.Symbol, cmd.Milestone, cmd.ExitQty); err != nil {
				log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("milestone already recorded, skipping")
				continue
			}
		}
		if err := e.seq.Apply(cmd); err != nil {
			log.Error().Err(err).Str("symbol", snap.Symbol).Str("kind", cmd.Kind.String()).Msg("failed to enqueue command")
		}
	}

	if e.audit != nil {
		if current, ok := e.tracker.Snapshot(snap.Symbol); ok {
			if err := e.audit.SaveSnapshot(current); err != nil {
				log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to persist position snapshot")
			}
		}
	}
}
