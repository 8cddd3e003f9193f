package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profitguard/internal/broker"
	"profitguard/internal/position"
	"profitguard/internal/risk"
)

type commandRecorder struct {
	mu      sync.Mutex
	applied []risk.Command
	dropped []string
}

func (c *commandRecorder) Apply(cmd risk.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, cmd)
	return nil
}

func (c *commandRecorder) DropPending(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, symbol)
}

func (c *commandRecorder) byKind(kind risk.CommandKind) []risk.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []risk.Command
	for _, cmd := range c.applied {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

type auditRecorder struct {
	mu          sync.Mutex
	transitions []position.TransitionEvent
	saved       []position.Snapshot
	deleted     []string
}

func (a *auditRecorder) AppendTransition(ev position.TransitionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions = append(a.transitions, ev)
	return nil
}

func (a *auditRecorder) SaveSnapshot(snap position.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, snap)
	return nil
}

func (a *auditRecorder) DeleteSnapshot(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	return nil
}

type stubGate struct{ accepting bool }

func (g stubGate) AcceptingNewPositions() bool { return g.accepting }

func newTestEngine(t *testing.T) (*Engine, *position.Tracker, *commandRecorder, *auditRecorder) {
	t.Helper()
	tracker := position.NewTracker(time.Minute, nil)
	machine := risk.NewMachine(risk.FractionTrailer{Fraction: 0}, risk.NewScheduler(nil))
	seq := &commandRecorder{}
	audit := &auditRecorder{}
	e := New(tracker, machine, seq, audit, stubGate{accepting: true}, nil)
	return e, tracker, seq, audit
}

func trackLong(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.TrackNew(position.Position{
		ID:          "pos-1",
		Symbol:      "BTCUSDT",
		Side:        broker.Buy,
		OriginalQty: 100,
		EntryPrice:  100,
		EntryTime:   time.Now(),
		InitialStop: 98,
		Protection:  position.ProtectionOrderSet{StopOrderID: "stop-1", StopPrice: 98},
	}))
}

func snapAt(t *testing.T, tracker *position.Tracker, price float64) position.Snapshot {
	t.Helper()
	require.NoError(t, tracker.Update(position.Tick{Symbol: "BTCUSDT", Price: price, Ts: time.Now()}))
	snap, ok := tracker.Snapshot("BTCUSDT")
	require.True(t, ok)
	return snap
}

func TestEvaluateBreakevenPromotion(t *testing.T) {
	e, tracker, seq, audit := newTestEngine(t)
	trackLong(t, e)

	e.evaluate(snapAt(t, tracker, 102))

	snap, _ := tracker.Snapshot("BTCUSDT")
	assert.Equal(t, position.StateBreakevenProtected, snap.State)

	moves := seq.byKind(risk.MoveStop)
	require.Len(t, moves, 1)
	assert.Equal(t, 100.0, moves[0].NewStop, "stop moves to entry at 1R")
	assert.Empty(t, seq.byKind(risk.MilestoneExit))

	require.Len(t, audit.transitions, 1)
	assert.Equal(t, position.StateBreakevenProtected, audit.transitions[0].NewState)
	assert.NotEmpty(t, audit.saved, "snapshot persisted after evaluation")
}

func TestEvaluateGapSchedulesAllSkippedMilestones(t *testing.T) {
	e, tracker, seq, audit := newTestEngine(t)
	trackLong(t, e)

	// One tick jumps from entry straight past 3R.
	e.evaluate(snapAt(t, tracker, 106.5))

	snap, _ := tracker.Snapshot("BTCUSDT")
	assert.Equal(t, position.StateAdvancedProfitTaken, snap.State)

	exits := seq.byKind(risk.MilestoneExit)
	require.Len(t, exits, 2)
	assert.Equal(t, 2.0, exits[0].Milestone)
	assert.Equal(t, 50.0, exits[0].ExitQty)
	assert.Equal(t, 3.0, exits[1].Milestone)
	assert.Equal(t, 25.0, exits[1].ExitQty)

	assert.Len(t, audit.transitions, 3, "every intermediate transition is audited")
}

func TestEvaluateNeverSchedulesMilestoneTwice(t *testing.T) {
	e, tracker, seq, _ := newTestEngine(t)
	trackLong(t, e)

	snap := snapAt(t, tracker, 104.2)
	e.evaluate(snap)
	// Same stale snapshot again, as if a second tick landed before the exit
	// order filled.
	e.evaluate(snap)

	exits := seq.byKind(risk.MilestoneExit)
	assert.Len(t, exits, 1, "in-flight milestone must not be re-enqueued")
}

func TestEvaluateClosedDropsPendingAndSnapshot(t *testing.T) {
	e, tracker, seq, audit := newTestEngine(t)
	trackLong(t, e)

	require.NoError(t, tracker.OnFill("stop-1", 100, 98))
	snap, _ := tracker.Snapshot("BTCUSDT")
	e.evaluate(snap)

	got, _ := tracker.Snapshot("BTCUSDT")
	assert.Equal(t, position.StateClosed, got.State)
	assert.Equal(t, []string{"BTCUSDT"}, seq.dropped)
	assert.Equal(t, []string{"pos-1"}, audit.deleted)
	assert.Empty(t, seq.applied, "no commands for a closed position")
}

func TestEvaluateClosedPositionIsInert(t *testing.T) {
	e, tracker, seq, _ := newTestEngine(t)
	trackLong(t, e)

	_, err := tracker.MarkClosedExternal("BTCUSDT", "test")
	require.NoError(t, err)
	snap, _ := tracker.Snapshot("BTCUSDT")
	e.evaluate(snap)

	assert.Empty(t, seq.applied)
	assert.Empty(t, seq.dropped, "already closed, nothing queued to drop")
}

func TestTrackNewRespectsDefensiveGate(t *testing.T) {
	tracker := position.NewTracker(time.Minute, nil)
	machine := risk.NewMachine(nil, nil)
	e := New(tracker, machine, &commandRecorder{}, &auditRecorder{}, stubGate{accepting: false}, nil)

	err := e.TrackNew(position.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: broker.Buy, OriginalQty: 100, EntryPrice: 100, InitialStop: 98,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defensive mode")
	_, ok := tracker.Snapshot("BTCUSDT")
	assert.False(t, ok)
}

func TestTrackNewPersistsInitialSnapshot(t *testing.T) {
	e, _, _, audit := newTestEngine(t)
	trackLong(t, e)

	require.Len(t, audit.saved, 1)
	assert.Equal(t, position.StateInitialRisk, audit.saved[0].State)
}

func TestRestoreSkipsClosedSnapshots(t *testing.T) {
	e, tracker, _, _ := newTestEngine(t)

	e.Restore([]position.Snapshot{
		{Position: position.Position{
			ID: "pos-1", Symbol: "BTCUSDT", Side: broker.Buy,
			OriginalQty: 100, RemainingQty: 50, EntryPrice: 100, InitialStop: 98,
			State: position.StatePartialProfitTaken,
		}},
		{Position: position.Position{
			ID: "pos-2", Symbol: "ETHUSDT", Side: broker.Buy,
			OriginalQty: 10, EntryPrice: 2000, InitialStop: 1950,
			State: position.StateClosed,
		}},
	})

	snap, ok := tracker.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, position.StatePartialProfitTaken, snap.State)
	assert.Equal(t, 50.0, snap.RemainingQty)

	_, ok = tracker.Snapshot("ETHUSDT")
	assert.False(t, ok, "closed snapshots are not restored")
}

func TestRequestClose(t *testing.T) {
	e, _, seq, _ := newTestEngine(t)
	trackLong(t, e)

	require.NoError(t, e.RequestClose("BTCUSDT"))

	closes := seq.byKind(risk.ClosePosition)
	require.Len(t, closes, 1)
	assert.Equal(t, 100.0, closes[0].ExitQty, "whole remainder exits at market")
	assert.Equal(t, broker.Buy, closes[0].Side)
}

func TestRequestCloseUnknownAndClosed(t *testing.T) {
	e, tracker, _, _ := newTestEngine(t)

	assert.ErrorIs(t, e.RequestClose("BTCUSDT"), position.ErrUnknownPosition)

	trackLong(t, e)
	_, err := tracker.MarkClosedExternal("BTCUSDT", "test")
	require.NoError(t, err)
	assert.ErrorIs(t, e.RequestClose("BTCUSDT"), position.ErrClosed)
}
