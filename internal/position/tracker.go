package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrStaleTick marks a tick older than the staleness bound. Discarded,
	// never acted on.
	ErrStaleTick = errors.New("stale tick discarded")
	// ErrUnknownPosition is returned for symbols the tracker is not watching.
	ErrUnknownPosition = errors.New("unknown position")
	// ErrClosed is returned for mutations against a terminal position.
	ErrClosed = errors.New("position already closed")
)

// defaultUpdateBudget is the tick-to-update latency bound. Exceeding it is
// logged, not blocked on.
const defaultUpdateBudget = 50 * time.Millisecond

// qtyEpsilon absorbs float drift when comparing fill quantities.
const qtyEpsilon = 1e-9

// Tick is one market data point for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// MetricsSink is the subset of metrics the tracker reports to.
type MetricsSink interface {
	StaleTicksInc()
	LatencyViolationsInc()
	OpenPositionsSet(float64)
}

// Tracker owns every open position. One position per symbol; all access is
// through its methods, readers only ever see snapshots.
type Tracker struct {
	mu         sync.RWMutex
	positions  map[string]*Position // keyed by symbol
	byOrderID  map[string]string    // protection order id -> symbol
	staleBound time.Duration
	events     chan Snapshot
	metrics    MetricsSink

	updateBudget time.Duration
}

// NewTracker builds a tracker. Ticks older than staleBound are discarded.
func NewTracker(staleBound time.Duration, m MetricsSink) *Tracker {
	if staleBound <= 0 {
		staleBound = 2 * time.Second
	}
	return &Tracker{
		positions:    make(map[string]*Position),
		byOrderID:    make(map[string]string),
		staleBound:   staleBound,
		events:       make(chan Snapshot, 64),
		metrics:      m,
		updateBudget: defaultUpdateBudget,
	}
}

// Events is the PositionChanged stream consumed by the risk engine. A full
// channel drops the event; evaluation is level-based on the next snapshot,
// so a drop self-heals on the next tick.
func (t *Tracker) Events() <-chan Snapshot { return t.events }

// Track registers a newly opened position in INITIAL_RISK.
func (t *Tracker) Track(p Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.positions[p.Symbol]; exists {
		return fmt.Errorf("track %s: position already open", p.Symbol)
	}
	if p.OriginalQty <= 0 || p.EntryPrice <= 0 {
		return fmt.Errorf("track %s: invalid quantity or entry", p.Symbol)
	}
	if p.State == "" {
		p.State = StateInitialRisk
	}
	if p.RemainingQty == 0 {
		p.RemainingQty = p.OriginalQty
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	p.UpdatedAt = time.Now()

	cp := p
	t.positions[p.Symbol] = &cp
	t.indexOrdersLocked(&cp)
	t.reportOpenLocked()

	log.Info().
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("qty", p.OriginalQty).
		Float64("entry", p.EntryPrice).
		Float64("stop", p.InitialStop).
		Msg("position tracked")
	return nil
}

// Update recomputes current price and R-multiple from a tick and emits a
// PositionChanged snapshot. Never blocks on I/O.
func (t *Tracker) Update(tick Tick) error {
	received := time.Now()
	if t.staleBound > 0 && received.Sub(tick.Ts) > t.staleBound {
		if t.metrics != nil {
			t.metrics.StaleTicksInc()
		}
		return ErrStaleTick
	}

	t.mu.Lock()
	p, ok := t.positions[tick.Symbol]
	if !ok || p.State == StateClosed {
		t.mu.Unlock()
		if !ok {
			return ErrUnknownPosition
		}
		return ErrClosed
	}
	p.CurrentPrice = tick.Price
	p.UpdatedAt = received
	snap := p.snapshot()
	t.mu.Unlock()

	t.emit(snap)

	if elapsed := time.Since(received); elapsed > t.updateBudget {
		if t.metrics != nil {
			t.metrics.LatencyViolationsInc()
		}
		log.Warn().
			Str("symbol", tick.Symbol).
			Dur("elapsed", elapsed).
			Msg("tick update exceeded latency budget")
	}
	return nil
}

// OnFill applies an execution report against the protection leg that
// produced it. Fills accumulate per leg; a leg is retired only once its
// quantity is consumed, so partial executions keep routing to the same leg.
func (t *Tracker) OnFill(orderID string, fillQty, fillPrice float64) error {
	t.mu.Lock()
	symbol, ok := t.byOrderID[orderID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("fill for untracked order %s", orderID)
	}
	p := t.positions[symbol]

	p.RemainingQty -= fillQty
	if p.RemainingQty < qtyEpsilon {
		p.RemainingQty = 0
	}
	switch {
	case p.Protection.StopOrderID == orderID:
		// The stop works the whole remainder. A partial execution leaves
		// the rest of the stop live at the broker; it is retired only once
		// fills have consumed the position.
		if p.RemainingQty == 0 {
			p.Protection.StopOrderID = ""
			delete(t.byOrderID, orderID)
		}
	default:
		for i := range p.Protection.Targets {
			tl := &p.Protection.Targets[i]
			if tl.OrderID != orderID {
				continue
			}
			tl.Filled += fillQty
			if tl.Filled >= tl.Qty-qtyEpsilon {
				p.Protection.Targets = append(p.Protection.Targets[:i], p.Protection.Targets[i+1:]...)
				delete(t.byOrderID, orderID)
			}
			break
		}
	}
	p.UpdatedAt = time.Now()
	snap := p.snapshot()
	t.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("order_id", orderID).
		Float64("fill_qty", fillQty).
		Float64("fill_price", fillPrice).
		Float64("remaining", snap.RemainingQty).
		Msg("protection leg fill applied")

	t.emit(snap)
	return nil
}

// SetState advances a position's lifecycle state. Regressions and mutations
// of a terminal state are rejected; the returned event is the audit record.
func (t *Tracker) SetState(symbol string, next State, trigger string) (TransitionEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return TransitionEvent{}, ErrUnknownPosition
	}
	if p.State == StateClosed {
		return TransitionEvent{}, ErrClosed
	}
	if !next.After(p.State) {
		return TransitionEvent{}, fmt.Errorf("transition %s -> %s regresses state", p.State, next)
	}

	ev := TransitionEvent{
		PositionID: p.ID,
		Symbol:     symbol,
		OldState:   p.State,
		NewState:   next,
		Trigger:    trigger,
		Ts:         time.Now(),
	}
	p.State = next
	p.UpdatedAt = ev.Ts
	if next == StateClosed {
		t.reportOpenLocked()
	}
	return ev, nil
}

// StopOrder returns the live stop leg for a symbol.
func (t *Tracker) StopOrder(symbol string) (orderID string, price float64, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[symbol]
	if !ok {
		return "", 0, ErrUnknownPosition
	}
	return p.Protection.StopOrderID, p.Protection.StopPrice, nil
}

// SetStopOrder replaces the stop leg after a successful cancel/create cycle.
func (t *Tracker) SetStopOrder(symbol, orderID string, price float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return ErrUnknownPosition
	}
	if prev := p.Protection.StopOrderID; prev != "" {
		delete(t.byOrderID, prev)
	}
	p.Protection.StopOrderID = orderID
	p.Protection.StopPrice = price
	p.Unprotected = false
	if orderID != "" {
		t.byOrderID[orderID] = symbol
	}
	p.UpdatedAt = time.Now()
	return nil
}

// AddTargetOrder records a newly submitted target leg.
func (t *Tracker) AddTargetOrder(symbol, orderID string, price, qty float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return ErrUnknownPosition
	}
	p.Protection.Targets = append(p.Protection.Targets, TargetLeg{OrderID: orderID, Price: price, Qty: qty})
	t.byOrderID[orderID] = symbol
	p.UpdatedAt = time.Now()
	return nil
}

// RecordMilestoneExit marks a milestone's quantity as scheduled so it is
// never scheduled twice.
func (t *Tracker) RecordMilestoneExit(symbol string, r, qty float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return ErrUnknownPosition
	}
	if p.MilestoneDone(r) {
		return fmt.Errorf("milestone %.1fR already recorded for %s", r, symbol)
	}
	p.Exits = append(p.Exits, MilestoneExit{R: r, Qty: qty, Ts: time.Now()})
	p.UpdatedAt = time.Now()
	return nil
}

// FlagUnprotected marks a position whose protection could not be restored.
// The position stays in its last good state but is surfaced prominently.
func (t *Tracker) FlagUnprotected(symbol, cause string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.Unprotected = true
	p.UpdatedAt = time.Now()
	log.Error().
		Str("symbol", symbol).
		Str("cause", cause).
		Msg("POSITION UNPROTECTED: protection orders not intact")
}

// MarkClosedExternal absorbs a close observed at the broker but not caused
// by us (bracket fill, manual intervention). Reconciliation-only path.
func (t *Tracker) MarkClosedExternal(symbol, cause string) (TransitionEvent, error) {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return TransitionEvent{}, ErrUnknownPosition
	}
	if p.State == StateClosed {
		t.mu.Unlock()
		return TransitionEvent{}, ErrClosed
	}
	ev := TransitionEvent{
		PositionID: p.ID,
		Symbol:     symbol,
		OldState:   p.State,
		NewState:   StateClosed,
		Trigger:    cause,
		Ts:         time.Now(),
	}
	p.State = StateClosed
	p.RemainingQty = 0
	p.UpdatedAt = ev.Ts
	t.unindexOrdersLocked(p)
	t.reportOpenLocked()
	snap := p.snapshot()
	t.mu.Unlock()

	log.Info().Str("symbol", symbol).Str("cause", cause).Msg("position closed externally")
	t.emit(snap)
	return ev, nil
}

// SyncRemaining corrects remaining quantity from broker ground truth,
// absorbing externally triggered partial fills. Reconciliation-only path.
func (t *Tracker) SyncRemaining(symbol string, qty float64) error {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownPosition
	}
	if p.State == StateClosed || p.RemainingQty == qty {
		t.mu.Unlock()
		return nil
	}
	old := p.RemainingQty
	p.RemainingQty = qty
	p.UpdatedAt = time.Now()
	snap := p.snapshot()
	t.mu.Unlock()

	log.Warn().
		Str("symbol", symbol).
		Float64("local_qty", old).
		Float64("broker_qty", qty).
		Msg("remaining quantity corrected from broker state")
	t.emit(snap)
	return nil
}

// Snapshot returns a detached copy of the position for a symbol.
func (t *Tracker) Snapshot(symbol string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[symbol]
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Snapshots returns detached copies of all tracked positions.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.snapshot())
	}
	return out
}

// Forget drops a closed position from the tracker.
func (t *Tracker) Forget(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok || p.State != StateClosed {
		return
	}
	t.unindexOrdersLocked(p)
	delete(t.positions, symbol)
	t.reportOpenLocked()
}

func (t *Tracker) emit(snap Snapshot) {
	select {
	case t.events <- snap:
	default:
		log.Warn().Str("symbol", snap.Symbol).Msg("position event channel full, dropping event")
	}
}

func (t *Tracker) indexOrdersLocked(p *Position) {
	if p.Protection.StopOrderID != "" {
		t.byOrderID[p.Protection.StopOrderID] = p.Symbol
	}
	for _, tl := range p.Protection.Targets {
		t.byOrderID[tl.OrderID] = p.Symbol
	}
}

func (t *Tracker) unindexOrdersLocked(p *Position) {
	if p.Protection.StopOrderID != "" {
		delete(t.byOrderID, p.Protection.StopOrderID)
	}
	for _, tl := range p.Protection.Targets {
		delete(t.byOrderID, tl.OrderID)
	}
}

func (t *Tracker) reportOpenLocked() {
	if t.metrics == nil {
		return
	}
	open := 0
	for _, p := range t.positions {
		if p.State != StateClosed {
			open++
		}
	}
	t.metrics.OpenPositionsSet(float64(open))
}
