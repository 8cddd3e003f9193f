// Package risk evaluates each position change against the protection state
// machine and emits the order commands that keep the position protected.
package risk

import (
	"fmt"
	"time"

	"profitguard/internal/broker"
	"profitguard/internal/position"
)

// CommandKind identifies what a protection command asks the sequencer to do.
type CommandKind int

const (
	// MoveStop replaces the stop leg at a better price (cancel then create).
	MoveStop CommandKind = iota
	// MilestoneExit closes part of the position at an R milestone.
	MilestoneExit
	// ClosePosition exits the whole remainder at market. Used for manual
	// close requests, which must also flow through the sequencer.
	ClosePosition
)

func (k CommandKind) String() string {
	switch k {
	case MoveStop:
		return "move_stop"
	case MilestoneExit:
		return "milestone_exit"
	case ClosePosition:
		return "close_position"
	default:
		return "unknown"
	}
}

// Submit budgets per command kind. Exceeding one is logged as a latency
// violation; it never blocks the command.
const (
	StopMoveBudget      = 100 * time.Millisecond
	MilestoneExitBudget = 200 * time.Millisecond
)

// Command is a single protection action bound for the sequencer.
type Command struct {
	Kind       CommandKind
	PositionID string
	Symbol     string
	Side       broker.Side
	NewStop    float64
	ExitQty    float64
	Milestone  float64
	Budget     time.Duration
	Trigger    string
	IssuedAt   time.Time
}

// StateChange is a requested lifecycle transition; the tracker applies it
// and produces the audit event.
type StateChange struct {
	To      position.State
	Trigger string
}

// Evaluation is everything one pass over a snapshot produced.
type Evaluation struct {
	Changes  []StateChange
	Commands []Command
}

// transition table: each rule promotes from one state to the next once the
// R-multiple threshold is crossed. Monotonicity and the no-skip ordering are
// tested directly against this table.
type rule struct {
	from position.State
	to   position.State
	minR float64
}

var transitionTable = []rule{
	{from: position.StateInitialRisk, to: position.StateBreakevenProtected, minR: 1.0},
	{from: position.StateBreakevenProtected, to: position.StatePartialProfitTaken, minR: 2.0},
	{from: position.StatePartialProfitTaken, to: position.StateAdvancedProfitTaken, minR: 3.0},
}

// Machine drives the per-position protection lifecycle. It is stateless
// between calls; all state lives on the snapshot.
type Machine struct {
	trailer    Trailer
	overrides  map[string]Trailer // per-symbol trailers
	scheduler  *Scheduler
	breakevenR float64
}

// NewMachine builds a state machine with the given trailing calculator and
// milestone scheduler. A nil trailer defaults to pure breakeven trailing.
func NewMachine(t Trailer, s *Scheduler) *Machine {
	if t == nil {
		t = FractionTrailer{Fraction: 0}
	}
	if s == nil {
		s = NewScheduler(nil)
	}
	return &Machine{trailer: t, overrides: make(map[string]Trailer), scheduler: s, breakevenR: 1.0}
}

// SetSymbolTrailer overrides the trailing calculator for one symbol.
func (m *Machine) SetSymbolTrailer(symbol string, t Trailer) {
	m.overrides[symbol] = t
}

func (m *Machine) trailerFor(symbol string) Trailer {
	if t, ok := m.overrides[symbol]; ok {
		return t
	}
	return m.trailer
}

// Evaluate inspects a snapshot and returns the state changes and commands
// due at its R-multiple. A gap across several thresholds yields all skipped
// transitions and exits in this single pass, in ascending R order.
func (m *Machine) Evaluate(snap position.Snapshot) Evaluation {
	var ev Evaluation
	if snap.State == position.StateClosed {
		return ev
	}

	// Zero remaining quantity is terminal regardless of how it happened.
	if snap.RemainingQty <= 0 {
		ev.Changes = append(ev.Changes, StateChange{
			To:      position.StateClosed,
			Trigger: "remaining quantity reached zero",
		})
		return ev
	}

	r := snap.RMultiple
	state := snap.State
	for _, tr := range transitionTable {
		if tr.from == state && r >= tr.minR {
			ev.Changes = append(ev.Changes, StateChange{
				To:      tr.to,
				Trigger: fmt.Sprintf("r-multiple %.2f crossed %.1fR", r, tr.minR),
			})
			state = tr.to
		}
	}

	if r >= m.breakevenR {
		if next, improved := NextStop(m.trailerFor(snap.Symbol), snap.Side, snap.EntryPrice, snap.InitialStop, snap.CurrentPrice, snap.Protection.StopPrice); improved {
			ev.Commands = append(ev.Commands, Command{
				Kind:       MoveStop,
				PositionID: snap.ID,
				Symbol:     snap.Symbol,
				Side:       snap.Side,
				NewStop:    next,
				Budget:     StopMoveBudget,
				Trigger:    fmt.Sprintf("trail to %.4f at %.2fR", next, r),
				IssuedAt:   time.Now(),
			})
		}
	}

	for _, exit := range m.scheduler.Pending(snap) {
		ev.Commands = append(ev.Commands, Command{
			Kind:       MilestoneExit,
			PositionID: snap.ID,
			Symbol:     snap.Symbol,
			Side:       snap.Side,
			ExitQty:    exit.Qty,
			Milestone:  exit.R,
			Budget:     MilestoneExitBudget,
			Trigger:    fmt.Sprintf("%.1fR milestone crossed at %.2fR", exit.R, r),
			IssuedAt:   time.Now(),
		})
	}

	return ev
}
