// Package position holds the authoritative in-memory record of every open
// position and its protection order set. All reads go through copy-on-read
// snapshots; all mutations go through the Tracker.
package position

import (
	"time"

	"profitguard/internal/broker"
)

// State is the protection lifecycle stage of a position. Transitions are
// monotonic; CLOSED is terminal.
type State string

const (
	StateInitialRisk         State = "INITIAL_RISK"
	StateBreakevenProtected  State = "BREAKEVEN_PROTECTED"
	StatePartialProfitTaken  State = "PARTIAL_PROFIT_TAKEN"
	StateAdvancedProfitTaken State = "ADVANCED_PROFIT_TAKEN"
	StateClosed              State = "CLOSED"
)

// rank orders states for the monotonicity check. Higher rank never
// transitions back to a lower one.
func (s State) rank() int {
	switch s {
	case StateInitialRisk:
		return 0
	case StateBreakevenProtected:
		return 1
	case StatePartialProfitTaken:
		return 2
	case StateAdvancedProfitTaken:
		return 3
	case StateClosed:
		return 4
	default:
		return -1
	}
}

// After reports whether s is strictly later in the lifecycle than other.
func (s State) After(other State) bool { return s.rank() > other.rank() }

// TargetLeg is one live take-profit order at the broker. Filled accumulates
// partial executions; the leg is retired once fills consume its quantity.
type TargetLeg struct {
	OrderID string  `json:"orderId"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Filled  float64 `json:"filled,omitempty"`
}

// ProtectionOrderSet is the stop leg plus zero or more target legs live at
// the broker for one position. It is only ever replaced as a whole.
type ProtectionOrderSet struct {
	StopOrderID string      `json:"stopOrderId"`
	StopPrice   float64     `json:"stopPrice"`
	Targets     []TargetLeg `json:"targets,omitempty"`
}

// MilestoneExit records a completed partial exit at an R milestone.
type MilestoneExit struct {
	R   float64   `json:"r"`
	Qty float64   `json:"qty"`
	Ts  time.Time `json:"ts"`
}

// Position is the tracker-owned record of one open position.
type Position struct {
	ID           string             `json:"id"`
	Symbol       string             `json:"symbol"`
	Side         broker.Side        `json:"side"`
	OriginalQty  float64            `json:"originalQty"`
	RemainingQty float64            `json:"remainingQty"`
	EntryPrice   float64            `json:"entryPrice"`
	EntryTime    time.Time          `json:"entryTime"`
	InitialStop  float64            `json:"initialStop"`
	CurrentPrice float64            `json:"currentPrice"`
	State        State              `json:"state"`
	Protection   ProtectionOrderSet `json:"protection"`
	Exits        []MilestoneExit    `json:"exits,omitempty"`
	Unprotected  bool               `json:"unprotected"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Snapshot is a detached copy of a Position handed to readers. Derived
// fields are computed at copy time.
type Snapshot struct {
	Position
	RMultiple float64 `json:"rMultiple"`
}

// RMultiple is profit normalized by initial risk: favorable excursion
// divided by the entry-to-initial-stop distance, sign-flipped for shorts.
func RMultiple(side broker.Side, entry, initialStop, current float64) float64 {
	risk := entry - initialStop
	if side == broker.Sell {
		risk = initialStop - entry
	}
	if risk <= 0 {
		return 0
	}
	if side == broker.Sell {
		return (entry - current) / risk
	}
	return (current - entry) / risk
}

// ExitedQty is the total quantity realized across milestone exits.
func (p *Position) ExitedQty() float64 {
	var sum float64
	for _, e := range p.Exits {
		sum += e.Qty
	}
	return sum
}

// MilestoneDone reports whether the exit for milestone r has already been
// scheduled or completed.
func (p *Position) MilestoneDone(r float64) bool {
	for _, e := range p.Exits {
		if e.R == r {
			return true
		}
	}
	return false
}

func (p *Position) snapshot() Snapshot {
	cp := *p
	cp.Exits = append([]MilestoneExit(nil), p.Exits...)
	cp.Protection.Targets = append([]TargetLeg(nil), p.Protection.Targets...)
	return Snapshot{
		Position:  cp,
		RMultiple: RMultiple(p.Side, p.EntryPrice, p.InitialStop, p.CurrentPrice),
	}
}

// TransitionEvent is the append-only audit record of one state change.
type TransitionEvent struct {
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	OldState   State     `json:"oldState"`
	NewState   State     `json:"newState"`
	Trigger    string    `json:"trigger"`
	Ts         time.Time `json:"ts"`
}
