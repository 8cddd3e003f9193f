package risk

import (
	"sort"

	"profitguard/internal/position"
)

// Milestone binds an R-multiple threshold to the fraction of the original
// quantity exited when it is crossed.
type Milestone struct {
	R        float64
	Fraction float64
}

// DefaultMilestones: half off at 2R, a quarter at 3R, the final quarter at
// 4R, closing the position by milestone alone.
var DefaultMilestones = []Milestone{
	{R: 2.0, Fraction: 0.50},
	{R: 3.0, Fraction: 0.25},
	{R: 4.0, Fraction: 0.25},
}

// Exit is one scheduled partial close.
type Exit struct {
	R   float64
	Qty float64
}

// Scheduler decides which milestone exits are due for a position. It is
// stateless; already-scheduled milestones are read off the snapshot.
type Scheduler struct {
	milestones []Milestone
}

// NewScheduler builds a scheduler over an ascending milestone table. A nil
// table selects DefaultMilestones.
func NewScheduler(ms []Milestone) *Scheduler {
	if len(ms) == 0 {
		ms = DefaultMilestones
	}
	sorted := append([]Milestone(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].R < sorted[j].R })
	return &Scheduler{milestones: sorted}
}

// Pending returns the exits due at the snapshot's R-multiple, in ascending
// R order. When price gaps across several thresholds in one tick, every
// skipped milestone is returned in the same pass as a separate exit. The
// final exit is clamped so scheduled quantity never exceeds the original.
func (s *Scheduler) Pending(snap position.Snapshot) []Exit {
	scheduled := snap.ExitedQty()
	var due []Exit
	for _, m := range s.milestones {
		if snap.RMultiple < m.R || snap.MilestoneDone(m.R) {
			continue
		}
		qty := m.Fraction * snap.OriginalQty
		if remaining := snap.OriginalQty - scheduled; qty > remaining {
			qty = remaining
		}
		if qty <= 0 {
			break
		}
		due = append(due, Exit{R: m.R, Qty: qty})
		scheduled += qty
	}
	return due
}
