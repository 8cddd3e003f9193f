package risk

import "profitguard/internal/broker"

// Trailer proposes a stop price for the current market. Implementations
// only need the monotonicity contract: whatever they propose is clamped by
// NextStop so the stop never moves against the position.
type Trailer interface {
	Propose(side broker.Side, entry, initialStop, current float64) float64
}

// FractionTrailer locks breakeven once one full unit of risk is earned and
// then trails by a fixed fraction of the excursion beyond that point.
type FractionTrailer struct {
	// Fraction of favorable excursion beyond 1R to lock in, in [0, 1).
	Fraction float64
}

func (ft FractionTrailer) Propose(side broker.Side, entry, initialStop, current float64) float64 {
	risk := entry - initialStop
	if side == broker.Sell {
		risk = initialStop - entry
	}
	if risk <= 0 {
		return initialStop
	}

	if side == broker.Sell {
		if current > entry-risk {
			// Below 1R: stop stays at the original risk-defined level.
			return initialStop
		}
		beyond := (entry - risk) - current
		return entry - ft.Fraction*beyond
	}

	if current < entry+risk {
		return initialStop
	}
	beyond := current - (entry + risk)
	return entry + ft.Fraction*beyond
}

// Clamp enforces monotonic improvement: the winning stop is the one that is
// never worse for the position than the prior stop.
func Clamp(side broker.Side, prior, proposed float64) float64 {
	if side == broker.Sell {
		if proposed < prior {
			return proposed
		}
		return prior
	}
	if proposed > prior {
		return proposed
	}
	return prior
}

// NextStop is the pure trailing-stop function: it runs the trailer and
// clamps the result against the prior stop. The second return reports
// whether the stop actually improved.
func NextStop(t Trailer, side broker.Side, entry, initialStop, current, priorStop float64) (float64, bool) {
	proposed := t.Propose(side, entry, initialStop, current)
	next := Clamp(side, priorStop, proposed)
	return next, next != priorStop
}
