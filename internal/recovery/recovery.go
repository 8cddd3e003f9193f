// Package recovery classifies sustained broker failures and guards the
// engine with a process-wide defensive mode: no new positions are accepted
// until a reconciliation pass confirms every existing position's protection
// orders are intact.
package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"profitguard/internal/broker"
)

// MetricsSink is the subset of metrics the manager reports to.
type MetricsSink interface {
	DefensiveModeSet(float64)
	FatalFailuresInc()
}

// Config tunes the trip conditions for defensive mode.
type Config struct {
	// FatalWindow is the sliding window over which fatal failures are
	// counted across positions.
	FatalWindow time.Duration
	// FatalThreshold trips defensive mode when this many fatal failures
	// land inside FatalWindow.
	FatalThreshold int
	// ConnFailureLimit trips defensive mode after this many consecutive
	// failed broker calls (total connectivity loss).
	ConnFailureLimit int
}

func (c *Config) setDefaults() {
	if c.FatalWindow <= 0 {
		c.FatalWindow = 5 * time.Minute
	}
	if c.FatalThreshold <= 0 {
		c.FatalThreshold = 3
	}
	if c.ConnFailureLimit <= 0 {
		c.ConnFailureLimit = 10
	}
}

// Manager tracks failure pressure and owns the defensive-mode flag.
type Manager struct {
	cfg     Config
	metrics MetricsSink

	mu           sync.Mutex
	fatalTimes   []time.Time
	connFailures int

	defensive atomic.Bool
}

func NewManager(cfg Config, m MetricsSink) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg, metrics: m}
}

// RecordFailure receives a failed protection command. Transient and
// conflict failures were already resolved (or exhausted) inside the
// sequencer; only hard rejections count toward the fatal window.
func (m *Manager) RecordFailure(symbol string, err error) {
	if broker.Classify(err) != broker.KindRejection {
		return
	}
	if m.metrics != nil {
		m.metrics.FatalFailuresInc()
	}

	m.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-m.cfg.FatalWindow)
	kept := m.fatalTimes[:0]
	for _, t := range m.fatalTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.fatalTimes = append(kept, now)
	trip := len(m.fatalTimes) >= m.cfg.FatalThreshold
	m.mu.Unlock()

	log.Error().
		Err(err).
		Str("symbol", symbol).
		Msg("fatal protection failure")

	if trip {
		m.enterDefensive("repeated fatal failures")
	}
}

// RecordBrokerCall receives the outcome of every broker call so total
// connectivity loss is detected even without hard rejections. ok is false
// only for transient (network-class) failures.
func (m *Manager) RecordBrokerCall(ok bool) {
	m.mu.Lock()
	if ok {
		m.connFailures = 0
		m.mu.Unlock()
		return
	}
	m.connFailures++
	trip := m.connFailures >= m.cfg.ConnFailureLimit
	m.mu.Unlock()

	if trip {
		m.enterDefensive("broker connectivity lost")
	}
}

// NotifyReconciliation is called after each reconciliation sweep. A clean
// pass, with every position's protection intact, is the only way out of
// defensive mode.
func (m *Manager) NotifyReconciliation(allProtected bool) {
	if !m.defensive.Load() || !allProtected {
		return
	}
	m.defensive.Store(false)
	m.mu.Lock()
	m.fatalTimes = nil
	m.connFailures = 0
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.DefensiveModeSet(0)
	}
	log.Info().Msg("defensive mode cleared: reconciliation confirmed protection intact")
}

// DefensiveMode reports whether the engine is refusing new positions.
func (m *Manager) DefensiveMode() bool { return m.defensive.Load() }

// AcceptingNewPositions is the gate callers check before tracking a new
// position.
func (m *Manager) AcceptingNewPositions() bool { return !m.defensive.Load() }

func (m *Manager) enterDefensive(cause string) {
	if m.defensive.Swap(true) {
		return
	}
	if m.metrics != nil {
		m.metrics.DefensiveModeSet(1)
	}
	log.Error().Str("cause", cause).Msg("DEFENSIVE MODE: no new positions accepted")
}
