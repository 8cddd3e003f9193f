package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"profitguard/internal/broker"
)

func rejection() error {
	return &broker.APIError{Kind: broker.KindRejection, Msg: "margin check failed"}
}

func TestFatalThresholdTripsDefensiveMode(t *testing.T) {
	m := NewManager(Config{FatalThreshold: 3}, nil)

	m.RecordFailure("BTCUSDT", rejection())
	m.RecordFailure("ETHUSDT", rejection())
	assert.True(t, m.AcceptingNewPositions(), "below threshold stays open")

	m.RecordFailure("SOLUSDT", rejection())
	assert.True(t, m.DefensiveMode())
	assert.False(t, m.AcceptingNewPositions())
}

func TestTransientFailuresDoNotCount(t *testing.T) {
	m := NewManager(Config{FatalThreshold: 2}, nil)

	transient := &broker.APIError{Kind: broker.KindTransient, Msg: "timeout"}
	conflict := &broker.APIError{Kind: broker.KindConflict, Msg: "version"}
	for i := 0; i < 10; i++ {
		m.RecordFailure("BTCUSDT", transient)
		m.RecordFailure("BTCUSDT", conflict)
	}
	assert.False(t, m.DefensiveMode(), "only hard rejections count toward the window")
}

func TestFatalWindowExpiresOldFailures(t *testing.T) {
	m := NewManager(Config{FatalWindow: 50 * time.Millisecond, FatalThreshold: 3}, nil)

	m.RecordFailure("BTCUSDT", rejection())
	m.RecordFailure("ETHUSDT", rejection())
	time.Sleep(60 * time.Millisecond)
	m.RecordFailure("SOLUSDT", rejection())

	assert.False(t, m.DefensiveMode(), "failures outside the window are forgotten")
}

func TestConnectivityLossTripsDefensiveMode(t *testing.T) {
	m := NewManager(Config{ConnFailureLimit: 5}, nil)

	for i := 0; i < 4; i++ {
		m.RecordBrokerCall(false)
	}
	assert.False(t, m.DefensiveMode())

	m.RecordBrokerCall(false)
	assert.True(t, m.DefensiveMode())
}

func TestSuccessfulCallResetsConsecutiveCount(t *testing.T) {
	m := NewManager(Config{ConnFailureLimit: 3}, nil)

	m.RecordBrokerCall(false)
	m.RecordBrokerCall(false)
	m.RecordBrokerCall(true)
	m.RecordBrokerCall(false)
	m.RecordBrokerCall(false)

	assert.False(t, m.DefensiveMode(), "consecutive counter resets on success")
}

func TestCleanReconciliationClearsDefensiveMode(t *testing.T) {
	m := NewManager(Config{FatalThreshold: 1}, nil)
	m.RecordFailure("BTCUSDT", rejection())
	assert.True(t, m.DefensiveMode())

	m.NotifyReconciliation(false)
	assert.True(t, m.DefensiveMode(), "an unprotected position keeps defensive mode on")

	m.NotifyReconciliation(true)
	assert.False(t, m.DefensiveMode())
	assert.True(t, m.AcceptingNewPositions())
}

func TestClearResetsFailureState(t *testing.T) {
	m := NewManager(Config{FatalThreshold: 2, ConnFailureLimit: 3}, nil)

	m.RecordFailure("BTCUSDT", rejection())
	m.RecordFailure("BTCUSDT", rejection())
	m.NotifyReconciliation(true)

	// One more failure must not re-trip: the window was cleared.
	m.RecordFailure("BTCUSDT", rejection())
	assert.False(t, m.DefensiveMode())
}

func TestReconciliationWhileHealthyIsNoop(t *testing.T) {
	m := NewManager(Config{}, nil)
	m.NotifyReconciliation(true)
	assert.False(t, m.DefensiveMode())
}
