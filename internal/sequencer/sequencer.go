// Package sequencer is the only writer of broker-side order state. Every
// protection mutation for a symbol runs on that symbol's single worker, so
// no two order batches for one position can ever interleave.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"profitguard/internal/broker"
	"profitguard/internal/risk"
)

// TrackerStore is the slice of the position tracker the sequencer mutates
// after successful broker calls.
type TrackerStore interface {
	StopOrder(symbol string) (orderID string, price float64, err error)
	SetStopOrder(symbol, orderID string, price float64) error
	AddTargetOrder(symbol, orderID string, price, qty float64) error
	FlagUnprotected(symbol, cause string)
}

// FailureSink receives hard failures for classification and defensive-mode
// decisions.
type FailureSink interface {
	RecordFailure(symbol string, err error)
	RecordBrokerCall(ok bool)
}

// MetricsSink is the subset of metrics the sequencer reports to.
type MetricsSink interface {
	CommandsInc(kind string)
	RetriesInc()
	ConflictsInc()
	RollbacksInc()
	LatencyViolationsInc()
	CommandDurationObserve(seconds float64)
}

// Config tunes retry and timeout behavior. Zero durations select defaults
// matching the protection contract: 3 retries at 1s/2s/4s. MaxRetries is
// taken literally; 0 disables retries, negative selects the default.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	CallTimeout time.Duration
	DryRun      bool
	QueueSize   int
}

func (c *Config) setDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
}

// Sequencer applies protection commands against the broker, one worker per
// symbol.
type Sequencer struct {
	api      broker.API
	tracker  TrackerStore
	failures FailureSink
	metrics  MetricsSink
	cfg      Config

	seq atomic.Uint64

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	symbol string
	queue  chan risk.Command
}

// New builds a sequencer. Stop detaches all workers.
func New(api broker.API, tracker TrackerStore, failures FailureSink, metrics MetricsSink, cfg Config) *Sequencer {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		api:      api,
		tracker:  tracker,
		failures: failures,
		metrics:  metrics,
		cfg:      cfg,
		workers:  make(map[string]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Stop shuts down all symbol workers and waits for in-flight commands.
func (s *Sequencer) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Apply enqueues a command on its symbol's worker. Commands for the same
// position execute strictly one at a time in enqueue order; other symbols
// are unaffected by this symbol's broker latency.
func (s *Sequencer) Apply(cmd risk.Command) error {
	w := s.workerFor(cmd.Symbol)
	select {
	case w.queue <- cmd:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// DropPending discards queued, not-yet-started commands for a symbol. Used
// when a position transitions to CLOSED; a command already executing is
// allowed to complete.
func (s *Sequencer) DropPending(symbol string) {
	s.mu.Lock()
	w, ok := s.workers[symbol]
	s.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case cmd := <-w.queue:
			log.Debug().
				Str("symbol", symbol).
				Str("kind", cmd.Kind.String()).
				Msg("dropped queued command for closed position")
		default:
			return
		}
	}
}

func (s *Sequencer) workerFor(symbol string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[symbol]; ok {
		return w
	}
	w := &worker{symbol: symbol, queue: make(chan risk.Command, s.cfg.QueueSize)}
	s.workers[symbol] = w
	s.wg.Add(1)
	go s.run(w)
	return w
}

func (s *Sequencer) run(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-w.queue:
			s.execute(cmd)
		}
	}
}

func (s *Sequencer) execute(cmd risk.Command) {
	start := time.Now()
	if cmd.Budget > 0 && !cmd.IssuedAt.IsZero() {
		if lag := start.Sub(cmd.IssuedAt); lag > cmd.Budget {
			if s.metrics != nil {
				s.metrics.LatencyViolationsInc()
			}
			log.Warn().
				Str("symbol", cmd.Symbol).
				Str("kind", cmd.Kind.String()).
				Dur("lag", lag).
				Dur("budget", cmd.Budget).
				Msg("command submit exceeded latency budget")
		}
	}
	if s.metrics != nil {
		s.metrics.CommandsInc(cmd.Kind.String())
		defer func() {
			s.metrics.CommandDurationObserve(time.Since(start).Seconds())
		}()
	}

	var err error
	switch cmd.Kind {
	case risk.MoveStop:
		err = s.moveStop(cmd)
	case risk.MilestoneExit:
		err = s.exitQuantity(cmd, cmd.ExitQty, fmt.Sprintf("%.1fR milestone", cmd.Milestone))
	case risk.ClosePosition:
		err = s.exitQuantity(cmd, cmd.ExitQty, "close request")
	default:
		err = fmt.Errorf("unknown command kind %v", cmd.Kind)
	}
	if err != nil {
		if s.failures != nil {
			s.failures.RecordFailure(cmd.Symbol, err)
		}
		log.Error().
			Err(err).
			Str("symbol", cmd.Symbol).
			Str("kind", cmd.Kind.String()).
			Str("trigger", cmd.Trigger).
			Msg("protection command failed")
	}
}

// moveStop replaces the stop leg: cancel the live stop, confirm, then
// create the new one. Cancel always precedes create so the shares backing
// the stop are never claimed by two orders at once. If the create fails
// after a successful cancel, the prior stop is restored best-effort.
func (s *Sequencer) moveStop(cmd risk.Command) error {
	priorID, priorPrice, err := s.tracker.StopOrder(cmd.Symbol)
	if err != nil {
		return fmt.Errorf("move stop: %w", err)
	}

	// A stale command can propose a stop the current one already beats.
	// Monotonicity says drop it silently.
	if priorPrice != 0 && risk.Clamp(cmd.Side, priorPrice, cmd.NewStop) == priorPrice {
		log.Debug().
			Str("symbol", cmd.Symbol).
			Float64("proposed", cmd.NewStop).
			Float64("current", priorPrice).
			Msg("discarding non-improving stop move")
		return nil
	}

	if s.cfg.DryRun {
		log.Info().
			Str("symbol", cmd.Symbol).
			Float64("new_stop", cmd.NewStop).
			Msg("dry-run: would move stop")
		return s.tracker.SetStopOrder(cmd.Symbol, priorID, cmd.NewStop)
	}

	if priorID != "" {
		cancelOp := s.newOperation("cancel stop " + priorID)
		if err := s.callWithRetry(cancelOp, func(ctx context.Context) error {
			return s.api.CancelOrder(ctx, priorID)
		}, nil); err != nil {
			if broker.IsConflict(err) && s.stopGoneAtBroker(priorID) {
				// Already cancelled or filled out from under us; the
				// create below proceeds against broker truth.
				log.Warn().Str("symbol", cmd.Symbol).Str("order_id", priorID).
					Msg("stop already gone at broker, proceeding with create")
			} else {
				return fmt.Errorf("cancel stop: %w", err)
			}
		}
	}

	createOp := s.newOperation("create stop")
	newID, err := s.submitWithRetry(createOp, s.stopSpec(cmd.Symbol, cmd.Side, cmd.NewStop, createOp.ClientOrderID),
		s.cancelLingering(priorID))
	if err == nil {
		return s.tracker.SetStopOrder(cmd.Symbol, newID, cmd.NewStop)
	}

	// The position is now exposed: the old stop is cancelled and the new
	// one was rejected. Restore the prior stop at its prior price.
	if s.metrics != nil {
		s.metrics.RollbacksInc()
	}
	log.Warn().
		Err(err).
		Str("symbol", cmd.Symbol).
		Float64("prior_stop", priorPrice).
		Msg("stop create failed after cancel, restoring prior stop")

	restoreOp := s.newOperation("restore stop")
	restoredID, rbErr := s.submitWithRetry(restoreOp, s.stopSpec(cmd.Symbol, cmd.Side, priorPrice, restoreOp.ClientOrderID),
		s.cancelLingering(createOp.ClientOrderID))
	if rbErr != nil {
		s.tracker.FlagUnprotected(cmd.Symbol, fmt.Sprintf("stop restore failed: %v", rbErr))
		return fmt.Errorf("stop create failed (%v) and restore failed: %w", err, rbErr)
	}
	if terr := s.tracker.SetStopOrder(cmd.Symbol, restoredID, priorPrice); terr != nil {
		return fmt.Errorf("stop restored but tracker update failed: %w", terr)
	}
	return fmt.Errorf("create stop (prior restored): %w", err)
}

// exitQuantity submits a reduce-only market order for part or all of the
// remaining position.
func (s *Sequencer) exitQuantity(cmd risk.Command, qty float64, reason string) error {
	if qty <= 0 {
		return fmt.Errorf("exit %s: non-positive quantity %f", cmd.Symbol, qty)
	}
	if s.cfg.DryRun {
		log.Info().
			Str("symbol", cmd.Symbol).
			Float64("qty", qty).
			Str("reason", reason).
			Msg("dry-run: would exit quantity")
		return nil
	}

	op := s.newOperation("exit " + reason)
	spec := broker.OrderSpec{
		ClientOrderID: op.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          exitSide(cmd.Side),
		Type:          broker.TypeMarket,
		Qty:           qty,
		ReduceOnly:    true,
	}
	orderID, err := s.submitWithRetry(op, spec, nil)
	if err != nil {
		return fmt.Errorf("exit %s (%s): %w", cmd.Symbol, reason, err)
	}
	if err := s.tracker.AddTargetOrder(cmd.Symbol, orderID, 0, qty); err != nil {
		return fmt.Errorf("exit submitted but tracker update failed: %w", err)
	}
	log.Info().
		Str("symbol", cmd.Symbol).
		Str("order_id", orderID).
		Float64("qty", qty).
		Str("reason", reason).
		Msg("exit order submitted")
	return nil
}

// exitSide is the order side that reduces the position.
func exitSide(positionSide broker.Side) broker.Side {
	if positionSide == broker.Buy {
		return broker.Sell
	}
	return broker.Buy
}

func (s *Sequencer) stopSpec(symbol string, side broker.Side, stopPrice float64, clientID string) broker.OrderSpec {
	return broker.OrderSpec{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          exitSide(side),
		Type:          broker.TypeStop,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
	}
}

// stopGoneAtBroker re-fetches broker order state after a cancel conflict to
// decide whether the stop already disappeared on its own.
func (s *Sequencer) stopGoneAtBroker(orderID string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()

	orders, err := s.api.GetOrders(ctx)
	if err != nil {
		return false
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return false
		}
	}
	return true
}

// submitWithRetry runs SubmitOrder under the retry policy and returns the
// broker order id.
func (s *Sequencer) submitWithRetry(op *operation, spec broker.OrderSpec, resync func(context.Context)) (string, error) {
	var orderID string
	err := s.callWithRetry(op, func(ctx context.Context) error {
		id, err := s.api.SubmitOrder(ctx, spec)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	}, resync)
	return orderID, err
}

// cancelLingering re-fetches broker order state after a create conflict and
// cancels any order matching a suspect id, broker-assigned or client-side.
// A conflict on a reduce-only create usually means the shares are still
// claimed by an order we believed gone; clearing it lets the single conflict
// retry run against refreshed broker state.
func (s *Sequencer) cancelLingering(suspects ...string) func(context.Context) {
	return func(ctx context.Context) {
		orders, err := s.api.GetOrders(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("conflict re-sync: order fetch failed")
			return
		}
		for _, o := range orders {
			for _, id := range suspects {
				if id == "" || (o.OrderID != id && o.ClientOrderID != id) {
					continue
				}
				log.Warn().
					Str("symbol", o.Symbol).
					Str("order_id", o.OrderID).
					Msg("conflict re-sync: cancelling lingering order")
				if err := s.api.CancelOrder(ctx, o.OrderID); err != nil {
					log.Warn().Err(err).Str("order_id", o.OrderID).
						Msg("conflict re-sync: cancel failed")
				}
			}
		}
	}
}

// callWithRetry runs one broker call under the retry policy: transient
// failures back off exponentially for up to MaxRetries extra attempts, a
// conflict gets exactly one retry after the resync hook refreshes broker
// state, a rejection is final. The total attempt count never exceeds
// 1 + MaxRetries.
func (s *Sequencer) callWithRetry(op *operation, call func(context.Context) error, resync func(context.Context)) error {
	var lastErr error
	conflictRetried := false

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
		err := call(ctx)
		cancel()

		if s.failures != nil {
			s.failures.RecordBrokerCall(err == nil || !broker.IsTransient(err))
		}
		if err == nil {
			op.Status = OpCommitted
			return nil
		}
		lastErr = err
		op.RetryCount = attempt

		switch broker.Classify(err) {
		case broker.KindRejection:
			op.Status = OpFailed
			return err
		case broker.KindConflict:
			if s.metrics != nil {
				s.metrics.ConflictsInc()
			}
			if conflictRetried {
				op.Status = OpFailed
				return err
			}
			conflictRetried = true
			if resync != nil {
				rctx, rcancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
				resync(rctx)
				rcancel()
			}
		}

		if attempt == s.cfg.MaxRetries {
			break
		}
		if s.metrics != nil {
			s.metrics.RetriesInc()
		}
		delay := s.cfg.BackoffBase << uint(attempt)
		log.Warn().
			Err(err).
			Uint64("op_seq", op.Seq).
			Str("op", op.Desc).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("broker call failed, backing off")
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			op.Status = OpFailed
			return s.ctx.Err()
		}
	}

	op.Status = OpFailed
	return fmt.Errorf("broker call failed after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}
