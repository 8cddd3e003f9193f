package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"profitguard/internal/broker"
	"profitguard/internal/cfg"
	"profitguard/internal/engine"
	"profitguard/internal/metrics"
	"profitguard/internal/position"
	"profitguard/internal/reconcile"
	"profitguard/internal/recovery"
	"profitguard/internal/risk"
	"profitguard/internal/sequencer"
	"profitguard/internal/storage"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	tracker := position.NewTracker(c.StaleTickBound, m)
	rec := recovery.NewManager(recovery.Config{
		FatalWindow:      c.FatalWindow,
		FatalThreshold:   c.FatalThreshold,
		ConnFailureLimit: c.ConnFailureLimit,
	}, m)

	rest := broker.NewREST(c.Key, c.Secret, c.BaseURL, c.RESTTimeout)
	seq := sequencer.New(rest, tracker, rec, m, sequencer.Config{
		MaxRetries:  c.MaxRetries,
		BackoffBase: c.BackoffBase,
		CallTimeout: c.RESTTimeout,
		DryRun:      c.DryRun,
	})
	defer seq.Stop()

	eng := engine.New(tracker, buildMachine(c), seq, auditSink(store), rec, m)
	restorePositions(eng, store)

	recon := reconcile.NewLoop(rest, tracker, auditSink(store), rec, m, c.ReconcileInterval)
	// Broker truth first: reconcile restored state before any tick lands.
	if err := recon.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("startup reconciliation failed")
	}

	startMetricsServer(ctx, c)

	ticks := make(chan broker.Tick, 64)
	fills := make(chan broker.Fill, 64)
	errs := make(chan error, 32)

	ws := broker.NewWS(c.WsURL)
	startEventStream(ctx, ws, c, ticks, fills, errs)

	var wg sync.WaitGroup
	startEngine(ctx, &wg, eng)
	startReconcileLoop(ctx, &wg, recon)
	startTickHandler(ctx, &wg, tracker, ticks)
	startFillHandler(ctx, &wg, tracker, fills, m)
	startErrorHandler(ctx, &wg, errs, m)

	waitForShutdown(ctx, cancel, &wg)
}

// initializeStorage opens persistence if DATA_PATH is configured.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// auditSink avoids handing a typed-nil *storage.Store to the engine.
func auditSink(store *storage.Store) engine.AuditSink {
	if store == nil {
		return nil
	}
	return store
}

func buildMachine(c cfg.Settings) *risk.Machine {
	var milestones []risk.Milestone
	for _, mc := range c.Milestones {
		milestones = append(milestones, risk.Milestone{R: mc.R, Fraction: mc.Fraction})
	}
	machine := risk.NewMachine(risk.FractionTrailer{Fraction: c.TrailFraction}, risk.NewScheduler(milestones))
	for symbol := range c.SymbolConfigs {
		machine.SetSymbolTrailer(symbol, risk.FractionTrailer{Fraction: c.TrailFractionFor(symbol)})
	}
	return machine
}

func restorePositions(eng *engine.Engine, store *storage.Store) {
	if store == nil {
		return
	}
	snaps, err := store.LoadSnapshots()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted snapshots")
		return
	}
	eng.Restore(snaps)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func startEventStream(ctx context.Context, ws broker.WS, c cfg.Settings, ticks chan broker.Tick, fills chan broker.Fill, errs chan error) {
	go func() {
		if err := ws.Stream(ctx, c.Symbols, ticks, fills, errs, c.Ping); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("broker event stream ended")
			errs <- err
		}
	}()
}

func startEngine(ctx context.Context, wg *sync.WaitGroup, eng *engine.Engine) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()
}

func startReconcileLoop(ctx context.Context, wg *sync.WaitGroup, recon *reconcile.Loop) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		recon.Run(ctx)
	}()
}

func startTickHandler(ctx context.Context, wg *sync.WaitGroup, tracker *position.Tracker, ticks chan broker.Tick) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticks:
				err := tracker.Update(position.Tick{Symbol: t.Symbol, Price: t.Price, Ts: t.Ts})
				if err != nil && err != position.ErrStaleTick && err != position.ErrUnknownPosition && err != position.ErrClosed {
					log.Warn().Err(err).Str("symbol", t.Symbol).Msg("tick update failed")
				}
			}
		}
	}()
}

func startFillHandler(ctx context.Context, wg *sync.WaitGroup, tracker *position.Tracker, fills chan broker.Fill, m *metrics.Metrics) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-fills:
				m.FillsInc()
				if err := tracker.OnFill(f.OrderID, f.Qty, f.Price); err != nil {
					log.Debug().Err(err).Str("order_id", f.OrderID).Msg("fill not applied")
				}
			}
		}
	}()
}

func startErrorHandler(ctx context.Context, wg *sync.WaitGroup, errs chan error, m *metrics.Metrics) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Error().Err(err).Msg("background error")
				if errors.Is(err, broker.ErrReconnect) {
					m.WSReconnects.Inc()
				} else {
					m.ErrorsTotal.Inc()
				}
			}
		}
	}()
}

// waitForShutdown waits for shutdown signals and drains goroutines.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
