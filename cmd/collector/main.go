package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/hostpulse/internal/collector"
	"github.com/bc-dunia/hostpulse/internal/config"
	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/metrics"
	"github.com/bc-dunia/hostpulse/internal/otel"
	"github.com/bc-dunia/hostpulse/internal/store"
)

const recentConnectionEvents = 20

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadCollector(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Log.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx := context.Background()

	tel, err := otel.NewMetrics(ctx, cfg.MetricsConfig())
	if err != nil {
		logger.Error("metrics_init_failed", "error", err)
		return 1
	}
	otel.SetGlobalMetrics(tel)

	tracer, err := otel.NewTracer(ctx, cfg.TraceConfig())
	if err != nil {
		logger.Error("tracer_init_failed", "error", err)
		return 1
	}
	otel.SetGlobalTracer(tracer)

	st := store.NewMetricsStore()
	tel.ObserveStore(func() (int64, int64) {
		return int64(st.HostCount()), int64(st.Len())
	})

	tracker := metrics.NewConnectionTracker()
	srv := collector.NewServer(st, collector.Options{
		Addr:    cfg.Addr,
		Logger:  logger,
		Tracker: tracker,
		Metrics: tel,
		Tracer:  tracer,
	})
	if err := srv.Listen(); err != nil {
		logger.Error("listen_failed", "addr", cfg.Addr, "error", err)
		return 1
	}
	logger.Info("collector_started", "addr", srv.Addr())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx); err != nil && !errors.Is(err, collector.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigChan:
			logger.Info("shutdown_requested", "signal", sig.String(), "timeout", cfg.ShutdownTimeout.String())
		case <-gctx.Done():
			return nil
		}

		drainCtx, cancel := drainContext(cfg.ShutdownTimeout)
		defer cancel()
		go func() {
			select {
			case sig := <-sigChan:
				logger.Warn("shutdown_forced", "signal", sig.String())
				cancel()
			case <-drainCtx.Done():
			}
		}()
		return srv.Shutdown(drainCtx)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			logger.Warn("shutdown_incomplete", "error", err)
		} else {
			logger.Error("collector_failed", "error", err)
			exitCode = 1
		}
	}

	collector.LogStoreSummary(logger, st)
	collector.LogConnectionSummary(logger, tracker, recentConnectionEvents)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(flushCtx); err != nil {
		logger.Warn("tracer_shutdown_failed", "error", err)
	}
	if err := tel.Shutdown(flushCtx); err != nil {
		logger.Warn("metrics_shutdown_failed", "error", err)
	}

	logger.Info("collector_stopped")
	return exitCode
}

// drainContext bounds the drain by timeout; zero waits indefinitely.
func drainContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
