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

	"github.com/bc-dunia/hostpulse/internal/agent"
	"github.com/bc-dunia/hostpulse/internal/config"
	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/stats"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadAgent(os.Args[1:])
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler := agent.NewSampler(ctx, stats.NewHostProvider(), agent.SamplerConfig{
		Hostname:         cfg.Hostname,
		CPUWindow:        cfg.CPUWindow,
		DiskPath:         cfg.DiskPath,
		FallbackDiskPath: cfg.FallbackDiskPath,
	}, logger)

	a := agent.New(agent.Config{
		CollectorAddr: cfg.CollectorAddr,
		Interval:      cfg.Interval,
		DialTimeout:   cfg.DialTimeout,
	}, sampler, logger)

	logger.Info("agent_started",
		"collector_addr", cfg.CollectorAddr,
		"hostname", sampler.Hostname(),
		"interval", cfg.Interval.String(),
	)

	runErr := a.Run(ctx)

	s := a.Stats()
	logger.Info("agent_stopped", "sent", s.Sent, "acked", s.Acked, "rejected", s.Rejected)

	if runErr != nil {
		logger.Error("agent_failed", "error", runErr)
		return 1
	}
	return 0
}
