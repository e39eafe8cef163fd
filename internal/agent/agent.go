package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/protocol"
)

// Agent pushes one record per interval to the collector and waits for the
// reply before sleeping. It never reconnects: a lost connection ends Run.
type Agent struct {
	cfg     Config
	sampler *Sampler
	logger  *slog.Logger

	sent     atomic.Int64
	acked    atomic.Int64
	rejected atomic.Int64
}

func New(cfg Config, sampler *Sampler, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Agent{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With("component", "agent", "hostname", sampler.Hostname()),
	}
}

// Stats returns the exchange counters so far.
func (a *Agent) Stats() Stats {
	return Stats{
		Sent:     a.sent.Load(),
		Acked:    a.acked.Load(),
		Rejected: a.rejected.Load(),
	}
}

// Run connects to the collector and loops until ctx is cancelled or the
// connection fails. Cancellation closes the connection and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.CollectorAddr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to collector %s: %w", a.cfg.CollectorAddr, err)
	}
	defer conn.Close()

	// Unblocks any pending read or write when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	a.logger.Info("connected",
		"collector_addr", a.cfg.CollectorAddr,
		"local_addr", conn.LocalAddr().String(),
		"interval_ms", a.cfg.Interval.Milliseconds(),
	)

	replies := protocol.NewLineReader(conn)
	for {
		if err := a.exchange(ctx, conn, replies); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		timer := time.NewTimer(a.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// exchange runs one sample, send, await-reply cycle.
func (a *Agent) exchange(ctx context.Context, conn net.Conn, replies *protocol.LineReader) error {
	rec := a.sampler.Sample(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := protocol.WriteRecord(conn, rec); err != nil {
		return err
	}
	a.sent.Add(1)

	reply, err := replies.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("read reply: %w", err)
	}

	if protocol.IsAck(reply) {
		a.acked.Add(1)
		a.logger.Debug("record_acked",
			"timestamp", rec.Timestamp,
			"cpu_usage", rec.CPUUsage,
			"memory_free", rec.MemoryFree(),
			"disk_free", rec.DiskFree(),
		)
		return nil
	}
	a.rejected.Add(1)
	a.logger.Warn("record_rejected", "timestamp", rec.Timestamp, "reply", strings.TrimRight(reply, "\r\n"))
	return nil
}
