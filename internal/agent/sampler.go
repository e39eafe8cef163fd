package agent

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/stats"
	"github.com/bc-dunia/hostpulse/internal/types"
)

const unknownHostname = "unknown"

// Sampler builds one Record per call from a stats.Provider.
// Every figure degrades to zero on its own; Sample never fails.
type Sampler struct {
	provider stats.Provider
	cfg      SamplerConfig
	hostname string
	logger   *slog.Logger
}

// NewSampler creates a Sampler. The hostname is resolved once here:
// the configured override, then the provider, then the OS, then "unknown".
func NewSampler(ctx context.Context, provider stats.Provider, cfg SamplerConfig, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = logging.Noop()
	}
	s := &Sampler{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "sampler"),
	}
	s.hostname = s.resolveHostname(ctx)
	return s
}

// Hostname returns the name stamped on every record.
func (s *Sampler) Hostname() string {
	return s.hostname
}

func (s *Sampler) resolveHostname(ctx context.Context) string {
	if s.cfg.Hostname != "" {
		return s.cfg.Hostname
	}
	name, err := s.provider.Hostname(ctx)
	if err == nil && name != "" {
		return name
	}
	if err != nil {
		s.logger.Warn("hostname_unavailable", "source", "provider", "error", err)
	}
	name, err = os.Hostname()
	if err == nil && name != "" {
		return name
	}
	return unknownHostname
}

// Sample queries CPU, memory and disk concurrently and returns the assembled
// record. The call takes roughly the CPU window.
func (s *Sampler) Sample(ctx context.Context) types.Record {
	var (
		cpuUsage            float64
		memTotal, memUsed   uint64
		diskTotal, diskUsed uint64
	)

	var g errgroup.Group
	g.Go(func() error {
		cpuUsage = s.sampleCPU(ctx)
		return nil
	})
	g.Go(func() error {
		memTotal, memUsed = s.sampleMemory(ctx)
		return nil
	})
	g.Go(func() error {
		diskTotal, diskUsed = s.sampleDisk(ctx)
		return nil
	})
	_ = g.Wait()

	return types.NewRecord(s.hostname, cpuUsage, memTotal, memUsed, diskTotal, diskUsed)
}

func (s *Sampler) sampleCPU(ctx context.Context) float64 {
	pct, err := s.provider.CPUPercent(ctx, s.cfg.CPUWindow)
	if err != nil {
		s.warnUnavailable(ctx, "cpu", err)
		return 0
	}
	return pct
}

func (s *Sampler) sampleMemory(ctx context.Context) (total, used uint64) {
	m, err := s.provider.Memory(ctx)
	if err != nil {
		s.warnUnavailable(ctx, "memory", err)
		return 0, 0
	}
	return m.Total, usedBytes(m.Total, m.Free)
}

func (s *Sampler) sampleDisk(ctx context.Context) (total, used uint64) {
	paths := []string{s.cfg.DiskPath}
	if s.cfg.FallbackDiskPath != "" && s.cfg.FallbackDiskPath != s.cfg.DiskPath {
		paths = append(paths, s.cfg.FallbackDiskPath)
	}

	var lastErr error
	for _, path := range paths {
		d, err := s.provider.Disk(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		return d.Total, usedBytes(d.Total, d.Free)
	}
	s.warnUnavailable(ctx, "disk", lastErr)
	return 0, 0
}

// warnUnavailable stays quiet once the context is done; the figure is
// discarded anyway on shutdown.
func (s *Sampler) warnUnavailable(ctx context.Context, subsystem string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Warn("sample_unavailable", "subsystem", subsystem, "error", err)
}

func usedBytes(total, free uint64) uint64 {
	if free > total {
		return 0
	}
	return total - free
}
