// Package stats supplies raw host resource figures to the agent.
// Each capability may fail on its own; callers decide how to degrade.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryStat holds physical memory figures in bytes.
type MemoryStat struct {
	Total uint64
	Free  uint64
}

// DiskStat holds filesystem space figures in bytes for one mount path.
type DiskStat struct {
	Path  string
	Total uint64
	Free  uint64
}

// Provider is the set of host capabilities the agent samples.
type Provider interface {
	// CPUPercent blocks for window and returns the utilisation measured across it.
	CPUPercent(ctx context.Context, window time.Duration) (float64, error)
	Memory(ctx context.Context) (MemoryStat, error)
	Disk(ctx context.Context, path string) (DiskStat, error)
	Hostname(ctx context.Context) (string, error)
}

// HostProvider reads figures from the local host through gopsutil.
type HostProvider struct{}

func NewHostProvider() *HostProvider {
	return &HostProvider{}
}

// CPUPercent returns the user-time share of the aggregate CPU time that elapsed
// during window, as a percentage.
func (p *HostProvider) CPUPercent(ctx context.Context, window time.Duration) (float64, error) {
	before, err := aggregateTimes(ctx)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	after, err := aggregateTimes(ctx)
	if err != nil {
		return 0, err
	}
	return UserPercent(before, after), nil
}

func aggregateTimes(ctx context.Context) (cpu.TimesStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, fmt.Errorf("read cpu times: %w", err)
	}
	if len(times) == 0 {
		return cpu.TimesStat{}, fmt.Errorf("read cpu times: no aggregate entry")
	}
	return times[0], nil
}

// UserPercent computes the user share of the total CPU time between two readings.
// It returns 0 when the counters did not advance.
func UserPercent(before, after cpu.TimesStat) float64 {
	totalDelta := after.Total() - before.Total()
	if totalDelta <= 0 {
		return 0
	}
	userDelta := after.User - before.User
	if userDelta < 0 {
		return 0
	}
	return 100 * userDelta / totalDelta
}

func (p *HostProvider) Memory(ctx context.Context) (MemoryStat, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryStat{}, fmt.Errorf("read virtual memory: %w", err)
	}
	return MemoryStat{Total: vm.Total, Free: vm.Free}, nil
}

func (p *HostProvider) Disk(ctx context.Context, path string) (DiskStat, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskStat{}, fmt.Errorf("read disk usage for %s: %w", path, err)
	}
	return DiskStat{Path: path, Total: usage.Total, Free: usage.Free}, nil
}

func (p *HostProvider) Hostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read host info: %w", err)
	}
	return info.Hostname, nil
}
