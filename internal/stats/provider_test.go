package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

func TestUserPercent(t *testing.T) {
	tests := []struct {
		name   string
		before cpu.TimesStat
		after  cpu.TimesStat
		want   float64
	}{
		{
			name:   "quarter user",
			before: cpu.TimesStat{User: 100, System: 50, Idle: 850},
			after:  cpu.TimesStat{User: 125, System: 60, Idle: 915},
			want:   25,
		},
		{
			name:   "idle only",
			before: cpu.TimesStat{Idle: 10},
			after:  cpu.TimesStat{Idle: 20},
			want:   0,
		},
		{
			name:   "no progress",
			before: cpu.TimesStat{User: 5, Idle: 5},
			after:  cpu.TimesStat{User: 5, Idle: 5},
			want:   0,
		},
		{
			name:   "counter went backwards",
			before: cpu.TimesStat{User: 50, Idle: 50},
			after:  cpu.TimesStat{User: 40, Idle: 70},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserPercent(tt.before, tt.after)
			if got != tt.want {
				t.Errorf("UserPercent = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestHostProviderCPUPercentHonoursContext(t *testing.T) {
	p := NewHostProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.CPUPercent(ctx, time.Hour); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestHostProviderMemory(t *testing.T) {
	p := NewHostProvider()
	m, err := p.Memory(context.Background())
	if err != nil {
		t.Skipf("memory stats unavailable on this platform: %v", err)
	}
	if m.Total == 0 {
		t.Error("expected non-zero memory total")
	}
	if m.Free > m.Total {
		t.Errorf("free %d exceeds total %d", m.Free, m.Total)
	}
}

func TestHostProviderDiskUnknownPath(t *testing.T) {
	p := NewHostProvider()
	if _, err := p.Disk(context.Background(), "/definitely/not/a/mount/point"); err == nil {
		t.Error("expected error for a missing path")
	}
}
