package collector

import (
	"log/slog"
	"sort"

	"github.com/bc-dunia/hostpulse/internal/metrics"
	"github.com/bc-dunia/hostpulse/internal/store"
)

// HostSummary describes one host's history at a point in time.
type HostSummary struct {
	Hostname       string  `json:"hostname"`
	Records        int     `json:"records"`
	FirstTimestamp int64   `json:"first_timestamp"`
	LastTimestamp  int64   `json:"last_timestamp"`
	LastCPUUsage   float64 `json:"last_cpu_usage"`
	LastMemoryUsed uint64  `json:"last_memory_used"`
	LastDiskUsed   uint64  `json:"last_disk_used"`
}

// Summarize reduces a consistent snapshot of the store to one entry per host,
// sorted by hostname. First and last refer to arrival order.
func Summarize(st *store.MetricsStore) []HostSummary {
	snap := st.Snapshot()
	out := make([]HostSummary, 0, len(snap))
	for host, recs := range snap {
		if len(recs) == 0 {
			continue
		}
		last := recs[len(recs)-1]
		out = append(out, HostSummary{
			Hostname:       host,
			Records:        len(recs),
			FirstTimestamp: recs[0].Timestamp,
			LastTimestamp:  last.Timestamp,
			LastCPUUsage:   last.CPUUsage,
			LastMemoryUsed: last.MemoryUsed,
			LastDiskUsed:   last.DiskUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// LogStoreSummary writes one line per host plus a total.
func LogStoreSummary(logger *slog.Logger, st *store.MetricsStore) {
	summaries := Summarize(st)
	total := 0
	for _, s := range summaries {
		total += s.Records
		logger.Info("host_summary",
			"hostname", s.Hostname,
			"records", s.Records,
			"first_timestamp", s.FirstTimestamp,
			"last_timestamp", s.LastTimestamp,
			"last_cpu_usage", s.LastCPUUsage,
		)
	}
	logger.Info("store_summary", "hosts", len(summaries), "records", total)
}

// LogConnectionSummary writes the tracker totals and the last recent close events.
func LogConnectionSummary(logger *slog.Logger, tracker *metrics.ConnectionTracker, recent int) {
	stats := tracker.Stats()
	logger.Info("connection_summary",
		"total", stats.TotalConnections,
		"active", tracker.ActiveCount(),
		"accepted", stats.RecordsAccepted,
		"rejected", stats.RecordsRejected,
		"reject_rate", stats.RejectRate,
		"avg_lifetime_ms", stats.AvgConnectionLifetimeMs,
	)

	for _, ev := range tracker.GetRecentEvents(recent) {
		if ev.EventType != metrics.EventTypeClosed {
			continue
		}
		logger.Info("connection_history",
			"conn_id", ev.ConnID,
			"remote_addr", ev.RemoteAddr,
			"reason", string(ev.Reason),
			"duration_ms", ev.DurationMs,
		)
	}
}
