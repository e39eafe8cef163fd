// Package metrics tracks agent connection lifecycles on the collector.
package metrics

import (
	"sync"
	"time"

	"github.com/bc-dunia/hostpulse/internal/config"
)

// ConnectionEventType represents the type of connection event.
type ConnectionEventType string

const (
	EventTypeOpened ConnectionEventType = "opened"
	EventTypeClosed ConnectionEventType = "closed"
)

// CloseReason represents why a connection handler ended.
type CloseReason string

const (
	CloseReasonClientClose CloseReason = "client_close"
	CloseReasonNetwork     CloseReason = "network_error"
	CloseReasonShutdown    CloseReason = "shutdown"
	CloseReasonUnknown     CloseReason = "unknown"
)

// ConnectionEvent represents a single connection lifecycle event.
type ConnectionEvent struct {
	ConnID     string              `json:"conn_id"`
	RemoteAddr string              `json:"remote_addr"`
	EventType  ConnectionEventType `json:"event_type"`
	Timestamp  time.Time           `json:"timestamp"`
	Reason     CloseReason         `json:"reason,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
}

// ConnectionMetrics holds counters for one open agent connection.
type ConnectionMetrics struct {
	ConnID       string    `json:"conn_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Hostname     string    `json:"hostname,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Accepted     int64     `json:"accepted"`
	Rejected     int64     `json:"rejected"`
}

// ConnectionStats contains aggregated connection data.
type ConnectionStats struct {
	TotalConnections        int64                 `json:"total_connections"`
	ActiveConnections       int64                 `json:"active_connections"`
	ClosedConnections       int64                 `json:"closed_connections"`
	ClosedByReason          map[CloseReason]int64 `json:"closed_by_reason"`
	RecordsAccepted         int64                 `json:"records_accepted"`
	RecordsRejected         int64                 `json:"records_rejected"`
	RejectRate              float64               `json:"reject_rate"`
	AvgConnectionLifetimeMs float64               `json:"avg_connection_lifetime_ms"`
	Connections             []ConnectionMetrics   `json:"connections,omitempty"`
}

// ConnectionTracker records connection events and per-connection record counts.
// Closed connections are folded into the totals and dropped from the active set.
type ConnectionTracker struct {
	mu sync.RWMutex

	events    []ConnectionEvent
	maxEvents int
	active    map[string]*ConnectionMetrics

	totalOpened     int64
	totalClosed     int64
	closedByReason  map[CloseReason]int64
	totalAccepted   int64
	totalRejected   int64
	closedLifetimes time.Duration

	nowFunc func() time.Time
}

// NewConnectionTracker creates a new ConnectionTracker.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		events:         make([]ConnectionEvent, 0, 64),
		maxEvents:      config.DefaultEventBufferSize,
		active:         make(map[string]*ConnectionMetrics),
		closedByReason: make(map[CloseReason]int64),
		nowFunc:        time.Now,
	}
}

func (ct *ConnectionTracker) appendEvent(event ConnectionEvent) {
	if len(ct.events) >= ct.maxEvents {
		ct.events = ct.events[1:]
	}
	ct.events = append(ct.events, event)
}

// Opened registers a newly accepted connection.
func (ct *ConnectionTracker) Opened(connID, remoteAddr string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := ct.nowFunc()
	ct.totalOpened++
	ct.active[connID] = &ConnectionMetrics{
		ConnID:       connID,
		RemoteAddr:   remoteAddr,
		OpenedAt:     now,
		LastActiveAt: now,
	}
	ct.appendEvent(ConnectionEvent{
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		EventType:  EventTypeOpened,
		Timestamp:  now,
	})
}

// RecordAccepted counts a stored record and remembers the reporting hostname.
func (ct *ConnectionTracker) RecordAccepted(connID, hostname string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.totalAccepted++
	if conn, ok := ct.active[connID]; ok {
		conn.Accepted++
		conn.Hostname = hostname
		conn.LastActiveAt = ct.nowFunc()
	}
}

// RecordRejected counts a line answered with an error reply.
func (ct *ConnectionTracker) RecordRejected(connID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.totalRejected++
	if conn, ok := ct.active[connID]; ok {
		conn.Rejected++
		conn.LastActiveAt = ct.nowFunc()
	}
}

// Closed ends a connection. Unknown IDs are ignored.
func (ct *ConnectionTracker) Closed(connID string, reason CloseReason) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	conn, ok := ct.active[connID]
	if !ok {
		return
	}
	delete(ct.active, connID)

	if reason == "" {
		reason = CloseReasonUnknown
	}
	now := ct.nowFunc()
	lifetime := now.Sub(conn.OpenedAt)
	ct.totalClosed++
	ct.closedByReason[reason]++
	ct.closedLifetimes += lifetime
	ct.appendEvent(ConnectionEvent{
		ConnID:     connID,
		RemoteAddr: conn.RemoteAddr,
		EventType:  EventTypeClosed,
		Timestamp:  now,
		Reason:     reason,
		DurationMs: lifetime.Milliseconds(),
	})
}

// ActiveCount returns the number of open connections.
func (ct *ConnectionTracker) ActiveCount() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.active)
}

// Stats computes aggregated connection data. The returned value shares no
// memory with the tracker. Use GetRecentEvents for the event log.
func (ct *ConnectionTracker) Stats() *ConnectionStats {
	ct.mu.RLock()
	now := ct.nowFunc()
	stats := &ConnectionStats{
		TotalConnections:  ct.totalOpened,
		ActiveConnections: int64(len(ct.active)),
		ClosedConnections: ct.totalClosed,
		ClosedByReason:    make(map[CloseReason]int64, len(ct.closedByReason)),
		RecordsAccepted:   ct.totalAccepted,
		RecordsRejected:   ct.totalRejected,
		Connections:       make([]ConnectionMetrics, 0, len(ct.active)),
	}
	for reason, n := range ct.closedByReason {
		stats.ClosedByReason[reason] = n
	}

	lifetimes := ct.closedLifetimes
	for _, conn := range ct.active {
		stats.Connections = append(stats.Connections, *conn)
		lifetimes += now.Sub(conn.OpenedAt)
	}
	ct.mu.RUnlock()

	if stats.TotalConnections > 0 {
		stats.AvgConnectionLifetimeMs = float64(lifetimes.Milliseconds()) / float64(stats.TotalConnections)
	}
	if handled := stats.RecordsAccepted + stats.RecordsRejected; handled > 0 {
		stats.RejectRate = float64(stats.RecordsRejected) / float64(handled)
	}
	return stats
}

// GetRecentEvents returns the most recent N events.
func (ct *ConnectionTracker) GetRecentEvents(n int) []ConnectionEvent {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if n <= 0 || len(ct.events) == 0 {
		return nil
	}

	start := len(ct.events) - n
	if start < 0 {
		start = 0
	}

	result := make([]ConnectionEvent, len(ct.events)-start)
	copy(result, ct.events[start:])
	return result
}

// GetConnection returns a copy of the counters for an open connection.
func (ct *ConnectionTracker) GetConnection(connID string) *ConnectionMetrics {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if conn, ok := ct.active[connID]; ok {
		copy := *conn
		return &copy
	}
	return nil
}
