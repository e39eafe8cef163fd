// Package agent implements the host-side reporter: it samples local resource
// usage on a fixed interval and pushes each snapshot to the collector over one
// persistent connection.
package agent

import (
	"errors"
	"time"
)

// ErrConnectionClosed is returned by Run when the collector closes the stream.
var ErrConnectionClosed = errors.New("connection closed by collector")

// Config controls the agent loop.
type Config struct {
	// CollectorAddr is the host:port of the collector.
	CollectorAddr string

	// Interval is the pause between the end of one exchange and the next sample.
	Interval time.Duration

	// DialTimeout bounds the initial connect. Zero means no timeout.
	DialTimeout time.Duration
}

// SamplerConfig controls how a single record is assembled.
type SamplerConfig struct {
	// Hostname overrides the provider's hostname when non-empty.
	Hostname string

	// CPUWindow is the measurement window for CPU utilisation.
	CPUWindow time.Duration

	// DiskPath is the primary filesystem to report.
	DiskPath string

	// FallbackDiskPath is tried when DiskPath fails. Empty disables the fallback.
	FallbackDiskPath string
}

// Stats counts the agent's exchanges with the collector.
type Stats struct {
	// Sent is the number of records written to the connection.
	Sent int64 `json:"sent"`

	// Acked is the number of ACK replies.
	Acked int64 `json:"acked"`

	// Rejected is the number of replies other than ACK.
	Rejected int64 `json:"rejected"`
}
