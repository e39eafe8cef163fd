// Package types defines the values exchanged between hostpulse agents and the collector.
package types

import "time"

// Record is one host snapshot taken per sampling interval.
// It is the unit written on the wire, one JSON object per line.
type Record struct {
	// Timestamp is the Unix time in seconds at which the record was built.
	// The collector stores it as received and never re-stamps it.
	Timestamp int64 `json:"timestamp"`

	// Hostname identifies the origin host and is the aggregation key.
	Hostname string `json:"hostname"`

	// CPUUsage is the CPU utilisation percentage. Nominally 0-100, not clamped.
	CPUUsage float64 `json:"cpu_usage"`

	// MemoryTotal is the total physical memory in bytes.
	MemoryTotal uint64 `json:"memory_total"`

	// MemoryUsed is the used physical memory in bytes.
	MemoryUsed uint64 `json:"memory_used"`

	// DiskTotal is the size of the sampled filesystem in bytes.
	DiskTotal uint64 `json:"disk_total"`

	// DiskUsed is the used space of the sampled filesystem in bytes.
	DiskUsed uint64 `json:"disk_used"`
}

// NewRecord builds a Record stamped with the current time.
// No validation is done; figures are stored exactly as given.
func NewRecord(hostname string, cpuUsage float64, memoryTotal, memoryUsed, diskTotal, diskUsed uint64) Record {
	return NewRecordAt(time.Now(), hostname, cpuUsage, memoryTotal, memoryUsed, diskTotal, diskUsed)
}

// NewRecordAt is NewRecord with an explicit timestamp.
func NewRecordAt(at time.Time, hostname string, cpuUsage float64, memoryTotal, memoryUsed, diskTotal, diskUsed uint64) Record {
	return Record{
		Timestamp:   at.Unix(),
		Hostname:    hostname,
		CPUUsage:    cpuUsage,
		MemoryTotal: memoryTotal,
		MemoryUsed:  memoryUsed,
		DiskTotal:   diskTotal,
		DiskUsed:    diskUsed,
	}
}

// MemoryFree returns MemoryTotal-MemoryUsed, or 0 if used exceeds total.
func (r Record) MemoryFree() uint64 {
	return saturatingSub(r.MemoryTotal, r.MemoryUsed)
}

// DiskFree returns DiskTotal-DiskUsed, or 0 if used exceeds total.
func (r Record) DiskFree() uint64 {
	return saturatingSub(r.DiskTotal, r.DiskUsed)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
