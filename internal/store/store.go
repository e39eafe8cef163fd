// Package store holds the collector's in-memory per-host record history.
package store

import (
	"sort"
	"sync"

	"github.com/bc-dunia/hostpulse/internal/types"
)

// MetricsStore maps a hostname to its records in arrival order.
//
// One RWMutex covers the whole map. Every mutation takes the exclusive lock;
// there is no per-host locking. Hosts are few and agents report every few
// seconds, so a single critical section is enough. Records are never evicted.
type MetricsStore struct {
	mu      sync.RWMutex
	records map[string][]types.Record
	total   int
}

// NewMetricsStore creates an empty store.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{
		records: make(map[string][]types.Record),
	}
}

// Append adds rec to the end of the history for hostname, creating it if absent.
func (s *MetricsStore) Append(hostname string, rec types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[hostname] = append(s.records[hostname], rec)
	s.total++
}

// Snapshot returns a deep copy of the whole mapping taken under one lock hold,
// so it reflects a single point in time.
func (s *MetricsStore) Snapshot() map[string][]types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]types.Record, len(s.records))
	for host, recs := range s.records {
		cp := make([]types.Record, len(recs))
		copy(cp, recs)
		out[host] = cp
	}
	return out
}

// History returns a copy of the records for hostname, or nil if none arrived.
func (s *MetricsStore) History(hostname string) []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.records[hostname]
	if !ok {
		return nil
	}
	cp := make([]types.Record, len(recs))
	copy(cp, recs)
	return cp
}

// Latest returns the most recently appended record for hostname.
func (s *MetricsStore) Latest(hostname string) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[hostname]
	if len(recs) == 0 {
		return types.Record{}, false
	}
	return recs[len(recs)-1], true
}

// Hosts returns the known hostnames in sorted order.
func (s *MetricsStore) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]string, 0, len(s.records))
	for host := range s.records {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// HostCount returns the number of distinct hostnames.
func (s *MetricsStore) HostCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Len returns the total number of records across all hosts.
func (s *MetricsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
