package strata

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordWrite is called after each primitive write (put, delete, append,
	// upsert). duration is the total time taken, err is nil if successful.
	RecordWrite(duration time.Duration, err error)

	// RecordRead is called after each read (get, list, history).
	RecordRead(duration time.Duration, err error)

	// RecordSearch is called after each vector or text search.
	// k is the number of results requested, duration is the time taken.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordCommit is called after each transaction commit.
	// keys is the number of distinct keys applied.
	RecordCommit(keys int, duration time.Duration, err error)

	// RecordMaintenance is called after retention, compaction and flush runs.
	RecordMaintenance(op string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordWrite(time.Duration, error)               {}
func (NoopMetricsCollector) RecordRead(time.Duration, error)                {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordCommit(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordMaintenance(string, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	WriteCount       atomic.Int64
	WriteErrors      atomic.Int64
	WriteTotalNanos  atomic.Int64
	ReadCount        atomic.Int64
	ReadErrors       atomic.Int64
	ReadTotalNanos   atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitKeys       atomic.Int64
	MaintenanceCount atomic.Int64
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(keys int, _ time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitKeys.Add(int64(keys))
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordMaintenance implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMaintenance(string, time.Duration, error) {
	b.MaintenanceCount.Add(1)
}

// Stats is a point-in-time view of the collected counters.
type Stats struct {
	WriteCount      int64
	WriteErrors     int64
	WriteAvgNanos   int64
	ReadCount       int64
	SearchCount     int64
	SearchAvgNanos  int64
	CommitCount     int64
	CommitKeysTotal int64
}

// GetStats returns a consistent-enough snapshot of the counters.
func (b *BasicMetricsCollector) GetStats() Stats {
	s := Stats{
		WriteCount:      b.WriteCount.Load(),
		WriteErrors:     b.WriteErrors.Load(),
		ReadCount:       b.ReadCount.Load(),
		SearchCount:     b.SearchCount.Load(),
		CommitCount:     b.CommitCount.Load(),
		CommitKeysTotal: b.CommitKeys.Load(),
	}
	if s.WriteCount > 0 {
		s.WriteAvgNanos = b.WriteTotalNanos.Load() / s.WriteCount
	}
	if s.SearchCount > 0 {
		s.SearchAvgNanos = b.SearchTotalNanos.Load() / s.SearchCount
	}
	return s
}
