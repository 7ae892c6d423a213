// Package resource gates background maintenance work.
//
// Retention sweeps, compaction and bundle export all run alongside
// foreground reads and writes. The Gate caps how many of those jobs run
// at once, throttles their disk throughput and tracks the memory they
// reserve, so maintenance cannot starve the engine.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits configures the maintenance gate.
type Limits struct {
	// MaxMaintenanceJobs caps concurrent retention/compaction/export jobs.
	// If 0, defaults to 1.
	MaxMaintenanceJobs int64

	// IOBytesPerSec throttles maintenance disk throughput. 0 means unlimited.
	IOBytesPerSec int64

	// MemoryBudgetBytes is the hard budget for memory reserved by
	// maintenance jobs. 0 means track only, never block.
	MemoryBudgetBytes int64
}

// Gate enforces Limits across all maintenance jobs of an engine.
type Gate struct {
	limits Limits

	jobSem *semaphore.Weighted

	memSem  *semaphore.Weighted // nil when no hard budget
	memUsed atomic.Int64

	ioLimiter *rate.Limiter
}

// NewGate creates a maintenance gate.
func NewGate(limits Limits) *Gate {
	if limits.MaxMaintenanceJobs <= 0 {
		limits.MaxMaintenanceJobs = 1
	}

	g := &Gate{
		limits: limits,
		jobSem: semaphore.NewWeighted(limits.MaxMaintenanceJobs),
	}

	if limits.MemoryBudgetBytes > 0 {
		g.memSem = semaphore.NewWeighted(limits.MemoryBudgetBytes)
	}

	if limits.IOBytesPerSec > 0 {
		g.ioLimiter = rate.NewLimiter(rate.Limit(limits.IOBytesPerSec), int(limits.IOBytesPerSec))
	}

	return g
}

// BeginJob reserves a maintenance job slot, blocking until one is free
// or ctx is canceled.
func (g *Gate) BeginJob(ctx context.Context) error {
	return g.jobSem.Acquire(ctx, 1)
}

// TryBeginJob reserves a job slot without blocking.
func (g *Gate) TryBeginJob() bool {
	return g.jobSem.TryAcquire(1)
}

// EndJob releases a job slot reserved by BeginJob or TryBeginJob.
func (g *Gate) EndJob() {
	g.jobSem.Release(1)
}

// ReserveMemory reserves bytes against the memory budget. With a hard
// budget configured this blocks until the reservation fits or ctx is
// canceled; without one it only updates the usage counter.
func (g *Gate) ReserveMemory(ctx context.Context, bytes int64) error {
	if g == nil || bytes <= 0 {
		return nil
	}

	if g.memSem != nil {
		if err := g.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	g.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns a reservation made by ReserveMemory.
func (g *Gate) ReleaseMemory(bytes int64) {
	if g == nil || bytes <= 0 {
		return
	}

	if g.memSem != nil {
		g.memSem.Release(bytes)
	}
	g.memUsed.Add(-bytes)
}

// MemoryUsage returns the bytes currently reserved by maintenance jobs.
func (g *Gate) MemoryUsage() int64 {
	return g.memUsed.Load()
}

// WaitIO blocks until the throughput limit allows bytes more IO.
func (g *Gate) WaitIO(ctx context.Context, bytes int) error {
	if g.ioLimiter == nil {
		return nil
	}
	return g.ioLimiter.WaitN(ctx, bytes)
}
