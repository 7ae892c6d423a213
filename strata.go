package strata

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/embed"
	"github.com/hupe1980/strata/internal/clock"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
	"github.com/hupe1980/strata/wal"
)

// embedDimension is the dimension of the deterministic text embedder used by
// SemanticSearch.
const embedDimension = 64

// scope addresses the (branch, space) a call operates on. It is threaded
// explicitly through every internal path; the handle's current scope is only
// the default fed in at the API boundary.
type scope struct {
	Branch string
	Space  string
}

// TimeRange bounds the retained version timestamps of a branch.
type TimeRange struct {
	Oldest time.Time
	Latest time.Time
}

// Engine is a handle to an embedded strata database.
//
// The handle carries a current (branch, space) set by Use and at most one
// active transaction. Reads are safe for concurrent use; writes to one branch
// are serialized by the engine.
type Engine struct {
	dir       string
	codec     codec.Codec
	logger    *Logger
	metrics   MetricsCollector
	readOnly  bool
	autoEmbed bool
	retention RetentionPolicy

	clock    *clock.Clock
	branches *branch.Manager
	coord    *txn.Coordinator
	embedder embed.Embedder
	gate     *resource.Gate
	wal      *wal.WAL // nil for memory-only engines

	// walOptions is stashed at construction and consumed by Open.
	walOptions []func(o *wal.Options)

	// checkpointCh carries auto-checkpoint requests from the WAL to the
	// background worker; doing the checkpoint inline would deadlock on the
	// branch write lock held during the append that tripped the threshold.
	checkpointCh chan struct{}
	stopCh       chan struct{}
	bg           sync.WaitGroup

	mu     sync.RWMutex
	cur    scope
	closed bool
}

// Open opens or creates a durable engine in the given directory. Existing
// state is restored from the latest snapshot plus a replay of the write-ahead
// log.
func Open(path string, optFns ...Option) (*Engine, error) {
	const op = "Open"

	e := newEngine(optFns)
	e.dir = path

	if err := e.loadSnapshot(); err != nil {
		return nil, translateError(op, err)
	}

	walOpts := append([]func(o *wal.Options){
		func(o *wal.Options) {
			o.Path = path
			o.Codec = e.codec
		},
	}, e.walOptions...)

	w, err := wal.New(walOpts...)
	if err != nil {
		return nil, translateError(op, err)
	}
	e.wal = w
	e.checkpointCh = make(chan struct{}, 1)
	e.stopCh = make(chan struct{})
	w.SetCheckpointCallback(e.requestCheckpoint)

	if err := e.replayWAL(); err != nil {
		_ = w.Close()
		return nil, translateError(op, err)
	}

	e.bg.Add(1)
	go e.checkpointWorker()

	e.logger.Info("engine opened", "dir", path, "readOnly", e.readOnly)
	return e, nil
}

// Cache creates a memory-only engine. It has the full API but no durability:
// Close discards everything.
func Cache(optFns ...Option) (*Engine, error) {
	e := newEngine(optFns)
	e.logger.Info("engine opened", "dir", "", "readOnly", e.readOnly)
	return e, nil
}

func newEngine(optFns []Option) *Engine {
	o := options{
		retention: DefaultRetentionPolicy,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		if o.logLevelSet {
			logger = NewTextLogger(o.logLevel)
		} else {
			logger = NoopLogger()
		}
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = NoopMetricsCollector{}
	}

	c := o.codec
	if c == nil {
		c = codec.Default
	}

	ck := clock.New()

	e := &Engine{
		codec:      c,
		logger:     logger,
		metrics:    metrics,
		readOnly:   o.readOnly,
		autoEmbed:  o.autoEmbed,
		retention:  o.retention,
		clock:      ck,
		branches:   branch.NewManager(ck.Next),
		embedder:   embed.NewFeatureHash(embedDimension),
		gate:       resource.NewGate(o.limits),
		walOptions: o.walOpts,
		cur: scope{
			Branch: branch.DefaultBranch,
			Space:  branch.DefaultSpace,
		},
	}
	e.coord = txn.NewCoordinator(ck.Next)
	return e
}

// Close flushes and closes the engine. An active transaction is rolled back.
// Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if _, ok := e.coord.Active(); ok {
		_, _ = e.coord.Finish(txn.StateRolledBack)
	}

	if e.stopCh != nil {
		close(e.stopCh)
		e.bg.Wait()
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return translateError("Close", err)
		}
	}

	e.logger.Info("engine closed", "dir", e.dir)
	return nil
}

// Use switches the handle's current branch and space. The branch must exist
// and be active; the space comes into existence on first write.
func (e *Engine) Use(branchName, space string) error {
	const op = "Use"

	if err := e.checkOpen(op); err != nil {
		return err
	}
	if _, err := e.branches.Get(branchName); err != nil {
		return classify(op, err)
	}
	if space == "" {
		space = branch.DefaultSpace
	}

	e.mu.Lock()
	e.cur = scope{Branch: branchName, Space: space}
	e.mu.Unlock()
	return nil
}

// CurrentBranch returns the handle's current branch name.
func (e *Engine) CurrentBranch() string {
	return e.scope().Branch
}

// CurrentSpace returns the handle's current space name.
func (e *Engine) CurrentSpace() string {
	return e.scope().Space
}

// Flush makes every committed write durable before returning. A no-op for
// memory-only engines.
func (e *Engine) Flush() error {
	const op = "Flush"
	start := time.Now()

	err := e.flush(op)
	e.metrics.RecordMaintenance("flush", time.Since(start), err)
	return err
}

func (e *Engine) flush(op string) error {
	if err := e.checkOpen(op); err != nil {
		return err
	}
	if e.wal == nil {
		return nil
	}
	return translateError(op, e.wal.Sync())
}

// Compact rewrites the snapshot from current state and truncates the WAL.
// Logical content is unchanged. A no-op for memory-only engines.
func (e *Engine) Compact() error {
	const op = "Compact"
	start := time.Now()

	err := e.compact(op)
	e.metrics.RecordMaintenance("compact", time.Since(start), err)
	return err
}

func (e *Engine) compact(op string) error {
	if err := e.checkWritable(op); err != nil {
		return err
	}
	if e.wal == nil {
		return nil
	}

	if err := e.gate.BeginJob(context.Background()); err != nil {
		return translateError(op, err)
	}
	defer e.gate.EndJob()

	return translateError(op, e.checkpoint())
}

// checkpoint writes a snapshot and truncates the WAL. All branch write locks
// are held for the duration so the snapshot and the truncation cover exactly
// the same state. The caller must not hold any branch write lock.
func (e *Engine) checkpoint() error {
	var locked []*branch.Branch
	e.branches.Range(func(b *branch.Branch) bool {
		b.WriteMu.Lock()
		locked = append(locked, b)
		return true
	})
	defer func() {
		for _, b := range locked {
			b.WriteMu.Unlock()
		}
	}()

	if err := e.writeSnapshot(); err != nil {
		return err
	}
	if err := e.wal.Checkpoint(); err != nil {
		return err
	}
	e.logger.Info("checkpoint complete", "dir", e.dir)
	return nil
}

// requestCheckpoint is the WAL's auto-checkpoint callback. It only signals
// the background worker; a request arriving while one is pending is dropped.
func (e *Engine) requestCheckpoint() error {
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) checkpointWorker() {
	defer e.bg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.checkpointCh:
			if !e.gate.TryBeginJob() {
				continue
			}
			if err := e.checkpoint(); err != nil {
				e.logger.Error("auto checkpoint failed", "err", err)
			}
			e.gate.EndJob()
		}
	}
}

// RetentionApply reclaims superseded versions outside the configured
// retention policy across the current branch. It returns the number of
// version records reclaimed.
func (e *Engine) RetentionApply() (int, error) {
	const op = "RetentionApply"
	start := time.Now()

	n, err := e.retentionApply(op)
	e.metrics.RecordMaintenance("retention", time.Since(start), err)
	return n, err
}

func (e *Engine) retentionApply(op string) (int, error) {
	if err := e.checkWritable(op); err != nil {
		return 0, err
	}

	b, err := e.branches.Get(e.scope().Branch)
	if err != nil {
		return 0, classify(op, err)
	}

	if err := e.gate.BeginJob(context.Background()); err != nil {
		return 0, translateError(op, err)
	}
	defer e.gate.EndJob()

	policy := e.versionPolicy()
	if policy.Horizon == 0 {
		return 0, nil
	}

	b.WriteMu.Lock()
	defer b.WriteMu.Unlock()

	reclaimed := 0
	for _, name := range b.ListSpaces() {
		s, ok := b.Space(name)
		if !ok {
			continue
		}
		reclaimed += s.KV.Retain(policy)
		reclaimed += s.Cells.Retain(policy)
		reclaimed += s.JSON.Retain(policy)
		reclaimed += s.Vectors.Retain(policy)
	}

	e.logger.Info("retention applied", "branch", b.Info().Name, "reclaimed", reclaimed)
	return reclaimed, nil
}

// TimeRange reports the oldest and latest retained version timestamps of the
// current branch. The zero TimeRange means the branch holds no versions.
func (e *Engine) TimeRange() (TimeRange, error) {
	const op = "TimeRange"

	if err := e.checkOpen(op); err != nil {
		return TimeRange{}, err
	}

	b, err := e.branches.Get(e.scope().Branch)
	if err != nil {
		return TimeRange{}, classify(op, err)
	}

	var (
		oldest, latest uint64
		found          bool
	)
	observe := func(o, l uint64, ok bool) {
		if !ok {
			return
		}
		if !found {
			oldest, latest, found = o, l, true
			return
		}
		if o < oldest {
			oldest = o
		}
		if l > latest {
			latest = l
		}
	}

	for _, name := range b.ListSpaces() {
		s, ok := b.Space(name)
		if !ok {
			continue
		}
		observe(s.KV.TimeRange())
		observe(s.Cells.TimeRange())
		observe(s.JSON.TimeRange())
		for _, info := range s.Vectors.ListCollections() {
			s.Vectors.RangeHistory(info.Name, func(_ string, hist []version.Record[vector.Record]) bool {
				for i := range hist {
					observe(hist[i].Timestamp, hist[i].Timestamp, true)
				}
				return true
			})
		}
	}
	observe(b.Events().TimeRange())

	if !found {
		return TimeRange{}, nil
	}
	return TimeRange{
		Oldest: toTime(oldest),
		Latest: toTime(latest),
	}, nil
}

// versionPolicy converts the configured retention policy into store terms.
func (e *Engine) versionPolicy() version.Policy {
	p := version.Policy{KeepVersions: e.retention.KeepVersions}
	if e.retention.Horizon > 0 {
		now := e.clock.Now()
		horizon := uint64(e.retention.Horizon.Nanoseconds()) //nolint:gosec // G115: positive duration
		if now > horizon {
			p.Horizon = now - horizon
		}
	}
	return p
}

func (e *Engine) scope() scope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cur
}

func (e *Engine) checkOpen(op string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return newError(KindState, op, "engine is closed")
	}
	return nil
}

func (e *Engine) checkWritable(op string) error {
	if err := e.checkOpen(op); err != nil {
		return err
	}
	if e.readOnly {
		return newError(KindAccessDenied, op, "engine is read-only")
	}
	return nil
}

// branchFor resolves a branch by name with error classification.
func (e *Engine) branchFor(op, name string) (*branch.Branch, error) {
	b, err := e.branches.Get(name)
	if err != nil {
		return nil, classify(op, err)
	}
	return b, nil
}

// withWrite runs fn against the current scope under the branch write lock and
// appends the WAL records it returns in one durability boundary.
func (e *Engine) withWrite(op string, fn func(b *branch.Branch, s *branch.Space, sc scope) ([]wal.Record, error)) error {
	if err := e.checkWritable(op); err != nil {
		return err
	}

	sc := e.scope()
	b, err := e.branchFor(op, sc.Branch)
	if err != nil {
		return err
	}

	b.WriteMu.Lock()
	defer b.WriteMu.Unlock()

	s := b.EnsureSpace(sc.Space)
	recs, err := fn(b, s, sc)
	if err != nil {
		return classify(op, err)
	}
	return translateError(op, e.logRecords(recs))
}

// withRead resolves the current scope for a read. A space that was never
// written reads as empty rather than failing.
func (e *Engine) withRead(op string) (*branch.Branch, *branch.Space, scope, error) {
	if err := e.checkOpen(op); err != nil {
		return nil, nil, scope{}, err
	}

	sc := e.scope()
	b, err := e.branchFor(op, sc.Branch)
	if err != nil {
		return nil, nil, scope{}, err
	}

	s, _ := b.Space(sc.Space) // nil means empty space
	return b, s, sc, nil
}
