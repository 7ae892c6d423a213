package strata

import (
	"log/slog"
	"time"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/wal"
)

// RetentionPolicy bounds how much superseded history the engine retains.
// RetentionApply reclaims versions outside the policy.
type RetentionPolicy struct {
	// KeepVersions is the minimum number of trailing versions kept per key.
	// Values below 1 are treated as 1.
	KeepVersions int

	// Horizon is the age beyond which superseded versions become
	// reclaimable. 0 keeps history unbounded.
	Horizon time.Duration
}

// DefaultRetentionPolicy keeps the last 16 versions per key and never
// reclaims by age.
var DefaultRetentionPolicy = RetentionPolicy{
	KeepVersions: 16,
}

type options struct {
	logger      *Logger
	logLevel    slog.Level
	logLevelSet bool
	metrics     MetricsCollector
	codec       codec.Codec
	readOnly    bool
	autoEmbed   bool
	walOpts     []func(o *wal.Options)
	retention   RetentionPolicy
	limits      resource.Limits
}

// Option configures an engine at construction.
type Option func(o *options)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithLogLevel enables a text logger to stderr at the given level. Ignored
// when WithLogger is also set.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logLevel = level
		o.logLevelSet = true
	}
}

// WithMetricsCollector sets the metrics sink. Defaults to a no-op collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithCodec sets the payload codec used for the WAL, snapshots and value
// normalization. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithReadOnly rejects every mutating operation with an AccessDenied error.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) {
		o.readOnly = readOnly
	}
}

// WithAutoEmbed enables deterministic text-to-vector embedding so
// SemanticSearch works without an external model.
func WithAutoEmbed(autoEmbed bool) Option {
	return func(o *options) {
		o.autoEmbed = autoEmbed
	}
}

// WithWAL forwards options to the write-ahead log (durability mode,
// compression, auto-checkpoint thresholds). Ignored by Cache.
func WithWAL(optFns ...func(o *wal.Options)) Option {
	return func(o *options) {
		o.walOpts = append(o.walOpts, optFns...)
	}
}

// WithRetention sets the retention policy applied by RetentionApply.
func WithRetention(p RetentionPolicy) Option {
	return func(o *options) {
		o.retention = p
	}
}

// WithResourceLimits bounds background maintenance (concurrent jobs, IO
// throughput, memory budget).
func WithResourceLimits(limits resource.Limits) Option {
	return func(o *options) {
		o.limits = limits
	}
}

// ReadOption tunes a single read.
type ReadOption func(o *readOptions)

type readOptions struct {
	asOf uint64
}

// AsOf reads the state as it was observable at t. The zero time means "now".
func AsOf(t time.Time) ReadOption {
	return func(o *readOptions) {
		if !t.IsZero() {
			o.asOf = uint64(t.UnixNano()) //nolint:gosec // G115: post-1970 wall clock
		}
	}
}

func newReadOptions(optFns []ReadOption) readOptions {
	var o readOptions
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}
