package wal

import (
	"time"

	"github.com/hupe1980/strata/codec"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes but committed data
	// may be lost on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync across operations, amortizing its
	// cost. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every record. Slowest but strongest
	// guarantee.
	DurabilitySync
)

// Op names the logical operation a record carries. The engine defines the
// vocabulary; the WAL only frames, checksums and replays records.
type Op string

const (
	// OpCheckpoint marks a checkpoint boundary. Records before it are
	// covered by a snapshot.
	OpCheckpoint Op = "checkpoint"
)

// Record is one durable operation. Payload holds the codec-encoded,
// op-specific body; the WAL treats it as opaque bytes.
type Record struct {
	Seq       uint64 `json:"seq"`
	Op        Op     `json:"op"`
	Branch    string `json:"branch,omitempty"`
	Space     string `json:"space,omitempty"`
	Primitive string `json:"primitive,omitempty"`
	Key       string `json:"key,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Codec encodes records on disk. The codec's name is persisted in the
	// file header so replay never guesses the format.
	Codec codec.Codec

	// Compress enables zstd compression of the record stream.
	Compress bool

	// CompressionLevel sets the zstd level (1-22); 3 is a good default.
	CompressionLevel int

	// AutoCheckpointOps triggers the checkpoint callback after N records.
	// Zero disables operation-based checkpoints.
	AutoCheckpointOps int

	// AutoCheckpointMB triggers the checkpoint callback when the file
	// exceeds N megabytes. Zero disables size-based checkpoints.
	AutoCheckpointMB int

	// DurabilityMode controls fsync behavior.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum wait before fsync in GroupCommit
	// mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum records batched before fsync in
	// GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	Codec:               codec.Default,
	Compress:            false,
	CompressionLevel:    3,
	AutoCheckpointOps:   10000,
	AutoCheckpointMB:    100,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
