// Package wal provides write-ahead logging for durability and crash
// recovery.
//
// Every committed engine write is framed as one checksummed, codec-encoded
// record and appended before it is acknowledged. On open, the engine replays
// the record stream on top of the latest snapshot. A torn or corrupted tail
// ends replay without failing recovery.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/strata/codec"
)

const fileName = "strata.wal"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WAL is a single-file write-ahead log.
type WAL struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer
	bufWriter        *bufio.Writer
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	codec            codec.Codec
	seq              uint64
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64 // start of record stream, after the header

	// Auto-checkpoint tracking
	autoCheckpointOps int
	autoCheckpointMB  int
	committedOps      int
	checkpointFunc    func() error

	// Group commit worker lifecycle
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond     *sync.Cond
	persistedSeq uint64
}

// New opens or creates the WAL in the configured directory.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, fileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		codec:               opts.Codec,
		compressionLevel:    opts.CompressionLevel,
		autoCheckpointOps:   opts.AutoCheckpointOps,
		autoCheckpointMB:    opts.AutoCheckpointMB,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if err := w.initializeFile(st, opts); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		w.decompressor = decompressor
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
		w.writer = w.bufWriter
	}

	if err := w.scanForSeq(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

func (w *WAL) initializeFile(info os.FileInfo, opts Options) error {
	if info.Size() == 0 {
		hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
			Compressed:       opts.Compress,
			CompressionLevel: opts.CompressionLevel,
			CodecName:        opts.Codec.Name(),
		})
		if err != nil {
			return err
		}
		w.dataOffset = hdrLen
		w.compressed = opts.Compress
		return nil
	}

	hdrInfo, valid, err := readWALHeader(w.file)
	if err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid WAL header")
	}

	// The header wins over the options: the file knows how it was written.
	c, err := codec.ByName(hdrInfo.CodecName)
	if err != nil {
		return fmt.Errorf("WAL codec: %w", err)
	}
	w.codec = c
	w.dataOffset = hdrInfo.HeaderLen
	w.compressed = hdrInfo.Compressed
	w.compressionLevel = hdrInfo.CompressionLevel
	return nil
}

// encodeRecord frames one record: [len:4][crc32c:4][codec payload].
func (w *WAL) encodeRecord(rec *Record) error {
	payload, err := w.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode WAL record: %w", err)
	}

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload))) //nolint:gosec
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, castagnoli))

	if _, err := w.writer.Write(frame[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	return nil
}

// errCorruptRecord ends replay at a torn or tampered tail.
var errCorruptRecord = errors.New("corrupt WAL record")

// maxRecordSize bounds a single frame; larger lengths can only come from a
// corrupted frame header.
const maxRecordSize = 64 << 20

func (w *WAL) decodeRecord(reader io.Reader, rec *Record) error {
	var frame [8]byte
	if _, err := io.ReadFull(reader, frame[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errCorruptRecord
		}
		return err
	}

	length := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	if length > maxRecordSize {
		return errCorruptRecord
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return errCorruptRecord
	}
	if crc32.Checksum(payload, castagnoli) != sum {
		return errCorruptRecord
	}
	if err := w.codec.Unmarshal(payload, rec); err != nil {
		return errCorruptRecord
	}
	return nil
}

// Append assigns the next sequence number to rec, writes it and applies the
// configured durability mode before returning.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec.Seq = w.seq
	if err := w.encodeRecord(&rec); err != nil {
		return err
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps++
	if err := w.syncIfNeeded(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// AppendBatch writes multiple records with a single durability boundary at
// the end, for transaction commits.
func (w *WAL) AppendBatch(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range recs {
		w.seq++
		recs[i].Seq = w.seq
		if err := w.encodeRecord(&recs[i]); err != nil {
			return fmt.Errorf("failed to append WAL record %d: %w", i, err)
		}
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps += len(recs)
	if err := w.syncIfNeeded(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return w.file.Sync()

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seq

		if w.groupCommitPending >= w.groupCommitMaxOps {
			return w.doGroupCommit()
		}
		// Wait for the background worker; Wait releases w.mu so the worker
		// (or another writer) can perform the sync.
		for w.persistedSeq < targetSeq {
			w.syncCond.Wait()
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes waiters. Caller must
// hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.seq
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	if w.groupCommitTicker == nil {
		return
	}

	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// Sync forces an fsync regardless of durability mode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.seq
	w.syncCond.Broadcast()
	return nil
}

// scanForSeq scans the WAL to find the highest sequence number.
func (w *WAL) scanForSeq() error {
	var maxSeq uint64
	if err := w.replayLocked(func(rec Record) error {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		return nil
	}); err != nil {
		return err
	}
	w.seq = maxSeq

	// Back to the end for appending.
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Checkpoint writes a checkpoint marker, fsyncs and truncates the WAL. Call
// after a successful snapshot.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec := Record{Seq: w.seq, Op: OpCheckpoint}
	if err := w.encodeRecord(&rec); err != nil {
		return err
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.truncateLocked()
}

func (w *WAL) truncateLocked() error {
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	w.file = file

	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
		CodecName:        w.codec.Name(),
	})
	if err != nil {
		_ = w.file.Close()
		return err
	}
	w.dataOffset = hdrLen
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to recreate compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter
	} else {
		w.bufWriter = bufio.NewWriter(file)
		w.writer = w.bufWriter
	}

	w.seq = 0
	w.persistedSeq = 0
	w.groupCommitPending = 0
	return nil
}

// Close stops the group commit worker, flushes pending records and closes
// the file. Close is idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if w.decompressor != nil {
		w.decompressor.Close()
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// SetCheckpointCallback sets the function to call when an auto-checkpoint
// threshold is reached, typically the engine's Compact.
func (w *WAL) SetCheckpointCallback(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointFunc = fn
}

// maybeCheckpointLocked triggers the checkpoint callback when a threshold is
// exceeded. Must be called with w.mu held.
func (w *WAL) maybeCheckpointLocked() error {
	trigger := false

	if w.autoCheckpointOps > 0 && w.committedOps >= w.autoCheckpointOps {
		trigger = true
	}
	if !trigger && w.autoCheckpointMB > 0 {
		if stat, err := w.file.Stat(); err == nil {
			if stat.Size()/(1024*1024) >= int64(w.autoCheckpointMB) {
				trigger = true
			}
		}
	}
	if !trigger || w.checkpointFunc == nil {
		return nil
	}

	w.committedOps = 0

	// The callback snapshots the engine and re-enters Checkpoint; release
	// the lock for its duration.
	w.mu.Unlock()
	err := w.checkpointFunc()
	w.mu.Lock()
	return err
}
