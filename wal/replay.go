package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Replay streams every intact record to fn in write order, skipping
// checkpoint markers. Replay stops silently at a torn or corrupted tail; an
// error from fn aborts the replay.
func (w *WAL) Replay(fn func(rec Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = w.file.Seek(pos, io.SeekStart)
	}()

	return w.replayLocked(func(rec Record) error {
		if rec.Op == OpCheckpoint {
			return nil
		}
		return fn(rec)
	})
}

// replayLocked decodes the record stream from the data offset. Caller must
// hold w.mu and restore the file position afterwards.
func (w *WAL) replayLocked(fn func(rec Record) error) error {
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return err
	}

	var reader io.Reader
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = w.decompressor
	} else {
		reader = bufio.NewReader(w.file)
	}

	for {
		var rec Record
		if err := w.decodeRecord(reader, &rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errCorruptRecord) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Len returns the number of intact records in the WAL, including checkpoint
// markers. Mainly for tests.
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = w.file.Seek(pos, io.SeekStart)
	}()

	count := 0
	if err := w.replayLocked(func(Record) error {
		count++
		return nil
	}); err != nil {
		return 0, err
	}
	return count, nil
}
