package strata

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/eventlog"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
)

// Snapshot file layout:
//
//	header  magic "STS1", format version, codec name (plain)
//	body    codec-encoded snapshotFile
//	footer  crc32c of the body
//
// The file is written to a temp name and renamed into place, so a crash mid
// checkpoint leaves the previous snapshot intact.

const snapshotFileName = "strata.snapshot"

var (
	snapshotMagic         = [4]byte{'S', 'T', 'S', '1'}
	snapshotFormatVersion = uint16(1)
	snapshotCastagnoli    = crc32.MakeTable(crc32.Castagnoli)
)

type snapshotFile struct {
	Timestamp uint64           `json:"timestamp"`
	Branches  []snapshotBranch `json:"branches"`
}

type snapshotBranch struct {
	Info    branch.Info       `json:"info"`
	Counter uint64            `json:"counter"`
	Spaces  []snapshotSpace   `json:"spaces,omitempty"`
	Events  []eventlog.Event  `json:"events,omitempty"`
	Text    map[string]string `json:"text,omitempty"`
}

type snapshotSpace struct {
	Name    string                                      `json:"name"`
	KV      map[string][]version.Record[any]            `json:"kv,omitempty"`
	Cells   map[string][]version.Record[any]            `json:"cells,omitempty"`
	JSON    map[string][]version.Record[map[string]any] `json:"json,omitempty"`
	Vectors *vector.SerializableState                   `json:"vectors,omitempty"`
}

func (e *Engine) snapshotPath() string {
	return filepath.Join(e.dir, snapshotFileName)
}

// writeSnapshot captures every branch, including deleted ones, and installs
// the file atomically. Snapshot IO runs through the maintenance gate's
// throttle.
func (e *Engine) writeSnapshot() error {
	snap := snapshotFile{Timestamp: e.clock.Now()}

	e.branches.Range(func(b *branch.Branch) bool {
		snap.Branches = append(snap.Branches, collectBranch(b))
		return true
	})

	body, err := e.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := e.snapshotPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: engine-owned path
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	w := bufio.NewWriter(resource.NewThrottledWriter(context.Background(), e.gate, f))
	if err := writeSnapshotFile(w, e.codec.Name(), body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, e.snapshotPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install snapshot: %w", err)
	}

	e.logger.Debug("snapshot written", "branches", len(snap.Branches), "bytes", len(body))
	return nil
}

func writeSnapshotFile(w io.Writer, codecName string, body []byte) error {
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}

	var ver [2]byte
	binary.LittleEndian.PutUint16(ver[:], snapshotFormatVersion)
	if _, err := w.Write(ver[:]); err != nil {
		return err
	}

	if len(codecName) > 255 {
		return fmt.Errorf("codec name too long")
	}
	if _, err := w.Write([]byte{uint8(len(codecName))}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, codecName); err != nil {
		return err
	}

	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(body, snapshotCastagnoli))
	_, err := w.Write(sum[:])
	return err
}

// collectBranch flattens one branch's dataset. The caller holds the branch
// write locks; see Engine.checkpoint.
func collectBranch(b *branch.Branch) snapshotBranch {
	sb := snapshotBranch{
		Info:    b.Info(),
		Counter: b.Counter().Current(),
	}

	for _, sname := range b.ListSpaces() {
		s, ok := b.Space(sname)
		if !ok {
			continue
		}

		ss := snapshotSpace{Name: sname}
		s.KV.Range(func(key string, hist []version.Record[any]) bool {
			if ss.KV == nil {
				ss.KV = make(map[string][]version.Record[any])
			}
			ss.KV[key] = append([]version.Record[any](nil), hist...)
			return true
		})
		s.Cells.Range(func(key string, hist []version.Record[any]) bool {
			if ss.Cells == nil {
				ss.Cells = make(map[string][]version.Record[any])
			}
			ss.Cells[key] = append([]version.Record[any](nil), hist...)
			return true
		})
		s.JSON.Range(func(key string, hist []version.Record[map[string]any]) bool {
			if ss.JSON == nil {
				ss.JSON = make(map[string][]version.Record[map[string]any])
			}
			ss.JSON[key] = append([]version.Record[map[string]any](nil), hist...)
			return true
		})
		if state := s.Vectors.ToSerializable(); len(state.Collections) > 0 {
			ss.Vectors = state
		}
		sb.Spaces = append(sb.Spaces, ss)
	}

	b.Events().Range(func(ev eventlog.Event) bool {
		sb.Events = append(sb.Events, ev)
		return true
	})

	if docs := b.Text().Docs(); len(docs) > 0 {
		sb.Text = docs
	}
	return sb
}

// loadSnapshot restores engine state from the snapshot file, if present. A
// missing file means a fresh directory; the WAL replay that follows brings
// the state current either way.
func (e *Engine) loadSnapshot() error {
	path := e.snapshotPath()

	f, err := os.Open(path) //nolint:gosec // G304: engine-owned path
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer func() { _ = f.Close() }()

	snap, err := readSnapshotFile(f)
	if err != nil {
		return err
	}

	for _, sb := range snap.Branches {
		b := branch.Restore(sb.Info, e.clock.Next)
		b.Counter().Observe(sb.Counter)

		for _, ss := range sb.Spaces {
			s := b.EnsureSpace(ss.Name)
			for key, hist := range ss.KV {
				for _, rec := range hist {
					s.KV.Apply(key, rec)
				}
			}
			for key, hist := range ss.Cells {
				for _, rec := range hist {
					s.Cells.Apply(key, rec)
				}
			}
			for key, hist := range ss.JSON {
				for _, rec := range hist {
					s.JSON.Apply(key, rec)
				}
			}
			if ss.Vectors != nil {
				if err := s.Vectors.FromSerializable(ss.Vectors); err != nil {
					return fmt.Errorf("failed to restore vector state: %w", err)
				}
			}
		}

		for _, ev := range sb.Events {
			b.Events().Apply(ev)
		}
		for ref, text := range sb.Text {
			b.Text().Add(ref, text)
		}

		e.branches.Install(b)
	}

	e.clock.Observe(snap.Timestamp)
	e.logger.Info("snapshot loaded", "branches", len(snap.Branches))
	return nil
}

func readSnapshotFile(f *os.File) (*snapshotFile, error) {
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot header")
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("not a snapshot file")
	}

	var ver [2]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot header")
	}
	if v := binary.LittleEndian.Uint16(ver[:]); v != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format version %d", v)
	}

	var nameLen [1]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot header")
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("truncated snapshot header")
	}
	c, err := codec.ByName(string(name))
	if err != nil {
		return nil, fmt.Errorf("snapshot with unknown codec %q", name)
	}

	var length [8]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot body length")
	}

	body := make([]byte, binary.LittleEndian.Uint64(length[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated snapshot body")
	}

	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot footer")
	}
	if crc32.Checksum(body, snapshotCastagnoli) != binary.LittleEndian.Uint32(sum[:]) {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	var snap snapshotFile
	if err := c.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
