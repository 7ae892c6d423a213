// Package bundle implements self-contained branch export files: a whole
// branch dataset (key histories, collections, events, indexed text) packed
// into one portable, checksummed, lz4-compressed file.
//
// Layout:
//
//	header  magic "STB1", format version, codec name, branch id/name (plain)
//	body    lz4-compressed stream of framed entries [len][crc32c][payload]
//	footer  entry count + crc32c of the compressed body
//
// Validation re-reads every frame and the body checksum without mutating any
// engine state; a tampered byte anywhere fails it.
package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/eventlog"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/version"
)

var (
	bundleMagic   = [4]byte{'S', 'T', 'B', '1'}
	formatVersion = uint16(1)
	castagnoli    = crc32.MakeTable(crc32.Castagnoli)
)

// Kind discriminates bundle entries.
type Kind string

const (
	KindSpace      Kind = "space"
	KindKV         Kind = "kv"
	KindCell       Kind = "cell"
	KindJSON       Kind = "json"
	KindCollection Kind = "collection"
	KindVector     Kind = "vector"
	KindEvent      Kind = "event"
	KindText       Kind = "text"
)

// Entry is one unit of branch state. Exactly one payload field is set,
// matching Kind.
type Entry struct {
	Kind       Kind   `json:"kind"`
	Space      string `json:"space,omitempty"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`

	History       []version.Record[any]            `json:"history,omitempty"`
	JSONHistory   []version.Record[map[string]any] `json:"jsonHistory,omitempty"`
	VectorHistory []version.Record[vector.Record]  `json:"vectorHistory,omitempty"`
	Info          *vector.CollectionInfo           `json:"info,omitempty"`
	Event         *eventlog.Event                  `json:"event,omitempty"`
	Text          string                           `json:"text,omitempty"`
}

// Header is the plaintext preamble of a bundle.
type Header struct {
	FormatVersion uint16
	CodecName     string
	BranchID      string
	BranchName    string
}

// Manifest reports a completed export.
type Manifest struct {
	BranchID   string `json:"branchId"`
	BranchName string `json:"branchName"`
	Path       string `json:"path"`
	EntryCount int    `json:"entryCount"`
	BundleSize int64  `json:"bundleSize"`
}

// Report is the result of Validate.
type Report struct {
	BranchID       string `json:"branchId"`
	FormatVersion  uint16 `json:"formatVersion"`
	EntryCount     int    `json:"entryCount"`
	ChecksumsValid bool   `json:"checksumsValid"`
}

// Contents is a fully decoded bundle, ready to be applied.
type Contents struct {
	Header  Header
	Entries []Entry
}

// ErrInvalidBundle indicates a structurally broken or tampered bundle file.
type ErrInvalidBundle struct {
	Reason string
}

func (e *ErrInvalidBundle) Error() string {
	return fmt.Sprintf("invalid bundle: %s", e.Reason)
}

// Collect walks a branch's dataset into bundle entries, deterministic order.
func Collect(b *branch.Branch) []Entry {
	var entries []Entry

	for _, sname := range b.ListSpaces() {
		s, ok := b.Space(sname)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Kind: KindSpace, Space: sname})

		s.KV.Range(func(key string, hist []version.Record[any]) bool {
			entries = append(entries, Entry{Kind: KindKV, Space: sname, Key: key, History: hist})
			return true
		})
		s.Cells.Range(func(key string, hist []version.Record[any]) bool {
			entries = append(entries, Entry{Kind: KindCell, Space: sname, Key: key, History: hist})
			return true
		})
		s.JSON.Range(func(key string, hist []version.Record[map[string]any]) bool {
			entries = append(entries, Entry{Kind: KindJSON, Space: sname, Key: key, JSONHistory: hist})
			return true
		})

		for _, info := range s.Vectors.ListCollections() {
			entries = append(entries, Entry{Kind: KindCollection, Space: sname, Collection: info.Name, Info: &info})
			s.Vectors.RangeHistory(info.Name, func(key string, hist []version.Record[vector.Record]) bool {
				entries = append(entries, Entry{Kind: KindVector, Space: sname, Collection: info.Name, Key: key, VectorHistory: hist})
				return true
			})
		}
	}

	b.Events().Range(func(ev eventlog.Event) bool {
		entries = append(entries, Entry{Kind: KindEvent, Event: &ev})
		return true
	})

	for ref, text := range b.Text().Docs() {
		entries = append(entries, Entry{Kind: KindText, Key: ref, Text: text})
	}

	return entries
}

// Write exports a branch to path.
func Write(path string, b *branch.Branch, c codec.Codec) (Manifest, error) {
	if c == nil {
		c = codec.Default
	}

	entries := Collect(b)
	info := b.Info()

	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	for _, e := range entries {
		payload, err := c.Marshal(e)
		if err != nil {
			return Manifest{}, fmt.Errorf("failed to encode bundle entry: %w", err)
		}
		var frame [8]byte
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload))) //nolint:gosec
		binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, castagnoli))
		if _, err := zw.Write(frame[:]); err != nil {
			return Manifest{}, err
		}
		if _, err := zw.Write(payload); err != nil {
			return Manifest{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("failed to compress bundle body: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: Path is caller-provided
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to create bundle file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := writeHeader(f, Header{
		FormatVersion: formatVersion,
		CodecName:     c.Name(),
		BranchID:      info.ID,
		BranchName:    info.Name,
	}); err != nil {
		return Manifest{}, err
	}

	var bodyLen [8]byte
	binary.LittleEndian.PutUint64(bodyLen[:], uint64(body.Len()))
	if _, err := f.Write(bodyLen[:]); err != nil {
		return Manifest{}, err
	}
	if _, err := f.Write(body.Bytes()); err != nil {
		return Manifest{}, err
	}

	var footer [12]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(len(entries)))
	binary.LittleEndian.PutUint32(footer[8:12], crc32.Checksum(body.Bytes(), castagnoli))
	if _, err := f.Write(footer[:]); err != nil {
		return Manifest{}, err
	}
	if err := f.Sync(); err != nil {
		return Manifest{}, err
	}

	st, err := f.Stat()
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{
		BranchID:   info.ID,
		BranchName: info.Name,
		Path:       path,
		EntryCount: len(entries),
		BundleSize: st.Size(),
	}, nil
}

// Read decodes a bundle, verifying every checksum.
func Read(path string) (*Contents, error) {
	f, err := os.Open(path) //nolint:gosec // G304: Path is caller-provided
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return decode(f)
}

// Validate checks a bundle's structure and checksums without applying
// anything. Checksum failures are reported, not returned as errors;
// structural damage (bad magic, truncation) is an error.
func Validate(path string) (Report, error) {
	contents, err := Read(path)
	if err != nil {
		var invalid *ErrInvalidBundle
		if errors.As(err, &invalid) && invalid.Reason == "checksum mismatch" {
			// Read far enough to know the shape but not trust the payload.
			hdr, count, hdrErr := peek(path)
			if hdrErr != nil {
				return Report{}, err
			}
			return Report{
				BranchID:       hdr.BranchID,
				FormatVersion:  hdr.FormatVersion,
				EntryCount:     count,
				ChecksumsValid: false,
			}, nil
		}
		return Report{}, err
	}

	return Report{
		BranchID:       contents.Header.BranchID,
		FormatVersion:  contents.Header.FormatVersion,
		EntryCount:     len(contents.Entries),
		ChecksumsValid: true,
	}, nil
}

func decode(f *os.File) (*Contents, error) {
	hdr, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	c, err := codec.ByName(hdr.CodecName)
	if err != nil {
		return nil, &ErrInvalidBundle{Reason: fmt.Sprintf("unknown codec %q", hdr.CodecName)}
	}

	var bodyLen [8]byte
	if _, err := io.ReadFull(f, bodyLen[:]); err != nil {
		return nil, &ErrInvalidBundle{Reason: "truncated body length"}
	}
	length := binary.LittleEndian.Uint64(bodyLen[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, &ErrInvalidBundle{Reason: "truncated body"}
	}

	var footer [12]byte
	if _, err := io.ReadFull(f, footer[:]); err != nil {
		return nil, &ErrInvalidBundle{Reason: "truncated footer"}
	}
	entryCount := binary.LittleEndian.Uint64(footer[0:8])
	bodySum := binary.LittleEndian.Uint32(footer[8:12])

	if crc32.Checksum(body, castagnoli) != bodySum {
		return nil, &ErrInvalidBundle{Reason: "checksum mismatch"}
	}

	zr := lz4.NewReader(bytes.NewReader(body))
	entries := make([]Entry, 0, entryCount)
	for {
		var frame [8]byte
		if _, err := io.ReadFull(zr, frame[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &ErrInvalidBundle{Reason: "truncated entry frame"}
		}
		payloadLen := binary.LittleEndian.Uint32(frame[0:4])
		payloadSum := binary.LittleEndian.Uint32(frame[4:8])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(zr, payload); err != nil {
			return nil, &ErrInvalidBundle{Reason: "truncated entry payload"}
		}
		if crc32.Checksum(payload, castagnoli) != payloadSum {
			return nil, &ErrInvalidBundle{Reason: "checksum mismatch"}
		}

		var e Entry
		if err := c.Unmarshal(payload, &e); err != nil {
			return nil, &ErrInvalidBundle{Reason: "undecodable entry"}
		}
		entries = append(entries, e)
	}

	if uint64(len(entries)) != entryCount {
		return nil, &ErrInvalidBundle{Reason: "entry count mismatch"}
	}

	return &Contents{Header: hdr, Entries: entries}, nil
}

// peek reads only the plaintext header and footer entry count.
func peek(path string) (Header, int, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return Header{}, 0, err
	}
	defer func() { _ = f.Close() }()

	hdr, err := readHeader(f)
	if err != nil {
		return Header{}, 0, err
	}

	if _, err := f.Seek(-12, io.SeekEnd); err != nil {
		return Header{}, 0, err
	}
	var footer [12]byte
	if _, err := io.ReadFull(f, footer[:]); err != nil {
		return Header{}, 0, err
	}
	return hdr, int(binary.LittleEndian.Uint64(footer[0:8])), nil
}

func writeHeader(w io.Writer, hdr Header) error {
	buf := make([]byte, 0, 64)
	buf = append(buf, bundleMagic[:]...)

	var ver [2]byte
	binary.LittleEndian.PutUint16(ver[:], hdr.FormatVersion)
	buf = append(buf, ver[:]...)

	for _, s := range []string{hdr.CodecName, hdr.BranchID, hdr.BranchName} {
		if len(s) > 255 {
			return &ErrInvalidBundle{Reason: "header field too long"}
		}
		buf = append(buf, uint8(len(s)))
		buf = append(buf, s...)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write bundle header: %w", err)
	}
	return nil
}

func readHeader(f *os.File) (Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return Header{}, &ErrInvalidBundle{Reason: "truncated header"}
	}
	if magic != bundleMagic {
		return Header{}, &ErrInvalidBundle{Reason: "bad magic"}
	}

	var ver [2]byte
	if _, err := io.ReadFull(f, ver[:]); err != nil {
		return Header{}, &ErrInvalidBundle{Reason: "truncated header"}
	}
	hdr := Header{FormatVersion: binary.LittleEndian.Uint16(ver[:])}
	if hdr.FormatVersion != formatVersion {
		return Header{}, &ErrInvalidBundle{Reason: fmt.Sprintf("unsupported format version %d", hdr.FormatVersion)}
	}

	fields := []*string{&hdr.CodecName, &hdr.BranchID, &hdr.BranchName}
	for _, field := range fields {
		var n [1]byte
		if _, err := io.ReadFull(f, n[:]); err != nil {
			return Header{}, &ErrInvalidBundle{Reason: "truncated header"}
		}
		s := make([]byte, n[0])
		if _, err := io.ReadFull(f, s); err != nil {
			return Header{}, &ErrInvalidBundle{Reason: "truncated header"}
		}
		*field = string(s)
	}
	return hdr, nil
}
