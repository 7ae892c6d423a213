package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	walMagic         = [4]byte{'S', 'T', 'W', '0'}
	walHeaderVersion = uint16(1)
)

// walHeaderInfo is the self-describing file preamble: replay never guesses
// the compression setting or codec.
type walHeaderInfo struct {
	Compressed       bool
	CompressionLevel int
	CodecName        string
	HeaderLen        int64
}

func writeWALHeader(w io.Writer, info walHeaderInfo) (int64, error) {
	var flags uint16
	level := uint8(0)
	if info.Compressed {
		flags |= 1
		level = uint8(info.CompressionLevel)
	}

	name := []byte(info.CodecName)
	if len(name) > 255 {
		return 0, fmt.Errorf("codec name too long: %d bytes", len(name))
	}

	buf := make([]byte, 0, 12+len(name))
	buf = append(buf, walMagic[:]...)

	var fixed [7]byte
	binary.LittleEndian.PutUint16(fixed[0:2], walHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	fixed[5] = 0 // reserved
	fixed[6] = uint8(len(name))
	buf = append(buf, fixed[:]...)
	buf = append(buf, name...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	return int64(len(buf)), nil
}

func readWALHeader(f *os.File) (walHeaderInfo, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return walHeaderInfo{}, false, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF {
			return walHeaderInfo{}, false, nil
		}
		return walHeaderInfo{}, false, fmt.Errorf("failed to read WAL header magic: %w", err)
	}
	if magic != walMagic {
		return walHeaderInfo{}, false, fmt.Errorf("unsupported WAL format: invalid header magic")
	}

	var fixed [7]byte
	if _, err := io.ReadFull(f, fixed[:]); err != nil {
		return walHeaderInfo{}, true, fmt.Errorf("failed to read WAL header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != walHeaderVersion {
		return walHeaderInfo{}, true, fmt.Errorf("unsupported WAL header version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	name := make([]byte, fixed[6])
	if _, err := io.ReadFull(f, name); err != nil {
		return walHeaderInfo{}, true, fmt.Errorf("failed to read WAL codec name: %w", err)
	}

	return walHeaderInfo{
		Compressed:       (flags & 1) != 0,
		CompressionLevel: int(fixed[4]),
		CodecName:        string(name),
		HeaderLen:        int64(11 + len(name)),
	}, true, nil
}
