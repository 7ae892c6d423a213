// Package codec centralizes payload encoding for the engine.
//
// Codec selection is a breaking-change boundary: persisted bytes written by
// one codec may not decode with another. Persisted formats (snapshots, WAL,
// bundles) are self-describing and store the codec name in their header.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// This is used by self-describing persistence formats that record the codec
// name in their header.
func ByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Roundtrip normalizes a value through the codec: marshal then unmarshal into
// a fresh any. The engine uses this at the API boundary so that stored values
// are always plain JSON-compatible shapes (map[string]any, []any, float64,
// string, bool, nil), independent of the caller's concrete types, and so that
// stored state never aliases caller-owned memory.
func Roundtrip(c Codec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s marshal failed: %w", c.Name(), err)
	}
	var out any
	if err := c.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("codec %s unmarshal failed: %w", c.Name(), err)
	}
	return out, nil
}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
