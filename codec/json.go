package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Notes:
//   - For engine values (the JSON-compatible boundary types), JSON is stable
//     and portable.
//   - Time, complex numbers, funcs, channels, etc are not supported.
//
// If you need custom encoding (e.g. msgpack), implement Codec and set it on
// the engine where supported.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the engine.
//
// NOTE: This affects newly-created snapshots/WALs/bundles. Existing persisted
// files are self-describing (they store the codec name in their header) and
// are opened by selecting the appropriate codec by name.
var Default Codec = JSON{}
