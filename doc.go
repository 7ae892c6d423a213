// Package strata is an embedded, versioned, branchable data engine.
//
// One engine multiplexes several primitives over a shared version substrate:
// a versioned key-value store, compare-and-swap state cells, a path-addressed
// JSON document store, an append-only event log and an exact-search vector
// index. Every write produces an immutable version stamped by a single
// monotonic clock, so any read can be replayed "as of" an earlier instant.
//
// Data lives on branches. A branch forks as a logical snapshot of its parent
// and the two evolve independently afterwards; branches can be diffed, merged
// and exported as self-contained bundle files. Spaces partition keys within a
// branch.
//
// Open returns a durable engine backed by a snapshot file plus a write-ahead
// log; Cache returns a memory-only engine with the same API:
//
//	db, err := strata.Open("/var/lib/myapp", strata.WithAutoEmbed(true))
//	if err != nil { ... }
//	defer db.Close()
//
//	ver, _ := db.Put("user:1", map[string]any{"name": "Ada"})
//	v, ok, _ := db.Get("user:1", strata.AsOf(time.Now()))
package strata
