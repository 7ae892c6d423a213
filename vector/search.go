package vector

import (
	"container/heap"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/metadata"
)

// Match is one search result. Score is normalized so that higher is always
// better, regardless of the collection's metric.
type Match struct {
	Key       string
	Score     float32
	Vector    []float32
	Meta      metadata.Document
	Version   uint64
	Timestamp uint64
}

// ErrInvalidK indicates a non-positive search k.
type ErrInvalidK struct {
	K int
}

func (e *ErrInvalidK) Error() string {
	return "search k must be positive"
}

// SearchOptions tunes one search call.
type SearchOptions struct {
	// AsOf searches the collection as it existed at the given timestamp.
	// Zero means current state.
	AsOf uint64

	// Filters restricts candidates by metadata before scoring.
	Filters *metadata.FilterSet

	// Metric overrides the collection's metric for this call only.
	Metric distance.Metric
}

// Search scans the collection exactly, scoring every live candidate that
// passes the filter and returning up to k matches, best first. Equal scores
// are broken by insertion order.
func (x *Index) Search(coll string, query []float32, k int, opts SearchOptions) ([]Match, error) {
	c, err := x.get(coll)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, &ErrInvalidK{K: k}
	}
	if err := c.validate(query); err != nil {
		return nil, err
	}

	metric := c.info.Metric
	if opts.Metric != "" {
		metric = opts.Metric
	}
	score, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	// Bitmap pre-filter only applies to current-state searches: the inverted
	// index tracks latest metadata, so as-of searches fall back to matching
	// the historical record's own metadata.
	var pass func(uint32) bool
	if opts.Filters != nil && opts.AsOf == 0 {
		pass = c.meta.CreateFilterFunc(opts.Filters)
	}

	x.mu.RLock()
	order := c.order
	x.mu.RUnlock()

	h := &matchHeap{}
	heap.Init(h)

	for id, key := range order {
		if pass != nil && !pass(uint32(id)) {
			continue
		}

		rec, vrec, ok := c.entries.Get(key, opts.AsOf)
		if !ok {
			continue
		}
		if pass == nil && opts.Filters != nil && !opts.Filters.Matches(rec.Meta) {
			continue
		}

		cand := scored{
			id: uint32(id),
			match: Match{
				Key:       key,
				Score:     score(query, rec.Vector),
				Vector:    rec.Vector,
				Meta:      rec.Meta,
				Version:   vrec.Number,
				Timestamp: vrec.Timestamp,
			},
		}

		if h.Len() < k {
			heap.Push(h, cand)
			continue
		}
		if worseThan((*h)[0], cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}

	// Pop yields worst-first; reverse into best-first order.
	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(scored).match
	}
	return out, nil
}

type scored struct {
	id    uint32
	match Match
}

// worseThan reports whether a ranks strictly below b: lower score, or equal
// score with a later insertion id.
func worseThan(a, b scored) bool {
	if a.match.Score != b.match.Score {
		return a.match.Score < b.match.Score
	}
	return a.id > b.id
}

// matchHeap is a min-heap on rank, keeping the worst retained match on top.
type matchHeap []scored

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return worseThan(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(v interface{}) { *h = append(*h, v.(scored)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
