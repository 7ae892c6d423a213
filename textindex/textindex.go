// Package textindex provides the in-memory BM25 keyword index used for
// cross-primitive text search.
//
// Documents are keyed by an opaque ref string (the engine uses refs like
// "kv/user:1" or "event/42"). Scoring uses standard BM25 parameters k1=1.2,
// b=0.75. The index is safe for concurrent reads and writes.
package textindex

import (
	"math"
	"sort"
	"strings"
	"sync"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Match is one keyword search hit, score higher-is-better.
type Match struct {
	Ref   string
	Score float32
}

type posting struct {
	id    uint32
	count int
}

// Index is an in-memory BM25 inverted index.
type Index struct {
	mu          sync.RWMutex
	inverted    map[string][]posting
	docLengths  map[uint32]int
	totalLength int64
	docCount    int

	// refs assigns each ref a dense id in first-insertion order; the id is
	// the tie-break for equal scores. docs keeps the raw text so forks and
	// snapshots can rebuild the index.
	ids  map[string]uint32
	refs []string
	docs map[uint32]string
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		inverted:   make(map[string][]posting),
		docLengths: make(map[uint32]int),
		ids:        make(map[string]uint32),
		docs:       make(map[uint32]string),
	}
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Add indexes text under ref, replacing any previous document for the same
// ref.
func (idx *Index) Add(ref, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.ids[ref]
	if !ok {
		id = uint32(len(idx.refs))
		idx.ids[ref] = id
		idx.refs = append(idx.refs, ref)
	}
	if _, indexed := idx.docs[id]; indexed {
		idx.deleteLocked(id)
	}

	tokens := tokenize(text)
	idx.docs[id] = text
	idx.docLengths[id] = len(tokens)
	idx.totalLength += int64(len(tokens))
	idx.docCount++

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}
	for t, count := range tf {
		idx.inverted[t] = append(idx.inverted[t], posting{id: id, count: count})
	}
}

// Delete removes the document for ref. Reports whether it was indexed.
func (idx *Index) Delete(ref string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.ids[ref]
	if !ok {
		return false
	}
	if _, indexed := idx.docs[id]; !indexed {
		return false
	}
	idx.deleteLocked(id)
	return true
}

func (idx *Index) deleteLocked(id uint32) {
	length := idx.docLengths[id]

	// O(terms * postings); acceptable at embedded-engine document counts.
	for t := range idx.inverted {
		postings := idx.inverted[t]
		for i, p := range postings {
			if p.id == id {
				idx.inverted[t] = append(postings[:i], postings[i+1:]...)
				break
			}
		}
		if len(idx.inverted[t]) == 0 {
			delete(idx.inverted, t)
		}
	}

	delete(idx.docs, id)
	delete(idx.docLengths, id)
	idx.totalLength -= int64(length)
	idx.docCount--
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount
}

// Search scores every document matching at least one query term and returns
// up to k matches, best first. Equal scores are broken by insertion order.
func (idx *Index) Search(query string, k int) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.docCount == 0 || k <= 0 {
		return nil
	}

	avgDL := float64(idx.totalLength) / float64(idx.docCount)

	scores := make(map[uint32]float64)
	for _, t := range tokenize(query) {
		postings, ok := idx.inverted[t]
		if !ok {
			continue
		}

		idf := idx.computeIDF(len(postings))
		for _, p := range postings {
			tf := float64(p.count)
			docLen := float64(idx.docLengths[p.id])

			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[p.id] += idf * (num / denom)
		}
	}

	type hit struct {
		id    uint32
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for id, score := range scores {
		if score > 0 {
			hits = append(hits, hit{id: id, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{Ref: idx.refs[h.id], Score: float32(h.score)}
	}
	return out
}

func (idx *Index) computeIDF(df int) float64 {
	N := float64(idx.docCount)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}

// Doc returns the indexed text for ref.
func (idx *Index) Doc(ref string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, ok := idx.ids[ref]
	if !ok {
		return "", false
	}
	text, ok := idx.docs[id]
	return text, ok
}

// Fork returns an independent copy of the index.
func (idx *Index) Fork() *Index {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := New()
	for _, ref := range idx.refs {
		id := idx.ids[ref]
		if text, ok := idx.docs[id]; ok {
			out.Add(ref, text)
		} else {
			// Preserve the id slot so tie-break order survives the fork.
			newID := uint32(len(out.refs))
			out.ids[ref] = newID
			out.refs = append(out.refs, ref)
		}
	}
	return out
}

// Docs returns the indexed documents by ref, for snapshotting. Rebuilding an
// index from the returned map via Add restores equivalent state.
func (idx *Index) Docs() map[string]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]string, len(idx.docs))
	for id, text := range idx.docs {
		out[idx.refs[id]] = text
	}
	return out
}
