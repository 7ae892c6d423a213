package strata

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/eventlog"
)

const snippetLimit = 160

// TextMatch is one cross-primitive search hit. Primitive is "kv", "json" or
// "event"; Sequence is set only for event hits.
type TextMatch struct {
	Primitive string  `json:"primitive"`
	Space     string  `json:"space"`
	Key       string  `json:"key,omitempty"`
	Sequence  uint64  `json:"sequence,omitempty"`
	Score     float32 `json:"score"`
	Snippet   string  `json:"snippet,omitempty"`
}

// SearchText runs a BM25 keyword search over the current branch's indexed
// text: string content of KV values, JSON documents and event payloads across
// all spaces. Results come back best first, ties broken by indexing order.
func (e *Engine) SearchText(query string, k int) ([]TextMatch, error) {
	const op = "SearchText"
	start := time.Now()

	matches, err := e.searchText(op, query, k)
	e.metrics.RecordSearch(k, time.Since(start), err)
	return matches, err
}

func (e *Engine) searchText(op, query string, k int) ([]TextMatch, error) {
	if k <= 0 {
		return nil, newError(KindValidation, op, "k must be positive, got %d", k)
	}

	b, _, _, err := e.withRead(op)
	if err != nil {
		return nil, err
	}

	idx := b.Text()
	hits := idx.Search(query, k)

	out := make([]TextMatch, 0, len(hits))
	for _, hit := range hits {
		m, ok := matchFromRef(hit.Ref, hit.Score)
		if !ok {
			continue
		}
		if text, ok := idx.Doc(hit.Ref); ok {
			m.Snippet = snippet(text)
		}
		out = append(out, m)
	}
	return out, nil
}

// SemanticSearch embeds the query and ranks the current branch's indexed text
// by cosine similarity of embeddings. Requires WithAutoEmbed.
func (e *Engine) SemanticSearch(query string, k int) ([]TextMatch, error) {
	const op = "SemanticSearch"
	start := time.Now()

	matches, err := e.semanticSearch(op, query, k)
	e.metrics.RecordSearch(k, time.Since(start), err)
	return matches, err
}

func (e *Engine) semanticSearch(op, query string, k int) ([]TextMatch, error) {
	if k <= 0 {
		return nil, newError(KindValidation, op, "k must be positive, got %d", k)
	}
	if !e.autoEmbed {
		return nil, newError(KindState, op, "semantic search requires auto-embedding, open with WithAutoEmbed")
	}

	b, _, _, err := e.withRead(op)
	if err != nil {
		return nil, err
	}

	qv := e.embedder.Embed(query)

	type hit struct {
		ref   string
		text  string
		score float32
	}
	var hits []hit
	for ref, text := range b.Text().Docs() {
		score := distance.Cosine(qv, e.embedder.Embed(text))
		if score <= 0 {
			continue
		}
		hits = append(hits, hit{ref: ref, text: text, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].ref < hits[j].ref
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]TextMatch, 0, len(hits))
	for _, h := range hits {
		m, ok := matchFromRef(h.ref, h.score)
		if !ok {
			continue
		}
		m.Snippet = snippet(h.text)
		out = append(out, m)
	}
	return out, nil
}

// indexValue keeps the branch text index in sync with a KV or JSON write.
// Values without any string content are dropped from the index.
func (e *Engine) indexValue(b *branch.Branch, primitive, space, key string, v any, deleted bool) {
	ref := primitive + "/" + space + "/" + key
	if deleted {
		b.Text().Delete(ref)
		return
	}
	text := collectText(v)
	if text == "" {
		b.Text().Delete(ref)
		return
	}
	b.Text().Add(ref, text)
}

// reindexMerged folds merged KV and JSON values into the branch text index.
// Entries whose key no longer resolves were deleted by the merge and drop out
// of the index.
func (e *Engine) reindexMerged(b *branch.Branch, applied []branch.DiffEntry) {
	for _, entry := range applied {
		s, ok := b.Space(entry.Space)
		if !ok {
			continue
		}
		switch entry.Primitive {
		case branch.PrimitiveKV:
			v, _, live := s.KV.Get(entry.Key, 0)
			e.indexValue(b, primitiveKV, entry.Space, entry.Key, v, !live)
		case branch.PrimitiveJSON:
			doc, _, live := s.JSON.Get(entry.Key, 0)
			e.indexValue(b, primitiveJSON, entry.Space, entry.Key, doc, !live)
		}
	}
}

// indexEvent indexes an appended event's type and payload text.
func (e *Engine) indexEvent(b *branch.Branch, space string, ev eventlog.Event) {
	ref := primitiveEvent + "/" + space + "/" + strconv.FormatUint(ev.Sequence, 10)
	text := ev.Type
	if payload := collectText(ev.Payload); payload != "" {
		text += " " + payload
	}
	b.Text().Add(ref, text)
}

func matchFromRef(ref string, score float32) (TextMatch, bool) {
	primitive, rest, ok := strings.Cut(ref, "/")
	if !ok {
		return TextMatch{}, false
	}
	space, key, ok := strings.Cut(rest, "/")
	if !ok {
		return TextMatch{}, false
	}

	m := TextMatch{Primitive: primitive, Space: space, Score: score}
	if primitive == primitiveEvent {
		seq, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return TextMatch{}, false
		}
		m.Sequence = seq
	} else {
		m.Key = key
	}
	return m, true
}

// collectText gathers the string leaves of a JSON-shaped value in a stable
// order.
func collectText(v any) string {
	var sb strings.Builder
	appendText(&sb, v)
	return strings.TrimSpace(sb.String())
}

func appendText(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			appendText(sb, val[k])
		}
	case []any:
		for _, item := range val {
			appendText(sb, item)
		}
	}
}

func snippet(text string) string {
	if len(text) <= snippetLimit {
		return text
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
