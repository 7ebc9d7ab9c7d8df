package retrieval

import (
	"context"
	"strings"

	"github.com/kalambet/machinist/internal/prompt"
)

const (
	defaultTopK     = 4
	defaultMinScore = 0.35
	// duplicateOverlap is the word-set Jaccard ratio above which two chunks
	// of the same document are considered the same passage.
	duplicateOverlap = 0.8
)

// Options tune retrieval.
type Options struct {
	TopK     int
	MinScore float32
}

// Retriever combines embedding and vector search to find relevant passages.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	opts     Options
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MinScore <= 0 {
		opts.MinScore = defaultMinScore
	}
	return &Retriever{embedder: embedder, store: store, opts: opts}
}

// Retrieve embeds the query and returns at most TopK passages scoring at
// least MinScore, best first, with near-duplicate chunks of the same
// document collapsed. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]prompt.Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so threshold and dedup filtering can still fill TopK.
	scored, err := r.store.Search(ctx, vec, r.opts.TopK*2)
	if err != nil {
		return nil, err
	}

	var kept []hit
	for _, s := range scored {
		if s.Score < r.opts.MinScore {
			continue
		}
		if absorbed(s, kept) {
			continue
		}
		if len(kept) == r.opts.TopK {
			continue
		}
		kept = append(kept, hit{ScoredRecord: s, first: s.Ordinal, last: s.Ordinal})
	}

	passages := make([]prompt.Passage, len(kept))
	for i, s := range kept {
		passages[i] = prompt.Passage{Source: s.Source, Ordinal: s.first, Text: s.Text, Score: s.Score}
	}
	return passages, nil
}

// hit is a kept passage covering chunks first..last of one document.
type hit struct {
	ScoredRecord
	first, last int
}

// absorbed reports whether c repeats or continues a kept passage of the
// same document. A chunk adjacent to a kept span is merged into it with the
// shared overlap removed; a repeat or a chunk sharing most of its words
// with a kept one is dropped.
func absorbed(c ScoredRecord, kept []hit) bool {
	for i := range kept {
		k := &kept[i]
		if k.Source != c.Source {
			continue
		}
		switch {
		case c.Ordinal >= k.first && c.Ordinal <= k.last:
			return true
		case c.Ordinal == k.last+1:
			k.Text = joinOverlapping(k.Text, c.Text)
			k.last = c.Ordinal
			return true
		case c.Ordinal == k.first-1:
			k.Text = joinOverlapping(c.Text, k.Text)
			k.first = c.Ordinal
			return true
		case jaccard(words(k.Text), words(c.Text)) >= duplicateOverlap:
			return true
		}
	}
	return false
}

// minOverlap is the shortest shared boundary treated as chunk overlap
// rather than coincidence.
const minOverlap = 8

// joinOverlapping appends b to a, dropping the longest suffix of a that b
// starts with.
func joinOverlapping(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	for n := min(len(a), len(b)); n >= minOverlap; n-- {
		if strings.HasSuffix(a, b[:n]) {
			return a + b[n:]
		}
	}
	return a + "\n" + b
}

func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
