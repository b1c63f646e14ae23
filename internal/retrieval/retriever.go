package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

const (
	// DefaultTopK is the number of candidates requested when the caller
	// does not specify one.
	DefaultTopK = 8
	// DefaultContextBudget is the context size limit in runes.
	DefaultContextBudget = 4000
)

// chunkSeparator joins chunk texts in the assembled context.
const chunkSeparator = "\n\n"

// Embedder produces embedding vectors for texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher serves similarity search over stored chunk vectors.
type Searcher interface {
	Search(vector []float32, topK int, f Filter) ([]ScoredRecord, error)
}

// RetrievedChunk is one ranked search hit included in the assembled context.
// Rank starts at 1 and doubles as the chunk's citation marker number.
// Text may be shorter than the stored chunk text in the single case where
// no chunk fits the budget whole and the best one is included truncated.
type RetrievedChunk struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Rank       int
	Text       string
	Score      float32
}

// Result is the outcome of a retrieval: the chunks selected for the context
// window, in rank order, and their concatenated text.
type Result struct {
	Chunks  []RetrievedChunk
	Context string
}

// Empty reports whether retrieval found nothing usable.
func (r Result) Empty() bool {
	return len(r.Chunks) == 0
}

// Retriever embeds a question, searches the vector store, and assembles a
// bounded context.
type Retriever struct {
	embedder Embedder
	store    Searcher
	logger   *slog.Logger
}

// NewRetriever creates a Retriever backed by the given Embedder and Searcher.
func NewRetriever(embedder Embedder, store Searcher) *Retriever {
	return &Retriever{embedder: embedder, store: store, logger: slog.Default()}
}

// Retrieve returns the top-ranked chunks for the question among the owner's
// documents, with total context text bounded by contextBudget runes. A chunk
// that would overflow the budget is dropped whole, never cut, so citations
// always point at text the model actually saw. The one exception: when not
// even the best chunk fits, it is included truncated rather than returning
// an empty context for a non-empty search result. Finding no chunks at all
// is not an error; the caller decides how to answer.
func (r *Retriever) Retrieve(ctx context.Context, question, ownerID string, topK, contextBudget int) (Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if contextBudget <= 0 {
		contextBudget = DefaultContextBudget
	}

	vecs, err := r.embedder.EmbedBatch(ctx, []string{question})
	if err != nil {
		return Result{}, fmt.Errorf("embedding question: %w", err)
	}

	scored, err := r.store.Search(vecs[0], topK, Filter{OwnerID: ownerID})
	if err != nil {
		return Result{}, fmt.Errorf("searching vectors: %w", err)
	}
	if len(scored) == 0 {
		return Result{}, nil
	}

	result := assembleContext(scored, contextBudget)
	r.logger.Debug("retrieval complete",
		"candidates", len(scored),
		"included", len(result.Chunks),
		"context_runes", utf8.RuneCountInString(result.Context),
	)
	return result, nil
}

// assembleContext packs chunk texts into the budget in descending rank order.
func assembleContext(scored []ScoredRecord, budget int) Result {
	var res Result
	remaining := budget
	sepLen := utf8.RuneCountInString(chunkSeparator)

	for _, s := range scored {
		cost := utf8.RuneCountInString(s.Text)
		if len(res.Chunks) > 0 {
			cost += sepLen
		}
		if cost > remaining {
			continue
		}
		if len(res.Chunks) > 0 {
			res.Context += chunkSeparator
		}
		res.Context += s.Text
		res.Chunks = append(res.Chunks, RetrievedChunk{
			ChunkID:    s.ID,
			DocumentID: s.DocumentID,
			Ordinal:    s.Ordinal,
			Rank:       len(res.Chunks) + 1,
			Text:       s.Text,
			Score:      s.Score,
		})
		remaining -= cost
	}

	if len(res.Chunks) == 0 {
		best := scored[0]
		truncated := truncateRunes(best.Text, budget)
		res.Context = truncated
		res.Chunks = []RetrievedChunk{{
			ChunkID:    best.ID,
			DocumentID: best.DocumentID,
			Ordinal:    best.Ordinal,
			Rank:       1,
			Text:       truncated,
			Score:      best.Score,
		}}
	}

	return res
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
