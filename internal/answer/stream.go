package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rmarchev/askdoc/internal/retrieval"
)

// ErrGenerationFailed is returned when the generation backend fails after
// retrieval succeeded.
var ErrGenerationFailed = errors.New("answer generation failed")

// EventType discriminates stream events. Every stream ends with exactly one
// terminal event: done, cancelled, or error.
type EventType string

const (
	EventToken     EventType = "token"
	EventDone      EventType = "done"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Citation links a marker number in the answer text to the chunk it cites.
type Citation struct {
	Marker     int    `json:"marker"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
}

// Event is one item of an answer stream.
type Event struct {
	Type      EventType
	Token     string
	Citations []Citation
	Err       error
}

// Generator produces an answer for a prompt, invoking fn once per token as
// it is generated. Returning an error from fn aborts generation.
type Generator interface {
	Generate(ctx context.Context, p Prompt, fn func(token string) error) error
}

// Streamer coordinates answer generation into an event stream.
type Streamer struct {
	gen    Generator
	logger *slog.Logger
}

// NewStreamer creates a Streamer over the given Generator.
func NewStreamer(gen Generator) *Streamer {
	return &Streamer{gen: gen, logger: slog.Default()}
}

// Stream generates an answer to the question grounded in chunks, delivering
// events on the returned channel. Token events arrive in generation order;
// the channel is closed after the single terminal event. Cancelling ctx stops
// generation and yields a cancelled terminal event; tokens already delivered
// stay delivered. The terminal done event carries the citations resolved
// from markers in the answer text, or all provided chunks when the model
// cited nothing explicitly.
func (s *Streamer) Stream(ctx context.Context, question string, chunks []retrieval.RetrievedChunk) <-chan Event {
	// Buffer of one so the terminal event never blocks on a departed consumer.
	out := make(chan Event, 1)

	go func() {
		defer close(out)

		var answer strings.Builder
		prompt := BuildPrompt(question, chunks)

		err := s.gen.Generate(ctx, prompt, func(token string) error {
			answer.WriteString(token)
			select {
			case out <- Event{Type: EventToken, Token: token}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		switch {
		case err == nil:
			out <- Event{Type: EventDone, Citations: resolveCitations(answer.String(), chunks)}
		case ctx.Err() != nil, errors.Is(err, context.Canceled):
			s.logger.Debug("answer stream cancelled", "generated_bytes", answer.Len())
			out <- Event{Type: EventCancelled}
		default:
			s.logger.Warn("answer generation failed", "error", err)
			out <- Event{Type: EventError, Err: fmt.Errorf("%v: %w", err, ErrGenerationFailed)}
		}
	}()

	return out
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// resolveCitations maps citation markers found in the answer back to chunks
// by rank. Markers outside the provided range are ignored. An answer with no
// recognizable markers is attributed to every provided chunk, so a grounded
// answer is never presented as unsourced.
func resolveCitations(answerText string, chunks []retrieval.RetrievedChunk) []Citation {
	byRank := make(map[int]retrieval.RetrievedChunk, len(chunks))
	for _, ch := range chunks {
		byRank[ch.Rank] = ch
	}

	seen := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(answerText, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := byRank[n]; ok {
			seen[n] = true
		}
	}

	if len(seen) == 0 {
		citations := make([]Citation, 0, len(chunks))
		for _, ch := range chunks {
			citations = append(citations, Citation{Marker: ch.Rank, ChunkID: ch.ChunkID, DocumentID: ch.DocumentID, Ordinal: ch.Ordinal})
		}
		return citations
	}

	markers := make([]int, 0, len(seen))
	for n := range seen {
		markers = append(markers, n)
	}
	sort.Ints(markers)

	citations := make([]Citation, 0, len(markers))
	for _, n := range markers {
		ch := byRank[n]
		citations = append(citations, Citation{Marker: n, ChunkID: ch.ChunkID, DocumentID: ch.DocumentID, Ordinal: ch.Ordinal})
	}
	return citations
}
