package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rmarchev/askdoc/internal/answer"
	"github.com/rmarchev/askdoc/internal/embedding"
)

type QueryRequest struct {
	OwnerID       string `json:"owner_id"`
	Question      string `json:"question"`
	TopK          int    `json:"top_k"`
	ContextBudget int    `json:"context_budget"`
}

// Source is the chunk metadata announced before the answer streams.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Rank       int     `json:"rank"`
	Score      float32 `json:"score"`
}

// handleQuery answers a question over the owner's documents as a
// Server-Sent Events stream: one "sources" event, then "token" events, then
// exactly one terminal event ("done", "cancelled", or "error"). Retrieval
// failures happen before the stream starts and surface as plain HTTP errors.
func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		result, err := deps.Retriever.Retrieve(r.Context(), req.Question, req.OwnerID, req.TopK, req.ContextBudget)
		if errors.Is(err, embedding.ErrUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "embedding_unavailable", "embedding backend unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sources := make([]Source, len(result.Chunks))
		for i, ch := range result.Chunks {
			sources[i] = Source{
				ChunkID:    ch.ChunkID,
				DocumentID: ch.DocumentID,
				Ordinal:    ch.Ordinal,
				Rank:       ch.Rank,
				Score:      ch.Score,
			}
		}
		writeSSE(w, flusher, "sources", map[string]any{"sources": sources})

		// Nothing retrieved: no generation, just an honest terminal event.
		if result.Empty() {
			writeSSE(w, flusher, "done", map[string]any{
				"reason":    "insufficient_context",
				"citations": []answer.Citation{},
			})
			return
		}

		for ev := range deps.Streamer.Stream(r.Context(), req.Question, result.Chunks) {
			switch ev.Type {
			case answer.EventToken:
				writeSSE(w, flusher, "token", map[string]string{"token": ev.Token})
			case answer.EventDone:
				writeSSE(w, flusher, "done", map[string]any{"citations": ev.Citations})
			case answer.EventCancelled:
				writeSSE(w, flusher, "cancelled", map[string]any{})
			case answer.EventError:
				writeSSE(w, flusher, "error", map[string]any{"message": ev.Err.Error(), "type": "generation_failed"})
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshalling sse payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	flusher.Flush()
}
