// Package api exposes document ingestion, management, and question answering
// over HTTP, plus an MCP server for tool-based access.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rmarchev/askdoc/internal/answer"
	"github.com/rmarchev/askdoc/internal/ingest"
	"github.com/rmarchev/askdoc/internal/retrieval"
	"github.com/rmarchev/askdoc/internal/storage"
)

const maxRequestBodySize = 16 << 20 // generous: uploads arrive base64-encoded

// Ingestor runs a document upload to a terminal state.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// Retriever finds context chunks for a question among one owner's documents.
type Retriever interface {
	Retrieve(ctx context.Context, question, ownerID string, topK, contextBudget int) (retrieval.Result, error)
}

// AnswerStreamer generates a grounded answer as an event stream.
type AnswerStreamer interface {
	Stream(ctx context.Context, question string, chunks []retrieval.RetrievedChunk) <-chan answer.Event
}

// VectorDeleter removes a document's chunks from the vector store.
type VectorDeleter interface {
	DeleteDocument(documentID string) error
}

// Deps holds the wired dependencies of the HTTP API.
type Deps struct {
	Store     *storage.Store
	Ingestor  Ingestor
	Retriever Retriever
	Streamer  AnswerStreamer
	Vectors   VectorDeleter
	Token     string
}

// NewHandler returns the HTTP API router. Everything under /v1 requires
// bearer authentication; /health does not.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/documents", handleCreateDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/query", handleQuery(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
