package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rmarchev/askdoc/internal/embedding"
	"github.com/rmarchev/askdoc/internal/extract"
	"github.com/rmarchev/askdoc/internal/ingest"
	"github.com/rmarchev/askdoc/internal/storage"
)

// inProgressRetryAfterSeconds is the Retry-After hint sent when an upload
// with the same idempotency key is still being processed.
const inProgressRetryAfterSeconds = 2

type CreateDocumentRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content string `json:"content"` // base64-encoded file bytes
}

type DocumentResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toDocumentResponse(d storage.Document) DocumentResponse {
	return DocumentResponse{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Status:    string(d.Status),
		Error:     d.Error,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Idempotency-Key header is required")
			return
		}

		var req CreateDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		fileBytes, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64")
			return
		}

		result, err := deps.Ingestor.Ingest(r.Context(), ingest.Request{
			OwnerID:        req.OwnerID,
			IdempotencyKey: key,
			Title:          req.Title,
			DeclaredType:   req.Type,
			FileBytes:      fileBytes,
		})
		if err != nil {
			writeIngestError(w, err)
			return
		}

		doc, err := deps.Store.GetDocument(result.DocumentID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(toDocumentResponse(doc))
	}
}

// writeIngestError maps ingestion failures onto the HTTP surface.
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrIdempotencyConflict):
		httpError(w, http.StatusConflict, "idempotency_conflict", "idempotency key was already used with a different payload")
	case errors.Is(err, ingest.ErrRequestInProgress):
		w.Header().Set("Retry-After", strconv.Itoa(inProgressRetryAfterSeconds))
		httpError(w, http.StatusConflict, "request_in_progress", "an upload with this idempotency key is still being processed")
	case errors.Is(err, ingest.ErrValidation):
		httpError(w, http.StatusUnprocessableEntity, "validation_failed", "%v", err)
	case errors.Is(err, extract.ErrUnsupportedFormat):
		httpError(w, http.StatusUnsupportedMediaType, "unsupported_format", "%v", err)
	case errors.Is(err, embedding.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "embedding_unavailable", "embedding backend unavailable: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(ownerID, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		responses := make([]DocumentResponse, len(docs))
		for i, d := range docs {
			responses[i] = toDocumentResponse(d)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responses)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toDocumentResponse(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Chunks go first so a failure here leaves the document row intact
		// and the delete retryable.
		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteDocument(id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "deleting document chunks: %v", err)
				return
			}
		}

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}
