// Package ingest coordinates the document ingestion flow: idempotency claim,
// validation, text extraction, chunking, embedding, and vector storage.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmarchev/askdoc/internal/chunker"
	"github.com/rmarchev/askdoc/internal/ledger"
	"github.com/rmarchev/askdoc/internal/retrieval"
	"github.com/rmarchev/askdoc/internal/storage"
)

var (
	// ErrValidation is returned when the request is rejected before any
	// processing happens.
	ErrValidation = errors.New("validation failed")
	// ErrIdempotencyConflict is returned when the idempotency key was already
	// used with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	// ErrRequestInProgress is returned when an earlier request with the same
	// idempotency key is still running.
	ErrRequestInProgress = errors.New("request already in progress")
)

const (
	DefaultMaxFileBytes = 10 << 20
	DefaultMaxChunkSize = 1000
	DefaultOverlap      = 100
)

// Policy bounds what an ingestion request may contain.
type Policy struct {
	MaxFileBytes int
	AllowedTypes []string
	MaxChunkSize int
	Overlap      int
}

func (p Policy) withDefaults() Policy {
	if p.MaxFileBytes <= 0 {
		p.MaxFileBytes = DefaultMaxFileBytes
	}
	if len(p.AllowedTypes) == 0 {
		p.AllowedTypes = []string{"text/plain", "text/markdown", "application/pdf"}
	}
	if p.MaxChunkSize <= 0 {
		p.MaxChunkSize = DefaultMaxChunkSize
	}
	if p.Overlap < 0 || p.Overlap >= p.MaxChunkSize {
		p.Overlap = DefaultOverlap
	}
	return p
}

// Request is one document upload.
type Request struct {
	OwnerID        string
	IdempotencyKey string
	Title          string
	DeclaredType   string
	FileBytes      []byte
}

// Result identifies the document an ingestion produced. Replayed is true
// when the idempotency key had already completed and the stored result was
// returned instead of processing again.
type Result struct {
	DocumentID string
	Replayed   bool
}

// Extractor converts file bytes into plain text.
type Extractor interface {
	Extract(fileBytes []byte, declaredType string) (string, error)
}

// Embedder produces embedding vectors for texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorUpserter atomically replaces a document's chunk set.
type VectorUpserter interface {
	Upsert(documentID string, records []retrieval.Record) error
}

// Coordinator runs ingestion requests end to end with exactly-once semantics
// per idempotency key.
type Coordinator struct {
	store     *storage.Store
	ledger    *ledger.Ledger
	extractor Extractor
	embedder  Embedder
	vectors   VectorUpserter
	policy    Policy
	logger    *slog.Logger
}

// NewCoordinator wires an ingestion Coordinator.
func NewCoordinator(store *storage.Store, led *ledger.Ledger, ex Extractor, em Embedder, vs VectorUpserter, policy Policy) *Coordinator {
	return &Coordinator{
		store:     store,
		ledger:    led,
		extractor: ex,
		embedder:  em,
		vectors:   vs,
		policy:    policy.withDefaults(),
		logger:    slog.Default(),
	}
}

// Ingest processes one upload. Duplicate submissions with the same
// idempotency key and payload return the stored document without processing
// again; a key reused with a different payload is rejected. Once the key is
// claimed, processing runs to a terminal state even if the caller's context
// is cancelled, so a retry after a dropped connection observes a consistent
// outcome rather than racing a half-done run.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("missing idempotency key: %w", ErrValidation)
	}
	if req.OwnerID == "" {
		return Result{}, fmt.Errorf("missing owner: %w", ErrValidation)
	}

	fingerprint := Fingerprint(req.OwnerID, req.DeclaredType, req.FileBytes)

	decision, err := c.ledger.Begin(ctx, req.IdempotencyKey, fingerprint)
	if err != nil {
		return Result{}, fmt.Errorf("claiming idempotency key: %w", err)
	}
	switch decision.Outcome {
	case ledger.AlreadyCompleted:
		return Result{DocumentID: decision.DocumentID, Replayed: true}, nil
	case ledger.Conflict:
		return Result{}, fmt.Errorf("key %q: %w", req.IdempotencyKey, ErrIdempotencyConflict)
	case ledger.InProgress:
		return Result{}, fmt.Errorf("key %q: %w", req.IdempotencyKey, ErrRequestInProgress)
	}

	// The key is claimed; from here every path must end in ledger.Complete
	// or ledger.Fail. Detach from the caller's cancellation so a dropped
	// request cannot strand the key in_progress.
	ctx = context.WithoutCancel(ctx)

	if err := c.validate(req); err != nil {
		if failErr := c.ledger.Fail(ctx, req.IdempotencyKey, err.Error()); failErr != nil {
			c.logger.Error("recording validation failure", "key", req.IdempotencyKey, "error", failErr)
		}
		return Result{}, err
	}

	doc := storage.Document{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Fingerprint: fingerprint,
		Title:       req.Title,
	}
	if err := c.store.CreateDocument(doc); err != nil {
		if failErr := c.ledger.Fail(ctx, req.IdempotencyKey, err.Error()); failErr != nil {
			c.logger.Error("recording creation failure", "key", req.IdempotencyKey, "error", failErr)
		}
		return Result{}, fmt.Errorf("creating document: %w", err)
	}
	if err := c.store.UpdateDocumentStatus(doc.ID, storage.StatusProcessing, ""); err != nil {
		return Result{}, c.fail(ctx, req.IdempotencyKey, doc.ID, fmt.Errorf("starting processing: %w", err))
	}

	c.logger.Info("ingestion started", "document_id", doc.ID, "owner_id", req.OwnerID, "bytes", len(req.FileBytes))

	if err := c.process(ctx, doc.ID, req); err != nil {
		return Result{}, c.fail(ctx, req.IdempotencyKey, doc.ID, err)
	}

	if err := c.store.UpdateDocumentStatus(doc.ID, storage.StatusReady, ""); err != nil {
		return Result{}, c.fail(ctx, req.IdempotencyKey, doc.ID, fmt.Errorf("marking ready: %w", err))
	}
	if err := c.ledger.Complete(ctx, req.IdempotencyKey, doc.ID); err != nil {
		return Result{}, fmt.Errorf("completing idempotency key: %w", err)
	}

	c.logger.Info("ingestion complete", "document_id", doc.ID)
	return Result{DocumentID: doc.ID}, nil
}

// process runs extraction through vector storage for an already-claimed
// request.
func (c *Coordinator) process(ctx context.Context, documentID string, req Request) error {
	text, err := c.extractor.Extract(req.FileBytes, req.DeclaredType)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}

	spans, err := chunker.Split(text, c.policy.MaxChunkSize, c.policy.Overlap)
	if err != nil {
		return fmt.Errorf("chunking text: %w", err)
	}
	if len(spans) == 0 {
		return fmt.Errorf("document has no extractable text: %w", ErrValidation)
	}

	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(spans), err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(spans))
	for i, s := range spans {
		records[i] = retrieval.Record{
			ID:          uuid.NewString(),
			DocumentID:  documentID,
			Ordinal:     i,
			StartOffset: s.Start,
			EndOffset:   s.End,
			Text:        s.Text,
			Embedding:   vecs[i],
			CreatedAt:   now,
		}
	}
	if err := c.vectors.Upsert(documentID, records); err != nil {
		return fmt.Errorf("storing %d vectors: %w", len(records), err)
	}
	return nil
}

// fail drives the document and the idempotency key to their failed states
// and returns the original error.
func (c *Coordinator) fail(ctx context.Context, key, documentID string, cause error) error {
	if err := c.store.UpdateDocumentStatus(documentID, storage.StatusFailed, cause.Error()); err != nil {
		c.logger.Error("marking document failed", "document_id", documentID, "error", err)
	}
	if err := c.ledger.Fail(ctx, key, cause.Error()); err != nil {
		c.logger.Error("recording ingestion failure", "key", key, "error", err)
	}
	c.logger.Warn("ingestion failed", "document_id", documentID, "error", cause)
	return cause
}

// validate applies the ingestion policy. Failures here never create a
// document.
func (c *Coordinator) validate(req Request) error {
	if len(req.FileBytes) == 0 {
		return fmt.Errorf("empty file: %w", ErrValidation)
	}
	if len(req.FileBytes) > c.policy.MaxFileBytes {
		return fmt.Errorf("file is %d bytes, limit %d: %w", len(req.FileBytes), c.policy.MaxFileBytes, ErrValidation)
	}
	for _, t := range c.policy.AllowedTypes {
		if mediaType(req.DeclaredType) == t {
			return nil
		}
	}
	return fmt.Errorf("type %q not allowed: %w", req.DeclaredType, ErrValidation)
}

// mediaType strips parameters from a declared content type.
func mediaType(declared string) string {
	if parsed, _, err := mime.ParseMediaType(declared); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

// Fingerprint derives the content identity of a request: same owner, type,
// and bytes always hash the same, so replays are recognizable and reuse of a
// key with different content is detectable.
func Fingerprint(ownerID, declaredType string, fileBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(ownerID))
	h.Write([]byte{0})
	h.Write([]byte(mediaType(declaredType)))
	h.Write([]byte{0})
	h.Write(fileBytes)
	return hex.EncodeToString(h.Sum(nil))
}
