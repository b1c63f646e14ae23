package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a document status update would move
// the lifecycle backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal status transition")

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// legalTransitions enumerates every allowed lifecycle edge. ready and failed
// are terminal; nothing transitions out of them.
var legalTransitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusReady, StatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle edge.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the enumerated lifecycle states.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Document is an uploaded source document. Mutated only through
// UpdateDocumentStatus, which enforces the lifecycle.
type Document struct {
	ID          string
	OwnerID     string
	Fingerprint string
	Title       string
	Status      DocumentStatus
	Error       string // failure reason, empty unless status is failed
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one contiguous fragment of a document's extracted text.
// StartOffset and EndOffset are rune offsets into the extracted text.
// The embedding vector lives in the same row but is written and scanned by
// the vector store, not by this package.
type Chunk struct {
	ID          string
	DocumentID  string
	Ordinal     int
	StartOffset int
	EndOffset   int
	Text        string
	CreatedAt   time.Time
}
