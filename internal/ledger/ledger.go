// Package ledger implements the idempotency ledger: a durable key -> outcome
// mapping that guarantees at-most-one processing run per idempotency key.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Outcome is the result of Begin for a given key.
type Outcome int

const (
	// Proceed means the caller owns the key and must run the request,
	// finishing with Complete or Fail.
	Proceed Outcome = iota
	// AlreadyCompleted means a prior request with the same key and
	// fingerprint finished; the caller must return the stored result verbatim.
	AlreadyCompleted
	// Conflict means the key was already used with a different fingerprint.
	Conflict
	// InProgress means another request with the same key is still running.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case AlreadyCompleted:
		return "already_completed"
	case Conflict:
		return "conflict"
	case InProgress:
		return "in_progress"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Decision is the outcome of Begin plus the stored result when the outcome
// is AlreadyCompleted.
type Decision struct {
	Outcome    Outcome
	DocumentID string
}

// Ledger records idempotency keys in the idempotency_keys table. The atomic
// decision point is an insert-if-absent against the PRIMARY KEY on key: of
// two concurrent Begin calls exactly one inserts, the other observes the
// inserted row.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger over the shared database connection.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Begin claims key for a request with the given fingerprint. See Outcome for
// the branches. A previously failed attempt with the same fingerprint is
// reclaimed (the key returns to in_progress and the caller proceeds).
func (l *Ledger) Begin(ctx context.Context, key, fingerprint string) (Decision, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, created_at, updated_at)
		VALUES (?, ?, 'in_progress', ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, fingerprint, now, now,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("inserting idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Decision{}, err
	}
	if n == 1 {
		return Decision{Outcome: Proceed}, nil
	}

	var storedFingerprint, status, documentID string
	err = l.db.QueryRowContext(ctx,
		"SELECT fingerprint, status, document_id FROM idempotency_keys WHERE key = ?", key,
	).Scan(&storedFingerprint, &status, &documentID)
	if err != nil {
		return Decision{}, fmt.Errorf("reading idempotency key: %w", err)
	}

	if storedFingerprint != fingerprint {
		return Decision{Outcome: Conflict}, nil
	}

	switch status {
	case "completed":
		return Decision{Outcome: AlreadyCompleted, DocumentID: documentID}, nil
	case "in_progress":
		return Decision{Outcome: InProgress}, nil
	case "failed":
		// Reclaim the key for a fresh attempt. The conditional update makes
		// this a compare-and-swap: if a concurrent retry reclaimed it first,
		// this caller observes in_progress instead.
		res, err := l.db.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET status = 'in_progress', document_id = '', last_error = '', updated_at = ?
			WHERE key = ? AND status = 'failed'`,
			now, key,
		)
		if err != nil {
			return Decision{}, fmt.Errorf("reclaiming failed key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Decision{}, err
		}
		if n == 1 {
			return Decision{Outcome: Proceed}, nil
		}
		return Decision{Outcome: InProgress}, nil
	}

	return Decision{}, fmt.Errorf("idempotency key %q has unknown status %q", key, status)
}

// Complete marks key as completed with the resulting document identity.
// The key must be in_progress; anything else indicates a coordination bug.
func (l *Ledger) Complete(ctx context.Context, key, documentID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', document_id = ?, updated_at = ?
		WHERE key = ? AND status = 'in_progress'`,
		documentID, time.Now().UTC().Format(time.RFC3339), key,
	)
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("completing idempotency key %q: key not in_progress", key)
	}
	return nil
}

// Fail marks key as failed with a reason. The key must be in_progress.
func (l *Ledger) Fail(ctx context.Context, key, reason string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE key = ? AND status = 'in_progress'`,
		reason, time.Now().UTC().Format(time.RFC3339), key,
	)
	if err != nil {
		return fmt.Errorf("failing idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("failing idempotency key %q: key not in_progress", key)
	}
	return nil
}
