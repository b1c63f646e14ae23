package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding documents, chunks, and the
// idempotency ledger. The same *sql.DB is shared with the vector store and
// the ledger, which own their tables' SQL directly.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askdoc.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for components that own their tables
// directly (vector store, idempotency ledger).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

// CreateDocument inserts a new document. Status defaults to pending.
func (s *Store) CreateDocument(d Document) error {
	status := d.Status
	if status == "" {
		status = StatusPending
	}
	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, owner_id, fingerprint, title, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Fingerprint, d.Title, string(status), d.Error,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// GetDocument returns the document with the given ID.
func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, fingerprint, title, status, error, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Fingerprint, &d.Title, &status, &d.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Status = DocumentStatus(status)
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// UpdateDocumentStatus moves a document to the given status, rejecting any
// transition not in the lifecycle table. errDetail is recorded only for
// transitions to failed. The update is conditional on the current status so
// a concurrent writer cannot reverse progress.
func (s *Store) UpdateDocumentStatus(id string, to DocumentStatus, errDetail string) error {
	if !to.Valid() {
		return fmt.Errorf("status %q: %w", to, ErrIllegalTransition)
	}

	froms := make([]string, 0, 2)
	for from, tos := range legalTransitions {
		for _, t := range tos {
			if t == to {
				froms = append(froms, string(from))
			}
		}
	}
	if len(froms) == 0 {
		return fmt.Errorf("no transition into %q: %w", to, ErrIllegalTransition)
	}
	sort.Strings(froms)

	if to != StatusFailed {
		errDetail = ""
	}

	query := `UPDATE documents SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN (?` + strings.Repeat(",?", len(froms)-1) + `)`
	args := []interface{}{string(to), errDetail, time.Now().UTC().Format(time.RFC3339), id}
	for _, f := range froms {
		args = append(args, f)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish missing document from illegal transition.
	cur, err := s.GetDocument(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s: %s -> %s: %w", id, cur.Status, to, ErrIllegalTransition)
}

// ListDocuments returns documents owned by ownerID, newest first.
func (s *Store) ListDocuments(ownerID string, limit, offset int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, fingerprint, title, status, error, created_at, updated_at
		FROM documents WHERE owner_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, ownerID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var status, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Fingerprint, &d.Title, &status, &d.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.Status = DocumentStatus(status)
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteDocument removes a document row. Chunks are owned by the vector
// store; callers must delete them there first.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChunks returns the chunks of a document in ordinal order, without
// embedding vectors.
func (s *Store) ListChunks(documentID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, ordinal, start_offset, end_offset, text_chunk, created_at
		FROM chunks WHERE document_id = ? ORDER BY ordinal ASC`, documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.StartOffset, &c.EndOffset, &c.Text, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
