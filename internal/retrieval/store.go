package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Record is one chunk with its embedding, as persisted in the chunks table.
type Record struct {
	ID          string
	DocumentID  string
	Ordinal     int
	StartOffset int
	EndOffset   int
	Text        string
	Embedding   []float32
	CreatedAt   time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// Filter restricts a search to one owner's ready documents, optionally
// narrowed to an explicit document set.
type Filter struct {
	OwnerID     string
	DocumentIDs []string
}

// SQLiteStore persists chunk vectors and serves cosine-similarity search
// backed by SQLite. Search is a brute-force scan with a top-K heap; at this
// scale it beats maintaining an ANN graph, and the result contract
// (ordering, filtering, determinism) is the same one an ANN backend would
// honor.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations. The chunks
// table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert replaces the full chunk set of a document in one transaction:
// either every chunk becomes visible or none does. No reader ever observes
// a partial set.
func (s *SQLiteStore) Upsert(documentID string, records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing existing chunks: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, ordinal, start_offset, end_offset, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Embedding)
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.ID, documentID, r.Ordinal, r.StartOffset, r.EndOffset, r.Text, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds only the fields needed during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type candidate struct {
	ID         string
	DocumentID string
	Ordinal    int
	Score      float32
}

// better reports whether a ranks ahead of b: higher score first, ties broken
// by lower ordinal, then lower document ID, for deterministic output.
func better(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.DocumentID < b.DocumentID
}

// Search returns the top-K most similar chunks among the filter owner's
// ready documents, ordered by descending cosine similarity. Chunks of
// documents still processing (or failed) are never visible: filtering on
// status makes chunk visibility flip atomically with the ready transition.
func (s *SQLiteStore) Search(vector []float32, topK int, f Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query := `SELECT c.id, c.document_id, c.ordinal, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'ready' AND d.owner_id = ?`
	args := []interface{}{f.OwnerID}
	if len(f.DocumentIDs) > 0 {
		query += ` AND c.document_id IN (?` + strings.Repeat(",?", len(f.DocumentIDs)-1) + `)`
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Score = cosine(vector, buf, queryNorm)

		if h.Len() < topK {
			heap.Push(h, c)
		} else if better(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop worst-first to recover descending rank order.
	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}

	return s.fetchRecords(winners)
}

// fetchRecords loads full rows for the winning candidates, preserving their
// rank order.
func (s *SQLiteStore) fetchRecords(winners []candidate) ([]ScoredRecord, error) {
	ids := make([]interface{}, len(winners))
	for i, w := range winners {
		ids[i] = w.ID
	}

	query := `SELECT id, document_id, ordinal, start_offset, end_offset, text_chunk, embedding, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.Query(query, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Record, len(winners))
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Ordinal, &r.StartOffset, &r.EndOffset, &r.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	results := make([]ScoredRecord, 0, len(winners))
	for _, w := range winners {
		r, ok := byID[w.ID]
		if !ok {
			return nil, fmt.Errorf("chunk %s vanished during search", w.ID)
		}
		results = append(results, ScoredRecord{Record: r, Score: w.Score})
	}
	return results, nil
}

// DeleteDocument removes every chunk of a document. Deleting a document
// with no chunks is a no-op, not an error.
func (s *SQLiteStore) DeleteDocument(documentID string) error {
	if _, err := s.db.Exec("DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", documentID, err)
	}
	return nil
}

// CountForDocument returns the number of stored chunks for a document.
func (s *SQLiteStore) CountForDocument(documentID string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm). aNorm is the precomputed L2
// norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap ordered by rank (worst candidate at the root),
// used to track the current top-K during the scan phase.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
