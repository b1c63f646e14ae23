package retrieval

import (
	"fmt"
	"testing"

	"github.com/rmarchev/askdoc/internal/storage"
)

func openTestStore(t *testing.T) (*storage.Store, *SQLiteStore) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, NewSQLiteStore(s.DB())
}

// readyDoc creates a document and walks it to ready.
func readyDoc(t *testing.T, s *storage.Store, id, owner string) {
	t.Helper()
	if err := s.CreateDocument(storage.Document{ID: id, OwnerID: owner, Fingerprint: "fp-" + id}); err != nil {
		t.Fatalf("CreateDocument(%s): %v", id, err)
	}
	if err := s.UpdateDocumentStatus(id, storage.StatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := s.UpdateDocumentStatus(id, storage.StatusReady, ""); err != nil {
		t.Fatalf("to ready: %v", err)
	}
}

func record(docID string, ordinal int, text string, vec []float32) Record {
	return Record{
		ID:         fmt.Sprintf("%s-c%d", docID, ordinal),
		DocumentID: docID,
		Ordinal:    ordinal,
		StartOffset: ordinal * 10,
		EndOffset:   ordinal*10 + 10,
		Text:       text,
		Embedding:  vec,
	}
}

func TestUpsertAndSearch(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")

	err := vs.Upsert("doc1", []Record{
		record("doc1", 0, "about go", []float32{1, 0, 0}),
		record("doc1", 1, "about cats", []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := vs.Search([]float32{1, 0, 0}, 2, Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].Text != "about go" {
		t.Errorf("top result = %q, want the aligned vector", results[0].Text)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %f then %f", results[0].Score, results[1].Score)
	}
}

func TestSearchNeverLeaksOtherOwners(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")
	readyDoc(t, s, "doc2", "bob")

	vec := []float32{1, 0, 0}
	if err := vs.Upsert("doc1", []Record{record("doc1", 0, "alice text", vec)}); err != nil {
		t.Fatalf("Upsert doc1: %v", err)
	}
	if err := vs.Upsert("doc2", []Record{record("doc2", 0, "bob text", vec)}); err != nil {
		t.Fatalf("Upsert doc2: %v", err)
	}

	results, err := vs.Search(vec, 10, Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.DocumentID != "doc1" {
			t.Errorf("result from foreign document %s", r.DocumentID)
		}
	}
	if len(results) != 1 {
		t.Errorf("len = %d, want 1", len(results))
	}
}

func TestSearchExcludesProcessingDocuments(t *testing.T) {
	s, vs := openTestStore(t)
	if err := s.CreateDocument(storage.Document{ID: "doc1", OwnerID: "alice", Fingerprint: "fp"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := s.UpdateDocumentStatus("doc1", storage.StatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	vec := []float32{1, 0, 0}
	if err := vs.Upsert("doc1", []Record{record("doc1", 0, "not yet visible", vec)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := vs.Search(vec, 10, Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("processing document visible to search: %d results", len(results))
	}

	// Becomes visible once ready.
	if err := s.UpdateDocumentStatus("doc1", storage.StatusReady, ""); err != nil {
		t.Fatalf("to ready: %v", err)
	}
	results, err = vs.Search(vec, 10, Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Search after ready: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
}

func TestSearchDocumentFilter(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")
	readyDoc(t, s, "doc2", "alice")

	vec := []float32{1, 0, 0}
	vs.Upsert("doc1", []Record{record("doc1", 0, "one", vec)})
	vs.Upsert("doc2", []Record{record("doc2", 0, "two", vec)})

	results, err := vs.Search(vec, 10, Filter{OwnerID: "alice", DocumentIDs: []string{"doc2"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "doc2" {
		t.Fatalf("results = %+v, want only doc2", results)
	}
}

func TestSearchTieBreakDeterministic(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "docA", "alice")
	readyDoc(t, s, "docB", "alice")

	// Identical vectors: ties must order by lower ordinal, then lower doc ID.
	vec := []float32{1, 0, 0}
	vs.Upsert("docB", []Record{record("docB", 0, "B0", vec), record("docB", 1, "B1", vec)})
	vs.Upsert("docA", []Record{record("docA", 0, "A0", vec), record("docA", 1, "A1", vec)})

	for i := 0; i < 5; i++ {
		results, err := vs.Search(vec, 3, Filter{OwnerID: "alice"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		got := []string{results[0].Text, results[1].Text, results[2].Text}
		want := []string{"A0", "B0", "A1"}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("iteration %d: order = %v, want %v", i, got, want)
			}
		}
	}
}

func TestUpsertReplacesWholeSet(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")

	vec := []float32{1, 0, 0}
	vs.Upsert("doc1", []Record{
		record("doc1", 0, "old a", vec),
		record("doc1", 1, "old b", vec),
		record("doc1", 2, "old c", vec),
	})
	if err := vs.Upsert("doc1", []Record{record("doc1", 0, "new", vec)}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	count, err := vs.CountForDocument("doc1")
	if err != nil {
		t.Fatalf("CountForDocument: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after replacement", count)
	}
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")
	vs.Upsert("doc1", []Record{record("doc1", 0, "text", []float32{1, 0, 0})})

	if err := vs.DeleteDocument("doc1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := vs.DeleteDocument("doc1"); err != nil {
		t.Fatalf("second DeleteDocument must be a no-op: %v", err)
	}
	if err := vs.DeleteDocument("never-existed"); err != nil {
		t.Fatalf("deleting unknown document must be a no-op: %v", err)
	}

	count, err := vs.CountForDocument("doc1")
	if err != nil {
		t.Fatalf("CountForDocument: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestSearchTopKLimit(t *testing.T) {
	s, vs := openTestStore(t)
	readyDoc(t, s, "doc1", "alice")

	var records []Record
	for i := 0; i < 20; i++ {
		records = append(records, record("doc1", i, fmt.Sprintf("chunk %d", i), []float32{1, float32(i) * 0.01, 0}))
	}
	vs.Upsert("doc1", records)

	results, err := vs.Search([]float32{1, 0, 0}, 5, Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("len = %d, want 5", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}
