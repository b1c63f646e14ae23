package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rmarchev/askdoc/internal/answer"
	"github.com/rmarchev/askdoc/internal/embedding"
	"github.com/rmarchev/askdoc/internal/retrieval"
)

func retrievedChunks() []retrieval.RetrievedChunk {
	return []retrieval.RetrievedChunk{
		{ChunkID: "c1", DocumentID: "d1", Ordinal: 0, Rank: 1, Text: "context", Score: 0.9},
	}
}

func TestQueryStreamsTokensAndDone(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Retriever = &fakeRetriever{result: retrieval.Result{
		Chunks:  retrievedChunks(),
		Context: "context",
	}}
	deps.Streamer = &fakeStreamer{events: []answer.Event{
		{Type: answer.EventToken, Token: "The "},
		{Type: answer.EventToken, Token: "answer"},
		{Type: answer.EventDone, Citations: []answer.Citation{{Marker: 1, ChunkID: "c1", DocumentID: "d1"}}},
	}}
	h := NewHandler(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/query",
		[]byte(`{"owner_id":"alice","question":"what?"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: sources\n", `"chunk_id":"c1"`,
		"event: token\n", `"token":"The "`,
		"event: done\n", `"marker":1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: sources") > strings.Index(body, "event: token") {
		t.Errorf("sources event must precede tokens:\n%s", body)
	}
}

func TestQueryInsufficientContext(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Retriever = &fakeRetriever{} // empty result
	h := NewHandler(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/query",
		[]byte(`{"owner_id":"alice","question":"what?"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, empty retrieval is not an error", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"reason":"insufficient_context"`) {
		t.Errorf("missing insufficient_context terminal event:\n%s", body)
	}
	if strings.Contains(body, "event: token") {
		t.Errorf("no tokens expected without context:\n%s", body)
	}
}

func TestQueryEmbeddingUnavailable(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Retriever = &fakeRetriever{err: embedding.ErrUnavailable}
	h := NewHandler(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/query",
		[]byte(`{"owner_id":"alice","question":"what?"}`)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestQueryGenerationErrorIsStreamedTerminal(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Retriever = &fakeRetriever{result: retrieval.Result{Chunks: retrievedChunks(), Context: "context"}}
	deps.Streamer = &fakeStreamer{events: []answer.Event{
		{Type: answer.EventToken, Token: "partial"},
		{Type: answer.EventError, Err: errors.New("model exploded")},
	}}
	h := NewHandler(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/query",
		[]byte(`{"owner_id":"alice","question":"what?"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; generation failures arrive in-stream", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, "generation_failed") {
		t.Errorf("missing error terminal event:\n%s", body)
	}
}

func TestQueryValidation(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	for _, body := range []string{
		`{"question":"what?"}`,
		`{"owner_id":"alice"}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/query", []byte(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}
