package ollama

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureReadyAllModelsPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest"},{"name":"mistral-nemo:latest"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", "mistral-nemo", &out)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "nomic-embed-text: ready") {
		t.Errorf("output missing readiness line: %q", out.String())
	}
}

func TestEnsureReadyServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), New(srv.URL), "m1", "m2", &out); err == nil {
		t.Fatal("EnsureReady succeeded against a down server")
	}
}

func TestEnsureReadyPullsMissingModel(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"mistral-nemo:latest"}]}`))
		case "/api/pull":
			pulled = true
			w.Write([]byte(`{"status":"downloading","total":100,"completed":50}` + "\n" + `{"status":"success"}` + "\n"))
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", "mistral-nemo", &out)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled {
		t.Error("missing model was not pulled")
	}
	if !strings.Contains(out.String(), "pulling") {
		t.Errorf("output missing pull progress: %q", out.String())
	}
}
