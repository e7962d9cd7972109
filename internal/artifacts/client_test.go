package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPutAndGet(t *testing.T) {
	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/artifacts":
			var req struct {
				ProducingAgent string `json:"producingAgent"`
				Content        string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode put: %v", err)
			}
			if req.ProducingAgent != "node-1" {
				t.Errorf("producingAgent = %q", req.ProducingAgent)
			}
			stored["art-1"] = req.Content
			json.NewEncoder(w).Encode(map[string]string{"artifactId": "art-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/artifacts/art-1":
			json.NewEncoder(w).Encode(map[string]string{"content": stored["art-1"]})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())

	id, err := c.Put(context.Background(), "node-1", "hello output")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id != "art-1" {
		t.Errorf("artifact id = %q", id)
	}

	content, err := c.Get(context.Background(), "art-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if content != "hello output" {
		t.Errorf("content = %q", content)
	}
}

func TestGetMissingArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	if _, err := c.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	if _, err := c.Put(context.Background(), "node-1", "x"); err == nil {
		t.Error("expected error for empty artifact id")
	}
}
