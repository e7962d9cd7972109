package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResolveReturnsFirstEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("skill"); got != "software_testing" {
			t.Errorf("skill = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"tester-1","endpoint":"http://worker-1:9000"},{"name":"tester-2","endpoint":"http://worker-2:9000"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	endpoint, err := c.Resolve(context.Background(), "software_testing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if endpoint != "http://worker-1:9000" {
		t.Errorf("endpoint = %q", endpoint)
	}
}

func TestResolveEmptyListIsUnavailableNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	endpoint, err := c.Resolve(context.Background(), "rare_skill")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if endpoint != "" {
		t.Errorf("expected empty endpoint, got %q", endpoint)
	}
}

func TestResolveNotFoundIsUnavailableNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	endpoint, err := c.Resolve(context.Background(), "anything")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if endpoint != "" {
		t.Errorf("expected empty endpoint, got %q", endpoint)
	}
}

func TestResolveServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	if _, err := c.Resolve(context.Background(), "anything"); err == nil {
		t.Error("expected error for 500 response")
	}
}
