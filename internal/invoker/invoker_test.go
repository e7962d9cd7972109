package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		RequestTimeout:      time.Second,
		PollInitialInterval: time.Millisecond,
		PollMaxInterval:     5 * time.Millisecond,
		PollMaxElapsed:      200 * time.Millisecond,
	}
}

func TestInvokePollsToCompletion(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var p Payload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if p.Objective != "write tests" {
				t.Errorf("objective = %q", p.Objective)
			}
			fmt.Fprint(w, `{"id":"t-1","contextId":"ctx-1","status":{"state":"working"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/t-1":
			if polls.Add(1) < 3 {
				fmt.Fprint(w, `{"id":"t-1","contextId":"ctx-1","status":{"state":"working"}}`)
				return
			}
			fmt.Fprint(w, `{"id":"t-1","contextId":"ctx-1","status":{"state":"completed"},"artifacts":[{"name":"result","content":"ok"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	inv := New(testConfig(), zerolog.Nop())
	res, err := inv.Invoke(context.Background(), srv.URL, Payload{Objective: "write tests"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.State != RemoteCompleted {
		t.Errorf("state = %s", res.State)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Content != "ok" {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}
	if res.TaskID != "t-1" || res.ContextID != "ctx-1" {
		t.Errorf("handle = %s/%s", res.TaskID, res.ContextID)
	}
}

func TestInvokeImmediateTerminalSkipsPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s request", r.Method)
		}
		fmt.Fprint(w, `{"id":"t-2","status":{"state":"failed","message":"worker crashed"}}`)
	}))
	defer srv.Close()

	inv := New(testConfig(), zerolog.Nop())
	res, err := inv.Invoke(context.Background(), srv.URL, Payload{Objective: "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.State != RemoteFailed {
		t.Errorf("state = %s", res.State)
	}
	if res.Detail != "worker crashed" {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestInvokeExhaustionIsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id":"t-3","status":{"state":"submitted"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"t-3","status":{"state":"working"}}`)
	}))
	defer srv.Close()

	inv := New(testConfig(), zerolog.Nop())
	res, err := inv.Invoke(context.Background(), srv.URL, Payload{Objective: "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.State != RemoteFailed {
		t.Errorf("state = %s", res.State)
	}
	if res.Detail != "no terminal state reached" {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestInvokeSubmitFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := New(testConfig(), zerolog.Nop())
	if _, err := inv.Invoke(context.Background(), srv.URL, Payload{Objective: "x"}); err == nil {
		t.Error("expected error for failed submit")
	}
}

func TestInvokeInputRequiredSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id":"t-4","status":{"state":"working"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"t-4","status":{"state":"input_required","message":"which database?"}}`)
	}))
	defer srv.Close()

	inv := New(testConfig(), zerolog.Nop())
	res, err := inv.Invoke(context.Background(), srv.URL, Payload{Objective: "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.State != RemoteInputRequired {
		t.Errorf("state = %s", res.State)
	}
}
