// Package invoker provides the remote capability invoker: a thin RPC client
// that submits a unit of work to a worker endpoint and polls until the
// remote task reaches a terminal state.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RemoteState is the lifecycle state a worker reports for a submitted task.
type RemoteState string

const (
	// RemoteSubmitted indicates the task was accepted but not started.
	RemoteSubmitted RemoteState = "submitted"
	// RemoteWorking indicates the worker is processing the task.
	RemoteWorking RemoteState = "working"
	// RemoteCompleted indicates the task finished successfully.
	RemoteCompleted RemoteState = "completed"
	// RemoteFailed indicates the task finished unsuccessfully.
	RemoteFailed RemoteState = "failed"
	// RemoteInputRequired indicates the worker stopped and needs input.
	RemoteInputRequired RemoteState = "input_required"
	// RemoteCancelled indicates the task was cancelled remotely.
	RemoteCancelled RemoteState = "cancelled"
)

// Terminal returns true if the remote state ends polling.
func (s RemoteState) Terminal() bool {
	switch s {
	case RemoteCompleted, RemoteFailed, RemoteInputRequired, RemoteCancelled:
		return true
	default:
		return false
	}
}

// Artifact is a named text blob attached to a completed remote task.
type Artifact struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Result is the terminal outcome of a remote invocation.
type Result struct {
	// TaskID is the handle the worker assigned to the task.
	TaskID string
	// ContextID groups related invocations on the worker side.
	ContextID string
	// State is the terminal remote state. Poll exhaustion surfaces as
	// RemoteFailed with a detail of "no terminal state reached".
	State RemoteState
	// Artifacts carries the task's outputs, newest first as returned.
	Artifacts []Artifact
	// Detail carries free-form diagnostic text.
	Detail string
}

// Payload is the unit of work handed to a worker.
type Payload struct {
	// Objective is the task specification.
	Objective string `json:"objective"`
	// Instructions carries additional guidance.
	Instructions string `json:"instructions,omitempty"`
	// AcceptanceCriteria defines completion criteria.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// Inputs maps named inputs to their resolved content.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Config bounds the polling loop.
type Config struct {
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// PollInitialInterval is the first delay between polls.
	PollInitialInterval time.Duration
	// PollMaxInterval caps the backoff between polls.
	PollMaxInterval time.Duration
	// PollMaxElapsed bounds the whole polling phase; exhaustion is treated
	// as a failed terminal state, not an error.
	PollMaxElapsed time.Duration
}

// DefaultConfig returns sensible bounds for polling.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      30 * time.Second,
		PollInitialInterval: 500 * time.Millisecond,
		PollMaxInterval:     10 * time.Second,
		PollMaxElapsed:      5 * time.Minute,
	}
}

// Invoker submits work to worker endpoints and polls for terminal results.
type Invoker struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// New creates an Invoker with the given polling bounds.
func New(cfg Config, log zerolog.Logger) *Invoker {
	return &Invoker{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log.With().Str("component", "invoker").Logger(),
	}
}

// taskHandle is the worker's response to a submission or poll.
type taskHandle struct {
	ID        string `json:"id"`
	ContextID string `json:"contextId"`
	Status    struct {
		State   RemoteState `json:"state"`
		Message string      `json:"message,omitempty"`
	} `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Invoke submits the payload to the endpoint and polls until the remote task
// reaches a terminal state or the poll budget is exhausted. A submit failure
// is returned as an error (transient, the caller retries next cycle);
// exhausted polling returns a RemoteFailed result with no error.
func (inv *Invoker) Invoke(ctx context.Context, endpoint string, payload Payload) (*Result, error) {
	handle, err := inv.submit(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if handle.Status.State.Terminal() {
		return resultFrom(handle), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = inv.cfg.PollInitialInterval
	bo.MaxInterval = inv.cfg.PollMaxInterval

	handle, err = backoff.Retry(ctx, func() (*taskHandle, error) {
		h, err := inv.poll(ctx, endpoint, handle.ID)
		if err != nil {
			// Transport hiccups during polling are retried within budget.
			return nil, err
		}
		if !h.Status.State.Terminal() {
			return nil, fmt.Errorf("remote task %s still %s", h.ID, h.Status.State)
		}
		return h, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(inv.cfg.PollMaxElapsed))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		inv.log.Warn().Str("endpoint", endpoint).Err(err).Msg("poll budget exhausted")
		return &Result{
			State:  RemoteFailed,
			Detail: "no terminal state reached",
		}, nil
	}
	return resultFrom(handle), nil
}

func (inv *Invoker) submit(ctx context.Context, endpoint string, payload Payload) (*taskHandle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	handle := &taskHandle{}
	if err := json.NewDecoder(resp.Body).Decode(handle); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if handle.ID == "" {
		return nil, fmt.Errorf("worker returned empty task id")
	}
	return handle, nil
}

func (inv *Invoker) poll(ctx context.Context, endpoint, taskID string) (*taskHandle, error) {
	u := fmt.Sprintf("%s/tasks/%s", endpoint, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := inv.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned status %d on poll", resp.StatusCode)
	}

	handle := &taskHandle{}
	if err := json.NewDecoder(resp.Body).Decode(handle); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return handle, nil
}

func resultFrom(h *taskHandle) *Result {
	return &Result{
		TaskID:    h.ID,
		ContextID: h.ContextID,
		State:     h.Status.State,
		Artifacts: h.Artifacts,
		Detail:    h.Status.Message,
	}
}
