// Package artifacts provides the client for the content-addressed artifact
// store where workers' outputs live. Artifacts are opaque text blobs
// referenced by ID from graph nodes.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound indicates no artifact exists for the given ID.
var ErrNotFound = errors.New("artifact not found")

// Client stores and fetches artifacts over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates an artifact store client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "artifacts").Logger(),
	}
}

type putRequest struct {
	ProducingAgent string `json:"producingAgent"`
	Content        string `json:"content"`
}

type putResponse struct {
	ArtifactID string `json:"artifactId"`
}

type getResponse struct {
	Content string `json:"content"`
}

// Put stores content and returns the artifact ID assigned by the store.
func (c *Client) Put(ctx context.Context, producingAgent, content string) (string, error) {
	body, err := json.Marshal(putRequest{ProducingAgent: producingAgent, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/artifacts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build artifact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("artifact store returned status %d", resp.StatusCode)
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode artifact response: %w", err)
	}
	if out.ArtifactID == "" {
		return "", fmt.Errorf("artifact store returned empty id")
	}
	return out.ArtifactID, nil
}

// Get fetches the content of the artifact with the given ID.
func (c *Client) Get(ctx context.Context, id string) (string, error) {
	u := fmt.Sprintf("%s/artifacts/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build artifact request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact store returned status %d", resp.StatusCode)
	}

	var out getResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode artifact response: %w", err)
	}
	return out.Content, nil
}
