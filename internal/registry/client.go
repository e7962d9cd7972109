// Package registry provides the capability registry client: a lookup from a
// symbolic skill name to the endpoints of remote workers advertising it.
// Lookups are never cached; workers may appear and disappear between
// scheduler cycles.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Agent is one worker advertised by the registry.
type Agent struct {
	// Name identifies the worker.
	Name string `json:"name"`
	// Endpoint is the base URL work is submitted to.
	Endpoint string `json:"endpoint"`
}

// Client queries the capability registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a registry client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Resolve returns the endpoint of a worker advertising the given capability,
// or "" when none is currently registered. An empty result and a 404 both
// mean "temporarily unavailable" and are not errors; only transport and
// decode failures are.
func (c *Client) Resolve(ctx context.Context, capability string) (string, error) {
	u := fmt.Sprintf("%s/agents?skill=%s", c.baseURL, url.QueryEscape(capability))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build registry request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("query registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var agents []Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return "", fmt.Errorf("decode registry response: %w", err)
	}
	if len(agents) == 0 {
		c.log.Debug().Str("capability", capability).Msg("no workers registered")
		return "", nil
	}
	return agents[0].Endpoint, nil
}
