// Package search provides a client for the tender-search service that
// surfaces candidate tenders for an analysis.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/resilience"
)

// Client defines the search operations used by the pipeline.
type Client interface {
	// Search returns a deduplicated candidate list for the phrase and filters.
	Search(ctx context.Context, req Request) ([]Result, error)
}

// Request describes one candidate search.
type Request struct {
	Phrase        string     `json:"phrase"`
	Sources       []string   `json:"sources,omitempty"`
	PublishedFrom *time.Time `json:"published_from,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// Result is a single candidate tender surfaced by search.
type Result struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Name         string            `json:"name"`
	Organization string            `json:"organization"`
	SourceType   string            `json:"source_type"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Option configures the search client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetryConfig overrides the default retry behavior.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a search client.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req Request) ([]Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "search: marshal request")
	}

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("search", "search")

	data, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "search: create request")
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "search: read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("search: status %d: %s", resp.StatusCode, string(respBody)), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("search: unexpected status %d: %s", resp.StatusCode, string(respBody))
		}
		return respBody, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: request failed")
	}

	var parsed struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, eris.Wrap(err, "search: unmarshal response")
	}

	return dedupe(parsed.Results), nil
}

// dedupe drops repeated candidates, keeping the first occurrence per URL.
func dedupe(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		key := r.URL
		if key == "" {
			key = r.ID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
