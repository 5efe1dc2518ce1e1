// Package vector provides a client for the embedding/vector-store service.
// Storage and retrieval are scoped by document id so no tender ever reads
// another tender's vectors.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/resilience"
)

// Client defines the vector-store operations used by the pipeline.
type Client interface {
	// Upsert stores text items with their metadata for later retrieval.
	Upsert(ctx context.Context, items []Item) (*UpsertResponse, error)
	// Query retrieves the best-matching chunks for a document id.
	Query(ctx context.Context, req QueryRequest) ([]Match, error)
	// DeleteByPrefix removes every vector whose id starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
	// DeleteNamespace removes an entire embedding namespace.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Item is a single (id, text, metadata) tuple for storage.
type Item struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UpsertResponse reports how many items were stored and the embedding
// token usage billed for them.
type UpsertResponse struct {
	Upserted int   `json:"upserted"`
	Usage    Usage `json:"usage"`
}

// Usage tracks embedding token consumption.
type Usage struct {
	Tokens int `json:"tokens"`
}

// QueryRequest asks for the top matches against one document's vectors.
type QueryRequest struct {
	DocumentID     string  `json:"document_id"`
	Query          string  `json:"query"`
	TopK           int     `json:"top_k"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// Match is a retrieved chunk with its similarity score.
type Match struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Option configures the vector client.
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

// NewClient creates a vector-store client.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
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

func (c *httpClient) Upsert(ctx context.Context, items []Item) (*UpsertResponse, error) {
	var resp UpsertResponse
	if err := c.post(ctx, "/vectors/upsert", map[string]any{"items": items}, &resp); err != nil {
		return nil, eris.Wrap(err, "vector: upsert")
	}
	return &resp, nil
}

func (c *httpClient) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	var resp struct {
		Matches []Match `json:"matches"`
	}
	if err := c.post(ctx, "/vectors/query", req, &resp); err != nil {
		return nil, eris.Wrap(err, "vector: query")
	}
	return resp.Matches, nil
}

func (c *httpClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := c.post(ctx, "/vectors/delete", map[string]any{"prefix": prefix}, nil); err != nil {
		return eris.Wrap(err, "vector: delete by prefix")
	}
	return nil
}

func (c *httpClient) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := c.post(ctx, "/vectors/delete", map[string]any{"namespace": namespace}, nil); err != nil {
		return eris.Wrap(err, "vector: delete namespace")
	}
	return nil
}

// post sends a JSON request and decodes the response, retrying transient
// failures locally. Retries never restart earlier pipeline stages.
func (c *httpClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("vector", path)

	respBody, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("status %d: %s", resp.StatusCode, string(data)), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return eris.Wrap(err, fmt.Sprintf("unmarshal %s response", path))
		}
	}
	return nil
}
