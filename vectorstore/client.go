// Package vectorstore is the HTTP client for the vector-store
// collaborator. It doubles as the engine's compaction Archiver.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// Document is one stored or retrieved entry.
type Document struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Score    float64                `json:"score,omitempty"`
}

// Client talks to one vector-store instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a vector-store client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vectorstore: %w: base URL", core.ErrMissingConfiguration)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddDocument stores one document. Implements core.Archiver.
func (c *Client) AddDocument(ctx context.Context, id, text string, metadata map[string]interface{}) error {
	if id == "" || text == "" {
		return fmt.Errorf("vectorstore: %w: document needs id and text", core.ErrInvalidConfiguration)
	}
	doc := Document{ID: id, Text: text, Metadata: metadata}
	var ignored struct{}
	return c.post(ctx, "/documents", doc, &ignored)
}

// Query returns the topK closest documents to the text.
func (c *Client) Query(ctx context.Context, text string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = 5
	}
	req := struct {
		Text string `json:"text"`
		TopK int    `json:"top_k"`
	}{Text: text, TopK: topK}

	var out struct {
		Results []Document `json:"results"`
	}
	if err := c.post(ctx, "/query", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: %w: %v", core.ErrConnectionFailed, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("vectorstore: %w: status %d", core.ErrConnectionFailed, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vectorstore: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &core.OrchestrationError{
			Op: "vectorstore" + path, Kind: "vectorstore",
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("vectorstore: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &core.OrchestrationError{
			Op: "vectorstore" + path, Kind: "vectorstore",
			Err: fmt.Errorf("%w: status %d", core.ErrRequestFailed, resp.StatusCode),
		}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vectorstore: decode response: %w", err)
	}
	return nil
}
