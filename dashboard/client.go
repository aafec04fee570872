// Package dashboard is the HTTP client for the user-context
// aggregator, which fronts personal data sources (calendar, location,
// banking) behind a uniform JSON envelope.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// envelope is the aggregator's standard response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error,omitempty"`
}

// Client talks to one dashboard instance.
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

// New creates a dashboard client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("dashboard: %w: base URL", core.ErrMissingConfiguration)
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

// Context fetches the full user-context document.
func (c *Client) Context(ctx context.Context, userID string) (map[string]interface{}, error) {
	return c.getObject(ctx, "/context", url.Values{"user_id": {userID}})
}

// ContextCategory fetches one category of the user context, for
// example "calendar" or "location".
func (c *Client) ContextCategory(ctx context.Context, userID, category string) (map[string]interface{}, error) {
	return c.getObject(ctx, "/context/"+url.PathEscape(category), url.Values{"user_id": {userID}})
}

// BankTransactions lists recent transactions.
func (c *Client) BankTransactions(ctx context.Context, userID string, limit int) ([]map[string]interface{}, error) {
	values := url.Values{"user_id": {userID}}
	if limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.getList(ctx, "/bank/transactions", values)
}

// BankSummary fetches aggregate spending figures.
func (c *Client) BankSummary(ctx context.Context, userID string) (map[string]interface{}, error) {
	return c.getObject(ctx, "/bank/summary", url.Values{"user_id": {userID}})
}

// BankCategories fetches spending grouped by category.
func (c *Client) BankCategories(ctx context.Context, userID string) ([]map[string]interface{}, error) {
	return c.getList(ctx, "/bank/categories", url.Values{"user_id": {userID}})
}

// BankSearch finds transactions matching a free-text query.
func (c *Client) BankSearch(ctx context.Context, userID, query string) ([]map[string]interface{}, error) {
	return c.getList(ctx, "/bank/search", url.Values{"user_id": {userID}, "q": {query}})
}

func (c *Client) getObject(ctx context.Context, path string, values url.Values) (map[string]interface{}, error) {
	raw, err := c.get(ctx, path, values)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("dashboard: decode %s: %w", path, err)
	}
	return out, nil
}

func (c *Client) getList(ctx context.Context, path string, values url.Values) ([]map[string]interface{}, error) {
	raw, err := c.get(ctx, path, values)
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("dashboard: decode %s: %w", path, err)
	}
	return out, nil
}

// get performs one envelope-wrapped request and returns the inner data.
func (c *Client) get(ctx context.Context, path string, values url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.OrchestrationError{
			Op: "dashboard" + path, Kind: "dashboard",
			Err: fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("dashboard: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.OrchestrationError{
			Op: "dashboard" + path, Kind: "dashboard",
			Err: fmt.Errorf("%w: status %d", core.ErrRequestFailed, resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("dashboard: decode envelope: %w", err)
	}
	if env.Status == "error" {
		return nil, &core.OrchestrationError{
			Op: "dashboard" + path, Kind: "dashboard",
			Err: fmt.Errorf("%w: %s", core.ErrRequestFailed, env.Error),
		}
	}
	return env.Data, nil
}
