// Package client provides the Go SDK for a provider-ledger peer's HTTP
// invocation surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error codes returned by the ledger.
const (
	CodeAlreadyExists           = "AlreadyExists"
	CodeNotFound                = "NotFound"
	CodeInvalidInput            = "InvalidInput"
	CodeImmutableFieldViolation = "ImmutableFieldViolation"
	CodeInvalidTransition       = "InvalidTransition"
	CodeInvalidSelector         = "InvalidSelector"
	CodeStaleRead               = "StaleRead"
	CodeInternal                = "Internal"
)

// APIError is a rejected request. Code is one of the Code constants.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Retryable reports whether resubmitting may succeed.
func (e *APIError) Retryable() bool { return e.Code == CodeStaleRead }

// CodeOf returns the ledger error code carried by err, or "".
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Receipt is the envelope of every successful response.
type Receipt struct {
	TxID        string          `json:"txId,omitempty"`
	BlockHeight uint64          `json:"blockHeight,omitempty"`
	Result      json.RawMessage `json:"result"`
}

// Client talks to one ledger peer.
type Client struct {
	base         string
	httpClient   *http.Client
	staleRetries int
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout. Write operations wait for
// commit, so the timeout should exceed the peer's commit timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithStaleReadRetries resubmits a write operation up to n more times when
// the peer rejects it with StaleRead. Each resubmission is a new transaction
// executed against fresh state.
func WithStaleReadRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("retries must not be negative, got %d", n)
		}
		c.staleRetries = n
		return nil
	}
}

// New creates a Client for the peer at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Invoke runs any operation by name with args as its JSON payload and
// decodes the result into out (when non-nil).
func (c *Client) Invoke(ctx context.Context, op string, args, out any) (*Receipt, error) {
	var (
		receipt *Receipt
		err     error
	)
	for attempt := 0; attempt <= c.staleRetries; attempt++ {
		receipt, err = c.do(ctx, http.MethodPost, "/api/v1/invoke/"+url.PathEscape(op), args, out)
		if err == nil || CodeOf(err) != CodeStaleRead {
			break
		}
	}
	return receipt, err
}

// do sends one request and decodes the receipt's result into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (*Receipt, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = CodeInternal
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out != nil && len(receipt.Result) > 0 {
		if err := json.Unmarshal(receipt.Result, out); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &receipt, nil
}

// doRaw fetches a path whose body is not wrapped in a Receipt.
func (c *Client) doRaw(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = CodeInternal
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Get returns the current value of a provider.
func (c *Client) Get(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/providers/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// History returns every committed version of a provider, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var out struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/providers/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Search returns the providers matching selector, ordered by id. A nil
// selector matches every provider.
func (c *Client) Search(ctx context.Context, selector *Selector, limit, offset int) (*SearchResult, error) {
	req := struct {
		Selector *Selector `json:"selector,omitempty"`
		Limit    int       `json:"limit,omitempty"`
		Offset   int       `json:"offset,omitempty"`
	}{selector, limit, offset}

	var out SearchResult
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/providers/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statistics returns aggregate counts from the peer's index.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	var out Statistics
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/statistics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LedgerStatus returns committed and projected heights and the history root.
func (c *Client) LedgerStatus(ctx context.Context) (*LedgerStatus, error) {
	var out LedgerStatus
	if err := c.doRaw(ctx, "/api/v1/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLedger walks the peer's history hash chain.
func (c *Client) VerifyLedger(ctx context.Context) (*IntegrityReport, error) {
	var out IntegrityReport
	if err := c.doRaw(ctx, "/api/v1/ledger/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LedgerEntry returns one history entry by its global index.
func (c *Client) LedgerEntry(ctx context.Context, idx int) (*HistoryEntry, error) {
	var out HistoryEntry
	if err := c.doRaw(ctx, "/api/v1/ledger/entries/"+strconv.Itoa(idx), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
