package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

const (
	parsePath  = "/dictation/parse"
	healthPath = "/health"

	// TaxonomyHeader carries the section schema version on every request
	TaxonomyHeader = "X-Section-Taxonomy"

	maxErrorBody = 64 << 10
)

// HTTPClient calls the parser's JSON endpoint
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	guard      *guard
}

// NewHTTPClient creates an HTTP parser client
func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		guard:      newGuard("parser-http", opts),
	}
}

// Parse implements Client
func (c *HTTPClient) Parse(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}

	var out *Response
	err = c.guard.do(ctx, func(ctx context.Context) error {
		resp, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+parsePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create parse request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(TaxonomyHeader, taxonomy.Version)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("parse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode parse response: %w", err)
	}
	return &out, nil
}

// decodeError reads {"error": "..."} or {"message": "..."} from a failed response
func decodeError(resp *http.Response) *Error {
	perr := &Error{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return perr
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		perr.Message = body.Error
		if perr.Message == "" {
			perr.Message = body.Message
		}
	}
	return perr
}

// HealthCheck implements HealthChecker
func (c *HTTPClient) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return true, nil
}

// Close implements io.Closer
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
