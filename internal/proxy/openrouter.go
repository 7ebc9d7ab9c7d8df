// Package proxy talks to OpenRouter, the remote chat provider a request may
// select instead of the local Ollama models.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	// completeTimeout bounds router classification and query planning
	// calls; streams are bounded by the caller's engine deadline instead.
	completeTimeout = 60 * time.Second
	modelsTimeout   = 10 * time.Second
	defaultAttempts = 3
	initialBackoff  = 500 * time.Millisecond
	maxRetryAfter   = 10 * time.Second
)

// Errors a caller can act on. A StatusError unwraps to one of them.
var (
	ErrUnauthorized  = errors.New("openrouter rejected the API key")
	ErrModelNotFound = errors.New("openrouter does not serve the model")
	ErrRateLimited   = errors.New("openrouter rate limit reached")
	ErrUpstream      = errors.New("openrouter upstream provider failed")
)

// StatusError is a non-200 answer from OpenRouter.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openrouter: HTTP %d", e.Status)
	}
	return fmt.Sprintf("openrouter: HTTP %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Status == http.StatusPaymentRequired:
		return ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return ErrModelNotFound
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrUpstream
	}
	return nil
}

// retryable reports whether another attempt may succeed: rate limits and
// OpenRouter's "no upstream provider available" answers.
func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusBadGateway ||
		e.Status == http.StatusServiceUnavailable
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAttempts sets how many times a retryable request is sent.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// Client calls the OpenRouter chat completions API.
type Client struct {
	apiKey     string
	baseURL    string
	attempts   int
	httpClient *http.Client
}

// NewClient creates a client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		attempts: defaultAttempts,
		// No client-wide timeout: it would cut long answer streams short.
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// send posts req and returns the open response body. Retryable statuses are
// retried with exponential backoff, honouring Retry-After, before any byte
// of the answer has been read. The caller closes the body.
func (c *Client) send(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		rc, wait, err := c.post(ctx, body)
		if err == nil {
			return rc, nil
		}
		var se *StatusError
		if !errors.As(err, &se) || !se.retryable() {
			return nil, err
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}
		if wait <= 0 {
			wait = backoff
			backoff *= 2
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.attempts, lastErr)
}

// post makes one request. On a non-200 answer it returns the StatusError
// and the server's Retry-After hint, if any.
func (c *Client) post(ctx context.Context, body []byte) (io.ReadCloser, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, 0, nil
	}
	defer resp.Body.Close()
	return nil, retryAfter(resp.Header.Get("Retry-After")), statusError(resp)
}

// statusError reads OpenRouter's {"error":{"message":...}} envelope.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env struct {
		Error *apiError `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		msg = env.Error.Message
	}
	return &StatusError{Status: resp.StatusCode, Message: msg}
}

func retryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// HasModel reports whether OpenRouter lists model among the ones it serves.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return false, fmt.Errorf("decoding models: %w", err)
	}
	for _, m := range list.Data {
		if m.ID == model {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/kalambet/machinist")
	req.Header.Set("X-Title", "machinist")
}
