// Package matchclient talks to a match server over its REST and websocket
// boundary.
package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/protocol"
	"github.com/valyala/fasthttp"
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("match api: status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given wire code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create starts a match with the caller as white.
func (c *Client) Create(ctx context.Context) (*protocol.MatchView, error) {
	var v protocol.MatchView
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/matches", &v, false); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Get(ctx context.Context, code string) (*protocol.MatchView, error) {
	var v protocol.MatchView
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/matches/"+url.PathEscape(code), &v, true); err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns the caller's matches, most recent first.
func (c *Client) List(ctx context.Context) ([]protocol.MatchView, error) {
	var out struct {
		Matches []protocol.MatchView `json:"matches"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/matches", &out, true); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// Board fetches the PNG rendering of the current position.
func (c *Client) Board(ctx context.Context, code string, flip bool) ([]byte, error) {
	path := "/api/matches/" + url.PathEscape(code) + "/board.png"
	if flip {
		path += "?flip=1"
	}
	var png []byte
	err := c.do(ctx, fasthttp.MethodGet, path, true, func(body []byte) error {
		png = append([]byte(nil), body...)
		return nil
	})
	return png, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any, retry bool) error {
	return c.do(ctx, method, path, retry, func(body []byte) error {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, retry bool, onBody func([]byte) error) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := &APIError{Status: status}
			_ = json.Unmarshal(resp.Body(), apiErr)
			if apiErr.Message == "" {
				apiErr.Message = truncate(string(resp.Body()), 256)
			}
			lastErr = apiErr
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}
		return onBody(resp.Body())
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	limit := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(limit) {
		return dl
	}
	return limit
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
