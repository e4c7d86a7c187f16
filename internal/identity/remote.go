package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/valyala/fasthttp"
)

// Remote asks an HTTP identity service who owns a token:
//
//	GET {base}/verify  Authorization: Bearer <token>
//	200 {"id": "...", "name": "..."}
//	401/403 unknown token
type Remote struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type RemoteOption func(*Remote)

func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.defaultTimeout = d }
}

func WithRetry(max int) RemoteOption {
	return func(r *Remote) { r.retryMax = max }
}

func WithMaxConnsPerHost(n int) RemoteOption {
	return func(r *Remote) { r.http.MaxConnsPerHost = n }
}

// WithDial replaces the dialer, used to reach in-memory listeners.
func WithDial(dial fasthttp.DialFunc) RemoteOption {
	return func(r *Remote) { r.http.Dial = dial }
}

func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type verifyResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var errRejected = errors.New("token rejected")

func (r *Remote) Verify(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}
	var out verifyResponse
	err := r.do(ctx, "/verify", token, &out)
	if errors.Is(err, errRejected) {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity service: %w", err)
	}
	id := domain.Identity{ID: strings.TrimSpace(out.ID), Name: strings.TrimSpace(out.Name)}
	if !id.Valid() {
		return domain.Identity{}, fmt.Errorf("%w: identity service returned no id", domain.ErrUnauthenticated)
	}
	return id, nil
}

func (r *Remote) do(ctx context.Context, path, token string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(r.baseURL + path)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	attempts := r.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.http.DoDeadline(req, resp, r.computeDeadline(ctx))
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
		switch {
		case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden || status == fasthttp.StatusNotFound:
			return fmt.Errorf("%w: status=%d", errRejected, status)
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("status=%d body=%s", status, truncate(string(resp.Body()), 256))
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (r *Remote) computeDeadline(ctx context.Context) time.Time {
	limit := time.Now().Add(r.defaultTimeout)
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
	return time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
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
