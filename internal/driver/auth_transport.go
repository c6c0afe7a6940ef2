// ABOUTME: http.RoundTripper that attaches the bearer token and recovers from 401 once
// ABOUTME: Refresh goes through the Refresher; an unrecoverable 401 logs the session out

package driver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/internal/utils"
)

// RequestIDHeader is set on every outbound request that does not already carry one
const RequestIDHeader = "X-Request-ID"

// Refresher mints a new access token. An empty token with a nil error means
// no refresh token was available.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

type retriedKey struct{}

// WithRetried marks a request context as already retried after a 401
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// IsRetried reports whether the request context was already retried
func IsRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

// AuthTransport attaches Authorization: Bearer <access> and retries a 401 at most once
type AuthTransport struct {
	base      http.RoundTripper
	repo      repository.TokenRepository
	refresher Refresher
	onLogout  func(ctx context.Context)
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewAuthTransport wraps base. A nil base uses http.DefaultTransport.
func NewAuthTransport(base http.RoundTripper, repo repository.TokenRepository, logger *slog.Logger) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AuthTransport{
		base:   base,
		repo:   repo,
		logger: logger,
	}
}

// SetRefresher sets the component used to recover from 401 responses
func (t *AuthTransport) SetRefresher(r Refresher) {
	t.refresher = r
}

// SetLogoutHandler registers a hook invoked after the transport clears the session
func (t *AuthTransport) SetLogoutHandler(fn func(ctx context.Context)) {
	t.onLogout = fn
}

// SetMetrics sets the metrics collector
func (t *AuthTransport) SetMetrics(m *metrics.Collector) {
	t.metrics = m
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	sent := t.accessToken(ctx)
	out := req.Clone(ctx)
	if sent != "" {
		out.Header.Set("Authorization", "Bearer "+sent)
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || retriedBefore(req) {
		return resp, nil
	}

	token, ok := t.recoverToken(ctx, sent)
	if !ok {
		t.logout(ctx)
		t.metrics.RecordRetry("logged_out")
		return resp, nil
	}

	// the token is recovered for later calls even when this body cannot be sent again
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Warn("Cannot replay request body after 401", "method", req.Method, "path", req.URL.Path)
		t.metrics.RecordRetry("not_replayable")
		return resp, nil
	}

	retry := out.Clone(WithRetried(ctx))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			t.logger.Warn("Failed to rebuild request body for retry", "error", err)
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	drainAndClose(resp.Body)

	t.logger.Debug("Retrying request with refreshed token",
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", out.Header.Get(RequestIDHeader),
		"token_prefix", utils.TokenPrefix(token))
	t.metrics.RecordRetry("retried")

	resp, err = t.base.RoundTrip(retry)
	if err == nil && resp.Request == nil {
		resp.Request = retry
	}
	return resp, err
}

// retriedBefore reports whether req, or a request it was redirected from, was
// already retried. http.Client builds redirects from the caller's context, so
// the mark is found through req.Response.
func retriedBefore(req *http.Request) bool {
	for r := req; r != nil; {
		if IsRetried(r.Context()) {
			return true
		}
		if r.Response == nil {
			return false
		}
		r = r.Response.Request
	}
	return false
}

// recoverToken returns a token to retry with. A token that changed since the
// request was sent is reused without another refresh.
func (t *AuthTransport) recoverToken(ctx context.Context, sent string) (string, bool) {
	if current := t.accessToken(ctx); current != "" && current != sent {
		return current, true
	}

	if t.refresher == nil {
		return "", false
	}

	token, err := t.refresher.Refresh(ctx)
	if err != nil {
		t.logger.Warn("Token refresh after 401 failed", "error", err)
		return "", false
	}
	if token == "" {
		t.logger.Info("No refresh token available after 401")
		return "", false
	}
	return token, true
}

func (t *AuthTransport) logout(ctx context.Context) {
	if err := t.repo.Clear(ctx); err != nil {
		t.logger.Error("Failed to clear session tokens", "error", err)
	}
	if t.onLogout != nil {
		t.onLogout(ctx)
	}
}

func (t *AuthTransport) accessToken(ctx context.Context) string {
	token, err := repository.AccessToken(ctx, t.repo)
	if err != nil {
		t.logger.Warn("Failed to read access token", "error", err)
		return ""
	}
	return token
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
