// ABOUTME: Single-flight access token refresh shared by the transport and the session manager
// ABOUTME: A failed refresh clears the stored pair so the session cannot linger half valid

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/internal/utils"
)

const refreshKey = "token_refresh"

const tracerName = "github.com/dk8moore/dr-website/internal/service"

// RefreshCoordinator runs at most one network refresh at a time; overlapping callers share its result
type RefreshCoordinator struct {
	repo    repository.TokenRepository
	api     TokenRefresher
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// NewRefreshCoordinator creates a coordinator that refreshes through api and persists to repo
func NewRefreshCoordinator(repo repository.TokenRepository, api TokenRefresher, logger *slog.Logger) *RefreshCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshCoordinator{
		repo:   repo,
		api:    api,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// SetMetrics sets the metrics collector
func (c *RefreshCoordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Refresh returns a new access token. It returns "" and a nil error without any
// network call when no refresh token is stored. The shared refresh is not
// cancelled when an individual caller's context is.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (string, error) {
	result, err, shared := c.group.Do(refreshKey, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	if shared {
		c.metrics.RecordSharedRefresh()
		c.logger.Debug("Token refresh result shared with concurrent caller")
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *RefreshCoordinator) refresh(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "RefreshCoordinator.Refresh")
	defer span.End()

	start := time.Now()

	pair, err := c.repo.Read(ctx)
	if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		c.metrics.RecordRefresh("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage read failed")
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !pair.HasRefresh() {
		c.logger.Info("No refresh token stored, skipping refresh")
		c.metrics.RecordRefresh("skipped", time.Since(start))
		span.SetAttributes(attribute.Bool("refresh.skipped", true))
		return "", nil
	}

	c.logger.Info("Refreshing access token", "refresh_prefix", utils.TokenPrefix(pair.Refresh))

	resp, err := c.api.RefreshAccess(ctx, pair.Refresh)
	if err != nil {
		c.logger.Warn("Token refresh failed, clearing session", "error", err)
		if clearErr := c.repo.Clear(ctx); clearErr != nil {
			c.logger.Error("Failed to clear session tokens", "error", clearErr)
		}
		c.metrics.RecordRefresh("failure", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	// re-reads the pair so a sign-out that landed during the request is not undone
	if _, err := repository.UpdateAccess(ctx, c.repo, resp.Access, resp.Refresh); err != nil {
		c.metrics.RecordRefresh("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	duration := time.Since(start)
	c.metrics.RecordRefresh("success", duration)
	span.SetAttributes(attribute.Bool("refresh.rotated", resp.Refresh != ""))
	c.logger.Info("Access token refreshed",
		"duration", duration,
		"rotated_refresh", resp.Refresh != "",
		"access_prefix", utils.TokenPrefix(resp.Access))

	return resp.Access, nil
}
