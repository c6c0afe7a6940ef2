package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/internal/service"
)

// SessionProvider is the part of the session manager exposed over HTTP
type SessionProvider interface {
	State() models.SessionState
	CheckStatus(ctx context.Context) models.SessionState
}

// StatusHandler serves the local session status endpoints
type StatusHandler struct {
	session   SessionProvider
	repo      repository.TokenRepository
	validator *service.TokenValidator
	logger    *slog.Logger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(session SessionProvider, repo repository.TokenRepository, validator *service.TokenValidator, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = service.NewTokenValidator()
	}
	return &StatusHandler{
		session:   session,
		repo:      repo,
		validator: validator,
		logger:    logger,
	}
}

// SessionResponse is the body of the session endpoints
type SessionResponse struct {
	Status           string     `json:"status"`
	Loading          bool       `json:"loading"`
	CheckedAt        *time.Time `json:"checkedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	ExpiresInSeconds *int64     `json:"expiresInSeconds,omitempty"`
	HasRefreshToken  bool       `json:"hasRefreshToken"`
}

// HandleHealth handles GET /healthz
func (h *StatusHandler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSession handles GET /v1/session
func (h *StatusHandler) HandleSession(c echo.Context) error {
	return h.respond(c, h.session.State())
}

// HandleCheck handles POST /v1/session/check and runs a check before answering
func (h *StatusHandler) HandleCheck(c echo.Context) error {
	state := h.session.CheckStatus(c.Request().Context())
	return h.respond(c, state)
}

func (h *StatusHandler) respond(c echo.Context, state models.SessionState) error {
	resp, err := DescribeSession(c.Request().Context(), state, h.repo, h.validator)
	if err != nil {
		h.logger.ErrorContext(c.Request().Context(), "failed to read session tokens", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "token store unavailable")
	}
	return c.JSON(http.StatusOK, resp)
}

// DescribeSession combines a state snapshot with the expiry of the stored access token
func DescribeSession(ctx context.Context, state models.SessionState, repo repository.TokenRepository, validator *service.TokenValidator) (SessionResponse, error) {
	resp := SessionResponse{
		Status:  state.Status.String(),
		Loading: state.Loading,
	}
	if !state.CheckedAt.IsZero() {
		checked := state.CheckedAt
		resp.CheckedAt = &checked
	}

	pair, err := repo.Read(ctx)
	switch {
	case err == nil:
		resp.HasRefreshToken = pair.HasRefresh()
		if decoded, derr := validator.Decode(pair.Access); derr == nil {
			expiresAt := decoded.ExpiresAt
			seconds := int64(decoded.TimeUntilExpiry(validator.Now()).Seconds())
			resp.ExpiresAt = &expiresAt
			resp.ExpiresInSeconds = &seconds
		}
	case errors.Is(err, repository.ErrTokenNotFound):
	default:
		return resp, err
	}
	return resp, nil
}
