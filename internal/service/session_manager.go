// ABOUTME: Session state machine: Unknown, Authenticated, Unauthenticated plus a loading flag
// ABOUTME: Re-validated on start, on a fixed interval, on demand and on verification events

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/repository"
)

// Default session timings
const (
	DefaultRefreshLead   = 5 * time.Minute
	DefaultCheckInterval = 5 * time.Minute
	serverLogoutTimeout  = 10 * time.Second
)

// ErrNoVerificationChannel is returned when verification is awaited without a channel
var ErrNoVerificationChannel = errors.New("no verification channel configured")

// SessionConfig controls when tokens are refreshed and how often the session is re-checked
type SessionConfig struct {
	RefreshLead   time.Duration
	CheckInterval time.Duration
}

// SessionManager owns the session status and the verification channel
type SessionManager struct {
	repo      repository.TokenRepository
	validator *TokenValidator
	refresher AccessRefresher
	api       AuthAPI
	channel   VerificationListener
	cfg       SessionConfig
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer

	mu      sync.Mutex
	state   models.SessionState
	loading int
	subs    map[int]chan models.SessionState
	nextSub int
	closed  bool
}

// NewSessionManager creates a manager in the Unknown state. channel may be nil.
func NewSessionManager(
	repo repository.TokenRepository,
	validator *TokenValidator,
	refresher AccessRefresher,
	api AuthAPI,
	channel VerificationListener,
	cfg SessionConfig,
	logger *slog.Logger,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = NewTokenValidator()
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultRefreshLead
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}

	return &SessionManager{
		repo:      repo,
		validator: validator,
		refresher: refresher,
		api:       api,
		channel:   channel,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		state:     models.SessionState{Status: models.StatusUnknown},
		subs:      make(map[int]chan models.SessionState),
	}
}

// SetMetrics sets the metrics collector
func (m *SessionManager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
	c.SetSessionStatus(m.State().Status)
}

// State returns a snapshot of the current state
func (m *SessionManager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel receiving the latest state after every change.
// Slow subscribers only see the most recent snapshot.
func (m *SessionManager) Subscribe() (<-chan models.SessionState, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan models.SessionState, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

// CheckStatus re-validates the stored session, refreshing the access token
// when it is invalid or expires within the refresh lead.
func (m *SessionManager) CheckStatus(ctx context.Context) models.SessionState {
	ctx, span := m.tracer.Start(ctx, "SessionManager.CheckStatus")
	defer span.End()

	m.setLoading(true)
	status := m.evaluate(ctx)
	span.SetAttributes(attribute.String("session.status", status.String()))
	m.metrics.RecordSessionCheck(status)

	m.transition(status, true)
	m.setLoading(false)
	return m.State()
}

func (m *SessionManager) evaluate(ctx context.Context) models.SessionStatus {
	pair, err := m.repo.Read(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrTokenNotFound) {
			m.logger.Error("Failed to read session tokens", "error", err)
		}
		return models.StatusUnauthenticated
	}
	if pair.Access == "" {
		return models.StatusUnauthenticated
	}

	if !m.validator.NeedsRefresh(pair.Access, m.cfg.RefreshLead) {
		return models.StatusAuthenticated
	}

	m.logger.Info("Access token expired or expiring soon, refreshing",
		"refresh_lead", m.cfg.RefreshLead)

	if m.refresher == nil {
		m.clearTokens(ctx)
		return models.StatusUnauthenticated
	}

	token, err := m.refresher.Refresh(ctx)
	if err != nil {
		m.logger.Warn("Proactive refresh failed", "error", err)
		return models.StatusUnauthenticated
	}
	if token == "" {
		m.clearTokens(ctx)
		return models.StatusUnauthenticated
	}
	return models.StatusAuthenticated
}

// Login exchanges credentials and marks the session authenticated on success.
// The returned result carries domain failures such as an unverified account.
func (m *SessionManager) Login(ctx context.Context, creds models.LoginCredentials) (*models.LoginResult, error) {
	m.setLoading(true)
	defer m.setLoading(false)

	result, err := m.api.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	if result.Success {
		m.MarkLoggedIn()
	}
	return result, nil
}

// MarkLoggedIn sets the status to Authenticated after tokens were persisted by a credential exchange
func (m *SessionManager) MarkLoggedIn() {
	m.transition(models.StatusAuthenticated, false)
}

// Signout ends the session on the server (best effort) and clears local tokens
func (m *SessionManager) Signout(ctx context.Context) error {
	if m.api != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, serverLogoutTimeout)
		if err := m.api.Logout(logoutCtx); err != nil {
			m.logger.Warn("Server logout failed, clearing local session anyway", "error", err)
		}
		cancel()
	}

	err := m.repo.Clear(ctx)
	if err != nil {
		m.logger.Error("Failed to clear session tokens", "error", err)
	}
	m.transition(models.StatusUnauthenticated, false)
	m.logger.Info("Signed out")
	return err
}

// OnForcedLogout records that the transport cleared the session after an unrecoverable 401
func (m *SessionManager) OnForcedLogout(ctx context.Context) {
	m.logger.Warn("Session ended after unrecoverable 401")
	m.transition(models.StatusUnauthenticated, false)
}

// Run checks the session immediately and then every CheckInterval until ctx is done
func (m *SessionManager) Run(ctx context.Context) error {
	m.CheckStatus(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session checks stopped")
			return nil
		case <-ticker.C:
			m.CheckStatus(ctx)
		}
	}
}

// AwaitVerification opens the verification channel and blocks until the first
// email_verified event, re-checking the session when it arrives. The channel
// is closed on return.
func (m *SessionManager) AwaitVerification(ctx context.Context) (*models.VerificationEvent, error) {
	if m.channel == nil {
		return nil, ErrNoVerificationChannel
	}
	if err := m.channel.Open(ctx); err != nil {
		return nil, err
	}
	defer m.closeChannel()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var received *models.VerificationEvent
	err := m.channel.Listen(listenCtx, func(event models.VerificationEvent) {
		if received != nil {
			return
		}
		received = &event
		m.CheckStatus(ctx)
		cancel()
	})
	if received != nil {
		return received, nil
	}
	return nil, err
}

// WatchVerification re-checks the session on every email_verified event until
// ctx is done or the channel drops. Dropped connections are not redialed.
func (m *SessionManager) WatchVerification(ctx context.Context) error {
	if m.channel == nil {
		return ErrNoVerificationChannel
	}
	if err := m.channel.Open(ctx); err != nil {
		return err
	}
	defer m.closeChannel()

	err := m.channel.Listen(ctx, func(models.VerificationEvent) {
		m.CheckStatus(ctx)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the verification channel and ends all subscriptions
func (m *SessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if m.channel != nil {
		return m.channel.Close()
	}
	return nil
}

// transition moves to next when the state machine allows it and returns the resulting snapshot
func (m *SessionManager) transition(next models.SessionStatus, checked bool) models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if checked {
		m.state.CheckedAt = m.validator.Now()
	}

	current := m.state.Status
	if current == next {
		return m.state
	}
	if !current.CanTransitionTo(next) {
		m.logger.Warn("Rejected session transition", "from", current.String(), "to", next.String())
		return m.state
	}

	m.state.Status = next
	m.metrics.SetSessionStatus(next)
	m.logger.Info("Session status changed", "from", current.String(), "to", next.String())
	m.notifyLocked()
	return m.state
}

func (m *SessionManager) setLoading(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on {
		m.loading++
	} else if m.loading > 0 {
		m.loading--
	}

	loading := m.loading > 0
	if loading != m.state.Loading {
		m.state.Loading = loading
		m.notifyLocked()
	}
}

// notifyLocked publishes the current state; callers hold m.mu
func (m *SessionManager) notifyLocked() {
	if m.closed {
		return
	}
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- m.state:
		default:
		}
	}
}

func (m *SessionManager) clearTokens(ctx context.Context) {
	if err := m.repo.Clear(ctx); err != nil {
		m.logger.Error("Failed to clear session tokens", "error", err)
	}
}

func (m *SessionManager) closeChannel() {
	if err := m.channel.Close(); err != nil {
		m.logger.Debug("Failed to close verification channel", "error", err)
	}
}
