package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dk8moore/dr-website/internal/driver"
	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/mocks"
)

func newTestManager(repo repository.TokenRepository, refresher AccessRefresher, api AuthAPI, channel VerificationListener) *SessionManager {
	return NewSessionManager(repo, NewTokenValidator(), refresher, api, channel, SessionConfig{}, nil)
}

func TestSessionManager_InitialState(t *testing.T) {
	m := newTestManager(newMemoryRepo(t, nil), nil, nil, nil)
	state := m.State()
	assert.Equal(t, models.StatusUnknown, state.Status)
	assert.False(t, state.Loading)
	assert.True(t, state.CheckedAt.IsZero())
}

func TestSessionManager_CheckStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		pair       *models.TokenPair
		setup      func(api *mocks.MockTokenRefresher)
		wantStatus models.SessionStatus
		wantAccess string // "" means the store must be empty
	}{
		{
			name:       "no tokens",
			setup:      func(*mocks.MockTokenRefresher) {},
			wantStatus: models.StatusUnauthenticated,
		},
		{
			name:       "valid token needs no refresh",
			pair:       &models.TokenPair{Access: makeToken(t, now, time.Hour), Refresh: "r"},
			setup:      func(*mocks.MockTokenRefresher) {},
			wantStatus: models.StatusAuthenticated,
			wantAccess: makeToken(t, now, time.Hour),
		},
		{
			name: "expiring within lead is refreshed",
			pair: &models.TokenPair{Access: makeToken(t, now, 2*time.Minute), Refresh: "r"},
			setup: func(api *mocks.MockTokenRefresher) {
				api.EXPECT().RefreshAccess(gomock.Any(), "r").Return(&models.RefreshResponse{Access: "refreshed"}, nil).Times(1)
			},
			wantStatus: models.StatusAuthenticated,
			wantAccess: "refreshed",
		},
		{
			name: "refresh failure clears session",
			pair: &models.TokenPair{Access: makeToken(t, now, -time.Minute), Refresh: "revoked"},
			setup: func(api *mocks.MockTokenRefresher) {
				api.EXPECT().RefreshAccess(gomock.Any(), "revoked").Return(nil, errors.New("rejected")).Times(1)
			},
			wantStatus: models.StatusUnauthenticated,
		},
		{
			name:       "expired without refresh token",
			pair:       &models.TokenPair{Access: makeToken(t, now, -time.Minute)},
			setup:      func(*mocks.MockTokenRefresher) {},
			wantStatus: models.StatusUnauthenticated,
		},
		{
			name:       "malformed access token without refresh token",
			pair:       &models.TokenPair{Access: "not-a-jwt"},
			setup:      func(*mocks.MockTokenRefresher) {},
			wantStatus: models.StatusUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			api := mocks.NewMockTokenRefresher(ctrl)
			tt.setup(api)

			repo := newMemoryRepo(t, tt.pair)
			m := newTestManager(repo, NewRefreshCoordinator(repo, api, nil), nil, nil)

			state := m.CheckStatus(context.Background())
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.False(t, state.Loading)
			assert.False(t, state.CheckedAt.IsZero())

			pair, err := repo.Read(context.Background())
			if tt.wantAccess == "" {
				assert.ErrorIs(t, err, repository.ErrTokenNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, pair.Access)
		})
	}
}

func TestSessionManager_CheckStatusRefresherOutcomes(t *testing.T) {
	expired := makeToken(t, time.Now(), -time.Minute)

	t.Run("error leaves the store to the refresher", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		refresher := mocks.NewMockAccessRefresher(ctrl)
		refresher.EXPECT().Refresh(gomock.Any()).Return("", errors.New("disk unavailable"))

		repo := newMemoryRepo(t, &models.TokenPair{Access: expired, Refresh: "r"})
		state := newTestManager(repo, refresher, nil, nil).CheckStatus(context.Background())

		assert.Equal(t, models.StatusUnauthenticated, state.Status)
		pair, err := repo.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expired, pair.Access)
	})

	t.Run("empty token clears the pair", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		refresher := mocks.NewMockAccessRefresher(ctrl)
		refresher.EXPECT().Refresh(gomock.Any()).Return("", nil)

		repo := newMemoryRepo(t, &models.TokenPair{Access: expired, Refresh: "r"})
		state := newTestManager(repo, refresher, nil, nil).CheckStatus(context.Background())

		assert.Equal(t, models.StatusUnauthenticated, state.Status)
		_, err := repo.Read(context.Background())
		assert.ErrorIs(t, err, repository.ErrTokenNotFound)
	})
}

func TestSessionManager_LoadingDuringCheck(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	ctrl := gomock.NewController(t)
	api := mocks.NewMockTokenRefresher(ctrl)
	api.EXPECT().RefreshAccess(gomock.Any(), "r").DoAndReturn(
		func(context.Context, string) (*models.RefreshResponse, error) {
			close(entered)
			<-release
			return &models.RefreshResponse{Access: "refreshed"}, nil
		})

	repo := newMemoryRepo(t, &models.TokenPair{Access: "expired-and-malformed", Refresh: "r"})
	m := newTestManager(repo, NewRefreshCoordinator(repo, api, nil), nil, nil)

	done := make(chan models.SessionState, 1)
	go func() { done <- m.CheckStatus(context.Background()) }()

	<-entered
	assert.True(t, m.State().Loading)
	assert.Equal(t, models.StatusUnknown, m.State().Status)
	close(release)

	state := <-done
	assert.False(t, state.Loading)
	assert.Equal(t, models.StatusAuthenticated, state.Status)
}

func TestSessionManager_Login(t *testing.T) {
	ctx := context.Background()
	creds := models.LoginCredentials{Email: "ann@example.com", Password: "secret"}

	t.Run("success authenticates and keeps both tokens", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := newMemoryRepo(t, nil)
		api := mocks.NewMockAuthAPI(ctrl)
		api.EXPECT().Login(gomock.Any(), creds).DoAndReturn(
			func(ctx context.Context, _ models.LoginCredentials) (*models.LoginResult, error) {
				tokens := &models.AuthTokens{Access: "acc", Refresh: "ref"}
				require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: tokens.Access, Refresh: tokens.Refresh}))
				return &models.LoginResult{Success: true, Tokens: tokens}, nil
			})

		m := newTestManager(repo, nil, api, nil)
		updates, unsubscribe := m.Subscribe()
		defer unsubscribe()

		result, err := m.Login(ctx, creds)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, models.StatusAuthenticated, m.State().Status)

		pair, err := repo.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.TokenPair{Access: "acc", Refresh: "ref"}, *pair)

		select {
		case state := <-updates:
			assert.Equal(t, models.StatusAuthenticated, state.Status)
		case <-time.After(time.Second):
			t.Fatal("no state update published")
		}
	})

	t.Run("unverified account leaves status alone", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		api := mocks.NewMockAuthAPI(ctrl)
		api.EXPECT().Login(gomock.Any(), creds).Return(&models.LoginResult{Error: "Email not verified", NeedsVerification: true}, nil)

		m := newTestManager(newMemoryRepo(t, nil), nil, api, nil)
		result, err := m.Login(ctx, creds)
		require.NoError(t, err)
		assert.True(t, result.NeedsVerification)
		assert.Equal(t, models.StatusUnknown, m.State().Status)
	})

	t.Run("transport error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		boom := errors.New("connection refused")
		api := mocks.NewMockAuthAPI(ctrl)
		api.EXPECT().Login(gomock.Any(), creds).Return(nil, boom)

		m := newTestManager(newMemoryRepo(t, nil), nil, api, nil)
		_, err := m.Login(ctx, creds)
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.State().Loading)
	})
}

func TestSessionManager_Signout(t *testing.T) {
	tests := []struct {
		name      string
		logoutErr error
	}{
		{name: "server logout succeeds"},
		{name: "server logout fails", logoutErr: errors.New("502 bad gateway")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			ctx := context.Background()
			repo := newMemoryRepo(t, &models.TokenPair{Access: makeToken(t, time.Now(), time.Hour), Refresh: "r"})

			api := mocks.NewMockAuthAPI(ctrl)
			api.EXPECT().Logout(gomock.Any()).Return(tt.logoutErr).Times(1)

			m := newTestManager(repo, nil, api, nil)
			require.Equal(t, models.StatusAuthenticated, m.CheckStatus(ctx).Status)

			require.NoError(t, m.Signout(ctx))
			assert.Equal(t, models.StatusUnauthenticated, m.State().Status)

			_, err := repo.Read(ctx)
			assert.ErrorIs(t, err, repository.ErrTokenNotFound)
		})
	}
}

func TestSessionManager_TransitionRules(t *testing.T) {
	m := newTestManager(newMemoryRepo(t, nil), nil, nil, nil)

	m.MarkLoggedIn()
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)

	m.OnForcedLogout(context.Background())
	assert.Equal(t, models.StatusUnauthenticated, m.State().Status)

	// Unknown is never re-entered
	state := m.transition(models.StatusUnknown, false)
	assert.Equal(t, models.StatusUnauthenticated, state.Status)

	m.MarkLoggedIn()
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)
}

func TestSessionManager_SubscribeAndClose(t *testing.T) {
	m := newTestManager(newMemoryRepo(t, nil), nil, nil, nil)

	updates, unsubscribe := m.Subscribe()
	m.CheckStatus(context.Background())

	var last models.SessionState
	for state := range drain(updates) {
		last = state
	}
	assert.Equal(t, models.StatusUnauthenticated, last.Status)
	assert.False(t, last.Loading)

	require.NoError(t, m.Close())
	_, open := <-updates
	assert.False(t, open, "Close ends subscriptions")
	unsubscribe()

	late, _ := m.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

// drain yields buffered snapshots without blocking
func drain(ch <-chan models.SessionState) <-chan models.SessionState {
	out := make(chan models.SessionState, 4)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-ch:
				if !ok {
					return
				}
				out <- s
			default:
				return
			}
		}
	}()
	return out
}

func TestSessionManager_Run(t *testing.T) {
	repo := newMemoryRepo(t, &models.TokenPair{Access: makeToken(t, time.Now(), time.Hour), Refresh: "r"})
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)

	m := NewSessionManager(repo, NewTokenValidator(), nil, nil, nil, SessionConfig{CheckInterval: 20 * time.Millisecond}, nil)
	m.SetMetrics(collector)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)
	assert.GreaterOrEqual(t, testutil.ToFloat64(collector.SessionChecks.WithLabelValues("authenticated")), float64(2))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.SessionStatus.WithLabelValues("authenticated")))
}

func TestSessionManager_AwaitVerification(t *testing.T) {
	ctrl := gomock.NewController(t)
	channel := mocks.NewMockVerificationListener(ctrl)

	event := models.VerificationEvent{Type: models.EventEmailVerified, Message: "verified"}
	gomock.InOrder(
		channel.EXPECT().Open(gomock.Any()).Return(nil),
		channel.EXPECT().Listen(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, onVerified func(models.VerificationEvent)) error {
				onVerified(event)
				<-ctx.Done()
				return ctx.Err()
			}),
		channel.EXPECT().Close().Return(nil),
	)

	m := newTestManager(newMemoryRepo(t, nil), nil, nil, channel)

	got, err := m.AwaitVerification(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event, *got)
	assert.False(t, m.State().CheckedAt.IsZero(), "session re-checked on verification")
}

func TestSessionManager_AwaitVerificationErrors(t *testing.T) {
	m := newTestManager(newMemoryRepo(t, nil), nil, nil, nil)
	_, err := m.AwaitVerification(context.Background())
	assert.ErrorIs(t, err, ErrNoVerificationChannel)

	ctrl := gomock.NewController(t)
	channel := mocks.NewMockVerificationListener(ctrl)
	channel.EXPECT().Open(gomock.Any()).Return(nil)
	channel.EXPECT().Listen(gomock.Any(), gomock.Any()).Return(driver.ErrChannelClosed)
	channel.EXPECT().Close().Return(nil)

	m = newTestManager(newMemoryRepo(t, nil), nil, nil, channel)
	_, err = m.AwaitVerification(context.Background())
	assert.ErrorIs(t, err, driver.ErrChannelClosed)
}

// newSessionStack wires the real client, transport, coordinator and manager against server
func newSessionStack(t *testing.T, server *httptest.Server, pair *models.TokenPair) (*driver.APIClient, *SessionManager, repository.TokenRepository) {
	t.Helper()
	repo := newMemoryRepo(t, pair)
	client := driver.NewAPIClient(driver.APIClientConfig{BaseURL: server.URL}, repo)
	coord := NewRefreshCoordinator(repo, client, nil)
	m := newTestManager(repo, coord, client, nil)

	client.Transport().SetRefresher(coord)
	client.Transport().SetLogoutHandler(m.OnForcedLogout)
	return client, m, repo
}

func TestSession_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(driver.PathTokenRefresh, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"fresh"}`))
	})
	mux.HandleFunc(driver.PathProfile, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"username":"ann"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, m, repo := newSessionStack(t, server, &models.TokenPair{Access: "expired", Refresh: "refresh-1"})
	m.MarkLoggedIn()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.GetProfile(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)

	pair, err := repo.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", pair.Access)
	assert.Equal(t, "refresh-1", pair.Refresh)
}

func TestSession_UnauthorizedWithoutRefreshTokenLogsOut(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(driver.PathTokenRefresh, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	})
	mux.HandleFunc(driver.PathProfile, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, m, repo := newSessionStack(t, server, &models.TokenPair{Access: "expired"})
	m.MarkLoggedIn()

	_, err := client.GetProfile(context.Background())
	assert.ErrorIs(t, err, driver.ErrUnauthorized)
	assert.Equal(t, int32(0), refreshCalls.Load())
	assert.Equal(t, models.StatusUnauthenticated, m.State().Status)

	_, err = repo.Read(context.Background())
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)
}

func TestSession_LoginThenSignout(t *testing.T) {
	var logoutAuth string
	mux := http.NewServeMux()
	mux.HandleFunc(driver.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"acc","refresh":"ref"}`))
	})
	mux.HandleFunc(driver.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		logoutAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, m, repo := newSessionStack(t, server, nil)
	ctx := context.Background()

	result, err := m.Login(ctx, models.LoginCredentials{Email: "ann@example.com", Password: "secret"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)

	pair, err := repo.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TokenPair{Access: "acc", Refresh: "ref"}, *pair)

	require.NoError(t, m.Signout(ctx))
	assert.Equal(t, "Bearer acc", logoutAuth, "server logout is sent before local tokens are cleared")
	assert.Equal(t, models.StatusUnauthenticated, m.State().Status)
	_, err = repo.Read(ctx)
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)
}
