package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/internal/validator"
)

// Account API paths
const (
	PathLogin              = "/auth/login/"
	PathRegistration       = "/auth/registration/"
	PathTokenRefresh       = "/auth/token/refresh/"
	PathLogout             = "/auth/logout/"
	PathVerifyEmail        = "/auth/registration/verify-email/"
	PathResendVerification = "/auth/registration/resend-email/"
	PathProfile            = "/user/profile/"
	PathChangePassword     = "/user/change-password/"
	PathResetPassword      = "/user/reset-password/"
)

const userAgent = "drctl/1.0"

// maxResponseBytes bounds how much of a response body is read
const maxResponseBytes = 1 << 20

// APIClientConfig configures an APIClient
type APIClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables limiting
	RateBurst int
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	// Transport is the underlying transport; nil uses http.DefaultTransport
	Transport http.RoundTripper
}

// APIClient is a typed client for the account API. Authenticated calls go
// through an AuthTransport; the refresh call bypasses it.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	// refreshClient has no 401 interception so a refresh can never recurse
	refreshClient *http.Client
	transport     *AuthTransport
	repo          repository.TokenRepository
	validator     *validator.Validator
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// NewAPIClient creates a client persisting login tokens to repo
func NewAPIClient(cfg APIClientConfig, repo repository.TokenRepository) *APIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	transport := NewAuthTransport(base, repo, logger)
	transport.SetMetrics(cfg.Metrics)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// the transport attaches the bearer to every hop, so redirects are not followed
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &APIClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    httpClient,
		refreshClient: &http.Client{Timeout: timeout, Transport: base},
		transport:     transport,
		repo:          repo,
		validator:     validator.New(),
		limiter:       limiter,
		logger:        logger,
	}
}

// Transport exposes the auth transport so the refresher and logout hook can be wired
func (c *APIClient) Transport() *AuthTransport {
	return c.transport
}

// Login exchanges credentials for a token pair and persists it.
// Domain failures are reported in the result, not as an error.
func (c *APIClient) Login(ctx context.Context, creds models.LoginCredentials) (*models.LoginResult, error) {
	if err := c.validator.Validate(&creds); err != nil {
		return nil, err
	}

	status, body, err := c.doJSON(ctx, c.httpClient, http.MethodPost, PathLogin, creds)
	if err != nil {
		return nil, err
	}

	if !isSuccess(status) {
		apiErr := parseAPIError(status, body)
		c.logger.Warn("Login rejected", "status_code", status)
		if apiErr.HasNonFieldError(notVerifiedMessage) {
			return &models.LoginResult{Error: "Email not verified", NeedsVerification: true}, nil
		}
		return &models.LoginResult{Error: apiErr.Message("An error occurred during login")}, nil
	}

	var tokens models.AuthTokens
	if err := decodeBody(PathLogin, body, &tokens); err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, &DecodeError{Endpoint: PathLogin, Field: "access"}
	}

	if err := c.repo.Save(ctx, &models.TokenPair{Access: tokens.Access, Refresh: tokens.Refresh}); err != nil {
		return nil, fmt.Errorf("failed to persist session tokens: %w", err)
	}

	c.logger.Info("Login succeeded", "email", creds.Email)
	return &models.LoginResult{Success: true, Tokens: &tokens}, nil
}

// Register creates an account; the server then sends a verification email
func (c *APIClient) Register(ctx context.Context, req models.SignupRequest) (*models.ActionResult, error) {
	if err := c.validator.Validate(&req); err != nil {
		return nil, err
	}
	return c.action(ctx, PathRegistration, req,
		"Please check your email to verify your account.",
		"An error occurred during signup")
}

// VerifyEmail confirms an account with the key from the verification email
func (c *APIClient) VerifyEmail(ctx context.Context, key string) (*models.ActionResult, error) {
	req := models.VerifyEmailRequest{Key: key}
	if err := c.validator.Validate(&req); err != nil {
		return nil, err
	}
	return c.action(ctx, PathVerifyEmail, req,
		"Email verified successfully.",
		"Failed to verify email")
}

// ResendVerificationEmail asks the server to send a new verification email
func (c *APIClient) ResendVerificationEmail(ctx context.Context, email string) (*models.ActionResult, error) {
	req := models.EmailRequest{Email: email}
	if err := c.validator.Validate(&req); err != nil {
		return nil, err
	}
	return c.action(ctx, PathResendVerification, req,
		"Verification email resent. Please check your inbox.",
		"Failed to resend verification email")
}

// RefreshAccess exchanges a refresh token for a new access token.
// Rejections wrap ErrRefreshRejected.
func (c *APIClient) RefreshAccess(ctx context.Context, refresh string) (*models.RefreshResponse, error) {
	status, body, err := c.doJSON(ctx, c.refreshClient, http.MethodPost, PathTokenRefresh, models.RefreshRequest{Refresh: refresh})
	if err != nil {
		return nil, err
	}

	if !isSuccess(status) {
		apiErr := parseAPIError(status, body)
		if status == http.StatusUnauthorized || status == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, apiErr)
		}
		return nil, apiErr
	}

	var resp models.RefreshResponse
	if err := decodeBody(PathTokenRefresh, body, &resp); err != nil {
		return nil, err
	}
	if resp.Access == "" {
		return nil, &DecodeError{Endpoint: PathTokenRefresh, Field: "access"}
	}
	return &resp, nil
}

// Logout tells the server to end the session
func (c *APIClient) Logout(ctx context.Context) error {
	status, body, err := c.doJSON(ctx, c.httpClient, http.MethodPost, PathLogout, nil)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return parseAPIError(status, body)
	}
	return nil
}

// GetProfile returns the current user's profile
func (c *APIClient) GetProfile(ctx context.Context) (*models.UserProfile, error) {
	status, body, err := c.do(ctx, c.httpClient, http.MethodGet, PathProfile, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, parseAPIError(status, body)
	}

	var profile models.UserProfile
	if err := decodeBody(PathProfile, body, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateProfile sends the update as multipart/form-data, attaching the picture when present
func (c *APIClient) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.UserProfile, error) {
	if err := c.validator.Validate(&update); err != nil {
		return nil, err
	}

	body, contentType, err := encodeProfileForm(&update)
	if err != nil {
		return nil, err
	}

	status, respBody, err := c.do(ctx, c.httpClient, http.MethodPut, PathProfile, body, contentType)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, parseAPIError(status, respBody)
	}

	var profile models.UserProfile
	if err := decodeBody(PathProfile, respBody, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ChangePassword changes the password of the logged in user
func (c *APIClient) ChangePassword(ctx context.Context, req models.PasswordChangeRequest) (*models.APIMessage, error) {
	if err := c.validator.Validate(&req); err != nil {
		return nil, err
	}
	return c.message(ctx, PathChangePassword, req)
}

// RequestPasswordReset asks the server to email a password reset link
func (c *APIClient) RequestPasswordReset(ctx context.Context, email string) (*models.APIMessage, error) {
	req := models.EmailRequest{Email: email}
	if err := c.validator.Validate(&req); err != nil {
		return nil, err
	}
	return c.message(ctx, PathResetPassword, req)
}

// action posts payload and maps the outcome onto an ActionResult
func (c *APIClient) action(ctx context.Context, path string, payload any, successMsg, fallback string) (*models.ActionResult, error) {
	status, body, err := c.doJSON(ctx, c.httpClient, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		apiErr := parseAPIError(status, body)
		c.logger.Warn("Account action rejected", "path", path, "status_code", status)
		return &models.ActionResult{Error: apiErr.Message(fallback)}, nil
	}
	return &models.ActionResult{Success: true, Message: successMsg}, nil
}

// message posts payload and returns the server acknowledgement, or an *APIError
func (c *APIClient) message(ctx context.Context, path string, payload any) (*models.APIMessage, error) {
	status, body, err := c.doJSON(ctx, c.httpClient, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, parseAPIError(status, body)
	}

	msg := &models.APIMessage{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := decodeBody(path, body, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *APIClient) doJSON(ctx context.Context, client *http.Client, method, path string, payload any) (int, []byte, error) {
	if payload == nil {
		return c.do(ctx, client, method, path, nil, "")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, client, method, path, data, "application/json")
}

// do sends the request and reads the whole response. body is kept as bytes so
// the request stays replayable after a 401.
func (c *APIClient) do(ctx context.Context, client *http.Client, method, path string, body []byte, contentType string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("API request completed",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"duration", time.Since(start))

	return resp.StatusCode, respBody, nil
}

func encodeProfileForm(update *models.ProfileUpdate) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := update.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	if update.Picture != nil {
		part, err := w.CreateFormFile("profile_picture", update.PictureName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create picture part: %w", err)
		}
		if _, err := io.Copy(part, update.Picture); err != nil {
			return nil, "", fmt.Errorf("failed to write picture: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeBody(endpoint string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// IsAPIStatus reports whether err is an *APIError with the given status code
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
