// ABOUTME: Local access token inspection; the signature is never verified client side
// ABOUTME: Anything that cannot be decoded is treated as expired

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dk8moore/dr-website/internal/models"
)

// Token inspection errors
var (
	ErrMalformedToken = errors.New("access token is malformed")
	ErrMissingExpiry  = errors.New("access token has no expiry claim")
)

// TokenValidator decodes access tokens and compares their expiry with a clock
type TokenValidator struct {
	parser *jwt.Parser
	now    func() time.Time
}

// ValidatorOption configures a TokenValidator
type ValidatorOption func(*TokenValidator)

// WithClock overrides the time source
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *TokenValidator) {
		v.now = now
	}
}

// NewTokenValidator creates a validator using the wall clock
func NewTokenValidator(opts ...ValidatorOption) *TokenValidator {
	v := &TokenValidator{
		parser: jwt.NewParser(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Decode reads the exp claim from the token payload. The header is not
// inspected, so tokens with a missing or unknown alg still decode.
func (v *TokenValidator) Decode(token string) (*models.DecodedAccessToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	payload, err := v.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if exp == nil {
		return nil, ErrMissingExpiry
	}

	return &models.DecodedAccessToken{ExpiresAt: exp.Time}, nil
}

// IsValid reports whether the token decodes and now is strictly before its expiry
func (v *TokenValidator) IsValid(token string) bool {
	decoded, err := v.Decode(token)
	if err != nil {
		return false
	}
	return v.now().Before(decoded.ExpiresAt)
}

// NeedsRefresh reports whether the token is invalid or expires within lead
func (v *TokenValidator) NeedsRefresh(token string, lead time.Duration) bool {
	decoded, err := v.Decode(token)
	if err != nil {
		return true
	}
	return decoded.TimeUntilExpiry(v.now()) < lead
}

// Now returns the validator's current time
func (v *TokenValidator) Now() time.Time {
	return v.now()
}
