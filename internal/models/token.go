// ABOUTME: This file defines the persisted access/refresh token pair
// ABOUTME: and the locally decoded view of an access token

package models

import (
	"time"
)

// Storage keys shared by every token backend
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// TokenPair is the credential pair issued by the API. It is always persisted as one record.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// HasRefresh reports whether a refresh token can be exchanged
func (p *TokenPair) HasRefresh() bool {
	return p != nil && p.Refresh != ""
}

// WithAccess returns a copy of the pair carrying a new access token.
// A non-empty rotated refresh token replaces the stored one.
func (p TokenPair) WithAccess(access, rotatedRefresh string) TokenPair {
	p.Access = access
	if rotatedRefresh != "" {
		p.Refresh = rotatedRefresh
	}
	return p
}

// DecodedAccessToken is the part of the access token payload the client relies on
type DecodedAccessToken struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// TimeUntilExpiry returns the remaining lifetime relative to now
func (d DecodedAccessToken) TimeUntilExpiry(now time.Time) time.Duration {
	return d.ExpiresAt.Sub(now)
}

// AuthTokens is the body returned by the login endpoint
type AuthTokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RefreshRequest is the body sent to the token refresh endpoint
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse is the body returned by the token refresh endpoint.
// Refresh is only set when the server rotates refresh tokens.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}
