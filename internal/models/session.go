package models

import (
	"time"
)

// SessionStatus is the authentication status observed by the session manager
type SessionStatus int

const (
	// StatusUnknown is the status before the first check completes
	StatusUnknown SessionStatus = iota
	// StatusAuthenticated means a usable token pair is persisted
	StatusAuthenticated
	// StatusUnauthenticated means no usable token pair exists
	StatusUnauthenticated
)

// String returns the lowercase status name
func (s SessionStatus) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// Unknown is only ever left, never re-entered.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusUnknown:
		return next == StatusAuthenticated || next == StatusUnauthenticated
	case StatusAuthenticated:
		return next == StatusUnauthenticated
	case StatusUnauthenticated:
		return next == StatusAuthenticated
	default:
		return false
	}
}

// SessionState is a snapshot of the session manager
type SessionState struct {
	Status    SessionStatus `json:"status"`
	Loading   bool          `json:"loading"`
	CheckedAt time.Time     `json:"checked_at,omitempty"`
}

// IsAuthenticated is a convenience accessor
func (s SessionState) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}

// EventEmailVerified is the only event type the verification channel acts on
const EventEmailVerified = "email_verified"

// VerificationEvent is a frame on the verification push channel
type VerificationEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
