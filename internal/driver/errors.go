package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dk8moore/dr-website/internal/utils"
)

// Driver error types for callers that branch on failure class
var (
	ErrUnauthorized    = errors.New("request was not authorized")
	ErrRefreshRejected = errors.New("refresh token is invalid or expired")
	ErrChannelClosed   = errors.New("verification channel closed")
	ErrChannelNotOpen  = errors.New("verification channel is not open")
)

// notVerifiedMessage is the non-field error the server returns for unverified accounts
const notVerifiedMessage = "E-mail is not verified."

var sanitizer = utils.NewSanitizer()

// APIError is a non-2xx response from the account API
type APIError struct {
	StatusCode     int
	Detail         string
	NonFieldErrors []string
	FieldErrors    map[string][]string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if msg := e.Message(""); msg != "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("api error (status %d)", e.StatusCode)
}

// Unwrap maps 401 responses onto ErrUnauthorized
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrUnauthorized
	}
	return nil
}

// Message returns the most specific user-facing message, or fallback
func (e *APIError) Message(fallback string) string {
	if e.Detail != "" {
		return e.Detail
	}
	if len(e.NonFieldErrors) > 0 {
		return e.NonFieldErrors[0]
	}
	if len(e.FieldErrors) > 0 {
		fields := make([]string, 0, len(e.FieldErrors))
		for field := range e.FieldErrors {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			parts = append(parts, field+": "+strings.Join(e.FieldErrors[field], " "))
		}
		return strings.Join(parts, "; ")
	}
	return fallback
}

// HasNonFieldError reports whether the server returned msg as a non-field error
func (e *APIError) HasNonFieldError(msg string) bool {
	for _, m := range e.NonFieldErrors {
		if m == msg {
			return true
		}
	}
	return false
}

// parseAPIError decodes a DRF-style error body. Unknown shapes yield an error with only the status.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return apiErr
	}

	for key, value := range raw {
		messages := decodeMessages(value)
		switch key {
		case "detail":
			if len(messages) > 0 {
				apiErr.Detail = messages[0]
			}
		case "non_field_errors":
			apiErr.NonFieldErrors = messages
		default:
			if len(messages) == 0 {
				continue
			}
			if apiErr.FieldErrors == nil {
				apiErr.FieldErrors = make(map[string][]string)
			}
			apiErr.FieldErrors[key] = messages
		}
	}
	return apiErr
}

// decodeMessages accepts either a string or a list of strings
func decodeMessages(value json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		if s := sanitizer.Sanitize(single); s != "" {
			return []string{s}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal(value, &list); err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, m := range list {
		if s := sanitizer.Sanitize(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DecodeError is returned when a 2xx body does not match the expected schema
type DecodeError struct {
	Endpoint string
	Field    string
	Err      error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: missing required field %q", e.Endpoint, e.Field)
	}
	return fmt.Sprintf("decode %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying decode error
func (e *DecodeError) Unwrap() error {
	return e.Err
}
