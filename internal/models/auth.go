// ABOUTME: Request and result types for the account endpoints
// ABOUTME: Validation tags are evaluated before any request is sent

package models

// LoginCredentials is the body of POST /auth/login/
type LoginCredentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest is the body of POST /auth/registration/
type SignupRequest struct {
	FirstName string `json:"first_name" validate:"required,max=150"`
	LastName  string `json:"last_name" validate:"required,max=150"`
	Email     string `json:"email" validate:"required,email"`
	Password1 string `json:"password1" validate:"required,min=8"`
	Password2 string `json:"password2" validate:"required,eqfield=Password1"`
}

// VerifyEmailRequest is the body of POST /auth/registration/verify-email/
type VerifyEmailRequest struct {
	Key string `json:"key" validate:"required"`
}

// EmailRequest is the body of the resend-verification and reset-password endpoints
type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// PasswordChangeRequest is the body of POST /user/change-password/
type PasswordChangeRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,nefield=OldPassword"`
}

// LoginResult is the typed outcome of a credential exchange
type LoginResult struct {
	Success           bool        `json:"success"`
	Tokens            *AuthTokens `json:"-"`
	Error             string      `json:"error,omitempty"`
	NeedsVerification bool        `json:"needs_verification,omitempty"`
}

// ActionResult is the typed outcome of signup and email verification calls
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// APIMessage is the loose acknowledgement body returned by password endpoints
type APIMessage struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns whichever message field the server populated
func (m *APIMessage) Text() string {
	if m == nil {
		return ""
	}
	if m.Detail != "" {
		return m.Detail
	}
	return m.Message
}
