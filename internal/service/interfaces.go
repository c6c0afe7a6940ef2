package service

import (
	"context"

	"github.com/dk8moore/dr-website/internal/models"
)

//go:generate mockgen -source=interfaces.go -destination=../../mocks/mock_service.go -package=mocks

// TokenRefresher exchanges a refresh token for a new access token over the network
type TokenRefresher interface {
	RefreshAccess(ctx context.Context, refresh string) (*models.RefreshResponse, error)
}

// AuthAPI is the part of the account API the session manager drives
type AuthAPI interface {
	Login(ctx context.Context, creds models.LoginCredentials) (*models.LoginResult, error)
	Logout(ctx context.Context) error
}

// VerificationListener is the push channel that announces verified accounts
type VerificationListener interface {
	Open(ctx context.Context) error
	Listen(ctx context.Context, onVerified func(models.VerificationEvent)) error
	Close() error
}

// AccessRefresher returns a fresh access token, or "" when no refresh token is stored
type AccessRefresher interface {
	Refresh(ctx context.Context) (string, error)
}
