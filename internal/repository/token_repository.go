// ABOUTME: This file defines the token repository contract shared by all storage backends
// ABOUTME: Access and refresh tokens are always written together as one record

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/dk8moore/dr-website/internal/models"
)

// TokenRepository defines the storage operations for the session token pair
type TokenRepository interface {
	// Save persists both tokens atomically, replacing any previous pair
	Save(ctx context.Context, pair *models.TokenPair) error

	// Read returns the current pair or ErrTokenNotFound
	Read(ctx context.Context) (*models.TokenPair, error)

	// Clear removes both tokens. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// Repository error definitions
var (
	ErrTokenNotFound = errors.New("session token not found in storage")
	ErrInvalidToken  = errors.New("invalid session token provided")
)

// validatePair rejects pairs that can never authenticate a request
func validatePair(pair *models.TokenPair) error {
	if pair == nil {
		return ErrInvalidToken
	}
	if pair.Access == "" {
		return fmt.Errorf("%w: access_token is required", ErrInvalidToken)
	}
	return nil
}

// AccessUpdater is implemented by stores that replace the access side of an
// existing pair in one step. The update fails with ErrTokenNotFound when the
// pair was cleared, so a concurrent sign-out is never undone.
type AccessUpdater interface {
	UpdateAccess(ctx context.Context, access, rotatedRefresh string) (*models.TokenPair, error)
}

// Locator is implemented by stores that can say where the pair lives
type Locator interface {
	Location() string
}

// UpdateAccess replaces the access token of the stored pair, keeping the refresh token
// unless the server rotated it. Stores that implement AccessUpdater do this atomically;
// for the rest callers serialize writers themselves.
func UpdateAccess(ctx context.Context, repo TokenRepository, access, rotatedRefresh string) (*models.TokenPair, error) {
	if updater, ok := repo.(AccessUpdater); ok {
		updated, err := updater.UpdateAccess(ctx, access, rotatedRefresh)
		if err != nil {
			return nil, fmt.Errorf("failed to update token pair: %w", err)
		}
		return updated, nil
	}

	current, err := repo.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current token pair: %w", err)
	}

	updated := current.WithAccess(access, rotatedRefresh)
	if err := repo.Save(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to save refreshed token pair: %w", err)
	}
	return &updated, nil
}

// Location describes where repo keeps the pair, or "" when it cannot say
func Location(repo TokenRepository) string {
	if l, ok := repo.(Locator); ok {
		return l.Location()
	}
	return ""
}

// AccessToken returns the stored access token, or "" when none is stored
func AccessToken(ctx context.Context, repo TokenRepository) (string, error) {
	pair, err := repo.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", nil
		}
		return "", err
	}
	return pair.Access, nil
}
