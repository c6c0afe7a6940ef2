package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dk8moore/dr-website/internal/models"
)

// DefaultRedisKey is the hash holding the token pair
const DefaultRedisKey = "drctl:session"

// maxWatchRetries bounds UpdateAccess when another client keeps touching the key
const maxWatchRetries = 3

// RedisTokenRepository stores the pair as one Redis hash so that several
// hosts can share a session. Each operation is a single command.
type RedisTokenRepository struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisTokenRepository creates a repository from a redis:// URL
func NewRedisTokenRepository(url, key string, logger *slog.Logger) (*RedisTokenRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisTokenRepositoryWithClient(redis.NewClient(opts), key, logger), nil
}

// NewRedisTokenRepositoryWithClient creates a repository with a custom client (for testing)
func NewRedisTokenRepositoryWithClient(client *redis.Client, key string, logger *slog.Logger) *RedisTokenRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisTokenRepository{
		client: client,
		key:    key,
		logger: logger,
	}
}

// Save writes both fields with one HSET
func (r *RedisTokenRepository) Save(ctx context.Context, pair *models.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	err := r.client.HSet(ctx, r.key,
		models.AccessTokenKey, pair.Access,
		models.RefreshTokenKey, pair.Refresh,
	).Err()
	if err != nil {
		r.logger.Error("Failed to save session tokens to redis", "key", r.key, "error", err)
		return fmt.Errorf("failed to save token pair: %w", err)
	}
	return nil
}

// Read fetches the pair hash
func (r *RedisTokenRepository) Read(ctx context.Context) (*models.TokenPair, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token pair: %w", err)
	}

	access := values[models.AccessTokenKey]
	if access == "" {
		return nil, ErrTokenNotFound
	}
	return &models.TokenPair{
		Access:  access,
		Refresh: values[models.RefreshTokenKey],
	}, nil
}

// Clear deletes the pair hash
func (r *RedisTokenRepository) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear token pair: %w", err)
	}
	return nil
}

// UpdateAccess rewrites the access side under WATCH. A Clear from another
// client between the read and the write aborts the transaction, and the
// retry then finds no pair.
func (r *RedisTokenRepository) UpdateAccess(ctx context.Context, access, rotatedRefresh string) (*models.TokenPair, error) {
	if access == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalidToken)
	}

	var updated models.TokenPair
	update := func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, r.key).Result()
		if err != nil {
			return err
		}
		current := models.TokenPair{
			Access:  values[models.AccessTokenKey],
			Refresh: values[models.RefreshTokenKey],
		}
		if current.Access == "" {
			return ErrTokenNotFound
		}

		updated = current.WithAccess(access, rotatedRefresh)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key,
				models.AccessTokenKey, updated.Access,
				models.RefreshTokenKey, updated.Refresh,
			)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, update, r.key)
		switch {
		case err == nil:
			return &updated, nil
		case errors.Is(err, redis.TxFailedErr):
			r.logger.Debug("Token pair changed during update, retrying", "key", r.key, "attempt", attempt+1)
			continue
		case errors.Is(err, ErrTokenNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("failed to update token pair: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to update token pair: %w", redis.TxFailedErr)
}

// Location names the hash key
func (r *RedisTokenRepository) Location() string {
	return "redis key " + r.key
}

// Ping checks connectivity
func (r *RedisTokenRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisTokenRepository) Close() error {
	return r.client.Close()
}
