package repository

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/dk8moore/dr-website/internal/models"
)

// EnvFileTokenRepository implements TokenRepository using a .env style file.
// Unrelated keys in the file are preserved.
type EnvFileTokenRepository struct {
	filePath string
	logger   *slog.Logger
	mu       sync.RWMutex

	// digest of the content last written by this process, used to ignore our own watch events
	lastDigest [sha256.Size]byte
}

// NewEnvFileTokenRepository creates a new .env file-based token repository
func NewEnvFileTokenRepository(filePath string, logger *slog.Logger) *EnvFileTokenRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EnvFileTokenRepository{
		filePath: filePath,
		logger:   logger,
	}
}

// Location returns the backing file path
func (r *EnvFileTokenRepository) Location() string {
	return r.filePath
}

// Save writes both tokens in a single rename so readers never observe half a pair
func (r *EnvFileTokenRepository) Save(ctx context.Context, pair *models.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	values, err := r.readValues()
	if err != nil {
		return err
	}
	values[models.AccessTokenKey] = pair.Access
	values[models.RefreshTokenKey] = pair.Refresh

	if err := r.writeValues(values); err != nil {
		return err
	}

	r.logger.Debug("Session tokens saved to env file", "file_path", r.filePath)
	return nil
}

// Read loads the token pair from the env file
func (r *EnvFileTokenRepository) Read(ctx context.Context) (*models.TokenPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values, err := r.readValues()
	if err != nil {
		return nil, err
	}

	pair := &models.TokenPair{
		Access:  values[models.AccessTokenKey],
		Refresh: values[models.RefreshTokenKey],
	}
	if pair.Access == "" {
		return nil, ErrTokenNotFound
	}
	return pair, nil
}

// UpdateAccess rewrites the access side while holding the lock, so a Clear
// from this process cannot land between the read and the write
func (r *EnvFileTokenRepository) UpdateAccess(ctx context.Context, access, rotatedRefresh string) (*models.TokenPair, error) {
	if access == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalidToken)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	values, err := r.readValues()
	if err != nil {
		return nil, err
	}
	current := models.TokenPair{
		Access:  values[models.AccessTokenKey],
		Refresh: values[models.RefreshTokenKey],
	}
	if current.Access == "" {
		return nil, ErrTokenNotFound
	}

	updated := current.WithAccess(access, rotatedRefresh)
	values[models.AccessTokenKey] = updated.Access
	values[models.RefreshTokenKey] = updated.Refresh
	if err := r.writeValues(values); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Clear removes the token keys from the env file
func (r *EnvFileTokenRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	values, err := r.readValues()
	if err != nil {
		return err
	}

	_, hadAccess := values[models.AccessTokenKey]
	_, hadRefresh := values[models.RefreshTokenKey]
	if !hadAccess && !hadRefresh {
		return nil
	}

	delete(values, models.AccessTokenKey)
	delete(values, models.RefreshTokenKey)

	if len(values) == 0 {
		if err := os.Remove(r.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove env file: %w", err)
		}
		r.lastDigest = [sha256.Size]byte{}
		r.logger.Debug("Session tokens cleared, env file removed", "file_path", r.filePath)
		return nil
	}

	if err := r.writeValues(values); err != nil {
		return err
	}
	r.logger.Debug("Session tokens cleared from env file", "file_path", r.filePath)
	return nil
}

// Watch calls onChange whenever another process modifies or removes the env file.
// It blocks until ctx is done.
func (r *EnvFileTokenRepository) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched because Save replaces the file by rename.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	r.logger.Info("Watching token file for external changes", "file_path", r.filePath)

	target := filepath.Clean(r.filePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if r.isOwnWrite() {
				continue
			}
			r.logger.Info("Token file changed externally", "op", event.Op.String())
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Token file watcher error", "error", err)
		}
	}
}

func (r *EnvFileTokenRepository) isOwnWrite() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist) && r.lastDigest == [sha256.Size]byte{}
	}
	return sha256.Sum256(data) == r.lastDigest
}

// readValues parses the env file; a missing file is an empty map
func (r *EnvFileTokenRepository) readValues() (map[string]string, error) {
	values, err := godotenv.Read(r.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return values, nil
}

// writeValues replaces the env file via a temp file in the same directory
func (r *EnvFileTokenRepository) writeValues(values map[string]string) error {
	content, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode env file: %w", err)
	}
	data := []byte(content + "\n")

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set env file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write env file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close env file: %w", err)
	}
	if err := os.Rename(tmpName, r.filePath); err != nil {
		return fmt.Errorf("failed to replace env file: %w", err)
	}

	r.lastDigest = sha256.Sum256(data)
	return nil
}
