package repository

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dk8moore/dr-website/internal/models"
)

// MemoryTokenRepository keeps the pair in process memory, sealed with a per-process AES-256-GCM key.
// Tokens do not survive a restart.
type MemoryTokenRepository struct {
	mu     sync.RWMutex
	sealed []byte
	gcm    cipher.AEAD
}

// NewMemoryTokenRepository creates an empty in-memory repository with a fresh key
func NewMemoryTokenRepository() (*MemoryTokenRepository, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &MemoryTokenRepository{gcm: gcm}, nil
}

// Save seals and stores the pair
func (r *MemoryTokenRepository) Save(ctx context.Context, pair *models.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	sealed, err := r.seal(pair)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sealed = sealed
	r.mu.Unlock()
	return nil
}

// Read opens the stored pair
func (r *MemoryTokenRepository) Read(ctx context.Context) (*models.TokenPair, error) {
	r.mu.RLock()
	sealed := r.sealed
	r.mu.RUnlock()

	return r.open(sealed)
}

// UpdateAccess rewrites the access side under the write lock
func (r *MemoryTokenRepository) UpdateAccess(ctx context.Context, access, rotatedRefresh string) (*models.TokenPair, error) {
	if access == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalidToken)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.open(r.sealed)
	if err != nil {
		return nil, err
	}
	updated := current.WithAccess(access, rotatedRefresh)
	sealed, err := r.seal(&updated)
	if err != nil {
		return nil, err
	}
	r.sealed = sealed
	return &updated, nil
}

// Clear drops the stored pair
func (r *MemoryTokenRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.sealed = nil
	r.mu.Unlock()
	return nil
}

// Location reports that the pair lives in this process only
func (r *MemoryTokenRepository) Location() string {
	return "process memory"
}

func (r *MemoryTokenRepository) seal(pair *models.TokenPair) ([]byte, error) {
	plaintext, err := json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token pair: %w", err)
	}

	nonce := make([]byte, r.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return r.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (r *MemoryTokenRepository) open(sealed []byte) (*models.TokenPair, error) {
	if len(sealed) == 0 {
		return nil, ErrTokenNotFound
	}
	if len(sealed) < r.gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:r.gcm.NonceSize()], sealed[r.gcm.NonceSize():]
	plaintext, err := r.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token pair: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(plaintext, &pair); err != nil {
		return nil, fmt.Errorf("invalid token pair in memory: %w", err)
	}
	return &pair, nil
}
