// ABOUTME: Kubernetes Secret-based TokenRepository implementation
// ABOUTME: Lets an in-cluster job reuse the session of an operator who logged in once

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/retry"

	"github.com/dk8moore/dr-website/internal/models"
)

const lastUpdatedAnnotation = "drctl/last-updated"

// KubernetesSecretRepository implements TokenRepository using one Kubernetes Secret
type KubernetesSecretRepository struct {
	clientset  kubernetes.Interface
	namespace  string
	secretName string
	logger     *slog.Logger
}

// NewKubernetesSecretRepository creates a repository using the in-cluster config
func NewKubernetesSecretRepository(namespace, secretName string, logger *slog.Logger) (*KubernetesSecretRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	return NewKubernetesSecretRepositoryWithClientset(clientset, namespace, secretName, logger), nil
}

// NewKubernetesSecretRepositoryWithClientset creates a repository with custom clientset (for testing)
func NewKubernetesSecretRepositoryWithClientset(
	clientset kubernetes.Interface,
	namespace, secretName string,
	logger *slog.Logger,
) *KubernetesSecretRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &KubernetesSecretRepository{
		clientset:  clientset,
		namespace:  namespace,
		secretName: secretName,
		logger:     logger,
	}
}

// Save writes both keys in a single Create or Update
func (r *KubernetesSecretRepository) Save(ctx context.Context, pair *models.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	data := map[string][]byte{
		models.AccessTokenKey:  []byte(pair.Access),
		models.RefreshTokenKey: []byte(pair.Refresh),
	}

	secrets := r.clientset.CoreV1().Secrets(r.namespace)
	current, err := secrets.Get(ctx, r.secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return r.createSecret(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("failed to get token secret: %w", err)
	}

	current.Data = data
	if current.Annotations == nil {
		current.Annotations = make(map[string]string)
	}
	current.Annotations[lastUpdatedAnnotation] = time.Now().UTC().Format(time.RFC3339)

	if _, err := secrets.Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		r.logger.Error("Failed to update secret", "error", err, "secret_name", r.secretName)
		return fmt.Errorf("failed to update token secret: %w", err)
	}

	r.logger.Debug("Session tokens saved to Kubernetes Secret", "secret_name", r.secretName)
	return nil
}

// Read retrieves the pair from the Secret
func (r *KubernetesSecretRepository) Read(ctx context.Context) (*models.TokenPair, error) {
	secret, err := r.clientset.CoreV1().Secrets(r.namespace).Get(ctx, r.secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token secret: %w", err)
	}

	access := string(secret.Data[models.AccessTokenKey])
	if access == "" {
		return nil, ErrTokenNotFound
	}
	return &models.TokenPair{
		Access:  access,
		Refresh: string(secret.Data[models.RefreshTokenKey]),
	}, nil
}

// Clear deletes the Secret
func (r *KubernetesSecretRepository) Clear(ctx context.Context) error {
	err := r.clientset.CoreV1().Secrets(r.namespace).Delete(ctx, r.secretName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		r.logger.Error("Failed to delete secret", "error", err, "secret_name", r.secretName)
		return fmt.Errorf("failed to delete token secret: %w", err)
	}
	return nil
}

// UpdateAccess rewrites the access side of the existing Secret. Update carries
// the resourceVersion that was read, so a concurrent write surfaces as a
// conflict and is retried, and a concurrent delete is never re-created.
func (r *KubernetesSecretRepository) UpdateAccess(ctx context.Context, access, rotatedRefresh string) (*models.TokenPair, error) {
	if access == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalidToken)
	}

	secrets := r.clientset.CoreV1().Secrets(r.namespace)
	var updated models.TokenPair

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secret, err := secrets.Get(ctx, r.secretName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}

		current := models.TokenPair{
			Access:  string(secret.Data[models.AccessTokenKey]),
			Refresh: string(secret.Data[models.RefreshTokenKey]),
		}
		if current.Access == "" {
			return ErrTokenNotFound
		}
		updated = current.WithAccess(access, rotatedRefresh)

		secret.Data = map[string][]byte{
			models.AccessTokenKey:  []byte(updated.Access),
			models.RefreshTokenKey: []byte(updated.Refresh),
		}
		if secret.Annotations == nil {
			secret.Annotations = make(map[string]string)
		}
		secret.Annotations[lastUpdatedAnnotation] = time.Now().UTC().Format(time.RFC3339)

		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
		if apierrors.IsNotFound(err) {
			return ErrTokenNotFound
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, err
		}
		r.logger.Error("Failed to update secret", "error", err, "secret_name", r.secretName)
		return nil, fmt.Errorf("failed to update token secret: %w", err)
	}
	return &updated, nil
}

// Location names the Secret
func (r *KubernetesSecretRepository) Location() string {
	return fmt.Sprintf("Kubernetes Secret %s/%s", r.namespace, r.secretName)
}

func (r *KubernetesSecretRepository) createSecret(ctx context.Context, data map[string][]byte) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.secretName,
			Namespace: r.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":       "drctl",
				"app.kubernetes.io/component":  "session-token",
				"app.kubernetes.io/managed-by": "drctl",
			},
			Annotations: map[string]string{
				lastUpdatedAnnotation: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}

	if _, err := r.clientset.CoreV1().Secrets(r.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		r.logger.Error("Failed to create secret", "error", err, "secret_name", r.secretName)
		return fmt.Errorf("failed to create token secret: %w", err)
	}

	r.logger.Info("Created session token secret", "secret_name", r.secretName)
	return nil
}
