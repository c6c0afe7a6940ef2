package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/dk8moore/dr-website/internal/models"
)

// backends returns one instance of every TokenRepository implementation
func backends(t *testing.T) map[string]TokenRepository {
	t.Helper()

	mem, err := NewMemoryTokenRepository()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]TokenRepository{
		"memory":     mem,
		"env_file":   NewEnvFileTokenRepository(filepath.Join(t.TempDir(), "session.env"), nil),
		"redis":      NewRedisTokenRepositoryWithClient(rdb, "", nil),
		"kubernetes": NewKubernetesSecretRepositoryWithClientset(fake.NewSimpleClientset(), "test-namespace", "drctl-session", nil),
	}
}

func TestTokenRepository_Contract(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.Read(ctx)
			assert.ErrorIs(t, err, ErrTokenNotFound, "empty store")

			require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "access-1", Refresh: "refresh-1"}))
			pair, err := repo.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "access-1", pair.Access)
			assert.Equal(t, "refresh-1", pair.Refresh)

			// overwrite replaces both sides
			require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "access-2", Refresh: "refresh-2"}))
			pair, err = repo.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "access-2", pair.Access)
			assert.Equal(t, "refresh-2", pair.Refresh)

			require.NoError(t, repo.Clear(ctx))
			_, err = repo.Read(ctx)
			assert.ErrorIs(t, err, ErrTokenNotFound)

			// clearing twice is fine
			require.NoError(t, repo.Clear(ctx))
		})
	}
}

func TestTokenRepository_SaveRejectsMissingAccess(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := repo.Save(context.Background(), &models.TokenPair{Refresh: "refresh-only"})
			assert.ErrorIs(t, err, ErrInvalidToken)

			err = repo.Save(context.Background(), nil)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

// readSaveOnly hides AccessUpdater so UpdateAccess takes the read-then-save path
type readSaveOnly struct {
	TokenRepository
}

func TestUpdateAccess(t *testing.T) {
	repos := backends(t)
	mem, err := NewMemoryTokenRepository()
	require.NoError(t, err)
	repos["read_save"] = readSaveOnly{mem}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := UpdateAccess(ctx, repo, "new-access", "")
			assert.ErrorIs(t, err, ErrTokenNotFound, "empty store")

			require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "old", Refresh: "refresh-1"}))

			updated, err := UpdateAccess(ctx, repo, "new-access", "")
			require.NoError(t, err)
			assert.Equal(t, "refresh-1", updated.Refresh)

			stored, err := repo.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "new-access", stored.Access)
			assert.Equal(t, "refresh-1", stored.Refresh)

			updated, err = UpdateAccess(ctx, repo, "newer-access", "refresh-2")
			require.NoError(t, err)
			assert.Equal(t, "refresh-2", updated.Refresh)

			require.NoError(t, repo.Clear(ctx))
			_, err = UpdateAccess(ctx, repo, "late-access", "")
			assert.ErrorIs(t, err, ErrTokenNotFound, "a cleared pair is not brought back")
			_, err = repo.Read(ctx)
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

// clearAfterRead deletes the pair through a second client right after the
// first HGETALL, the way a sign-out on another host would
type clearAfterRead struct {
	other *redis.Client
	key   string
	fired atomic.Bool
}

func (h *clearAfterRead) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *clearAfterRead) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *clearAfterRead) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "hgetall" && h.fired.CompareAndSwap(false, true) {
			_ = h.other.Del(ctx, h.key).Err()
		}
		return err
	}
}

func TestRedisTokenRepository_UpdateAccessLosesToConcurrentClear(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewRedisTokenRepositoryWithClient(rdb, "", nil)
	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "old", Refresh: "refresh-1"}))

	hook := &clearAfterRead{other: other, key: DefaultRedisKey}
	rdb.AddHook(hook)

	_, err := repo.UpdateAccess(ctx, "new-access", "")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.True(t, hook.fired.Load())
	assert.False(t, mr.Exists(DefaultRedisKey), "the sign-out is not undone")
}

func TestRedisTokenRepository_Location(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewRedisTokenRepositoryWithClient(rdb, "team:session", nil)
	assert.Equal(t, "redis key team:session", Location(repo))
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestAccessToken(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMemoryTokenRepository()
	require.NoError(t, err)

	token, err := AccessToken(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "a", Refresh: "r"}))
	token, err = AccessToken(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "a", token)
}

func TestEnvFileTokenRepository_PreservesOtherKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_BASE_URL=http://localhost:8000\n"), 0o600))

	repo := NewEnvFileTokenRepository(path, nil)
	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "a.b.c", Refresh: "r.s.t"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "API_BASE_URL")
	assert.Contains(t, string(content), "access_token")
	assert.Contains(t, string(content), "refresh_token")

	require.NoError(t, repo.Clear(ctx))
	content, err = os.ReadFile(path)
	require.NoError(t, err, "file with unrelated keys must survive Clear")
	assert.Contains(t, string(content), "API_BASE_URL")
	assert.NotContains(t, string(content), "access_token")
}

func TestEnvFileTokenRepository_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.env")
	repo := NewEnvFileTokenRepository(path, nil)

	require.NoError(t, repo.Save(context.Background(), &models.TokenPair{Access: "a", Refresh: "r"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnvFileTokenRepository_ClearRemovesTokenOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.env")
	repo := NewEnvFileTokenRepository(path, nil)

	require.NoError(t, repo.Save(context.Background(), &models.TokenPair{Access: "a", Refresh: "r"}))
	require.NoError(t, repo.Clear(context.Background()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEnvFileTokenRepository_WatchExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.env")
	repo := NewEnvFileTokenRepository(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- repo.Watch(ctx, func() { changes.Add(1) })
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("access_token=external\n"), 0o600))

	assert.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestKubernetesSecretRepository_SaveLabelsSecret(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	repo := NewKubernetesSecretRepositoryWithClientset(client, "ns", "session", nil)

	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "a", Refresh: "r"}))

	secret, err := client.CoreV1().Secrets("ns").Get(ctx, "session", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "drctl", secret.Labels["app.kubernetes.io/name"])
	assert.Equal(t, []byte("a"), secret.Data[models.AccessTokenKey])
	assert.NotEmpty(t, secret.Annotations[lastUpdatedAnnotation])
	assert.Equal(t, "Kubernetes Secret ns/session", Location(repo))
}

func TestKubernetesSecretRepository_UpdateAccessRetriesConflict(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	repo := NewKubernetesSecretRepositoryWithClientset(client, "ns", "session", nil)
	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "old", Refresh: "r"}))

	var updates atomic.Int32
	client.PrependReactor("update", "secrets", func(k8stesting.Action) (bool, runtime.Object, error) {
		if updates.Add(1) == 1 {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "secrets"}, "session", errors.New("modified"))
		}
		return false, nil, nil
	})

	updated, err := repo.UpdateAccess(ctx, "new-access", "")
	require.NoError(t, err)
	assert.Equal(t, "new-access", updated.Access)
	assert.Equal(t, int32(2), updates.Load())

	stored, err := repo.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.Access)
	assert.Equal(t, "r", stored.Refresh)
}

func TestKubernetesSecretRepository_UpdateAccessDoesNotRecreateDeletedSecret(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	repo := NewKubernetesSecretRepositoryWithClientset(client, "ns", "session", nil)
	require.NoError(t, repo.Save(ctx, &models.TokenPair{Access: "old", Refresh: "r"}))

	// the Secret is deleted between Get and Update
	client.PrependReactor("update", "secrets", func(k8stesting.Action) (bool, runtime.Object, error) {
		require.NoError(t, client.Tracker().Delete(corev1.SchemeGroupVersion.WithResource("secrets"), "ns", "session"))
		return true, nil, apierrors.NewNotFound(schema.GroupResource{Resource: "secrets"}, "session")
	})

	_, err := repo.UpdateAccess(ctx, "new-access", "")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = client.CoreV1().Secrets("ns").Get(ctx, "session", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}
