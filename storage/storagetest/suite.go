// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/storage"
)

// RunRepositoryTests runs the common suite against a fresh repository
// returned by newRepo for each subtest.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "k1", []byte("v1")))

		got, err := repo.Get("s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		// Returned slices must not alias stored data.
		got[0] = 'X'
		again, err := repo.Get("s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), again)
	})

	t.Run("Overwrite", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "k1", []byte("old")))
		require.NoError(t, repo.Put("s1", "k1", []byte("new")))
		got, err := repo.Get("s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got)
	})

	t.Run("EmptyValueIsNotMissing", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "empty", []byte{}))
		got, err := repo.Get("s1", "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get("missing", "k1")
		assert.True(t, storage.IsNotFound(err), "got %v", err)

		require.NoError(t, repo.Put("s1", "k1", []byte("v1")))
		_, err = repo.Get("s1", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ScopesAreIsolated", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(storage.UserScope("u1"), "key", []byte("one")))
		require.NoError(t, repo.Put(storage.UserScope("u2"), "key", []byte("two")))

		got, err := repo.Get(storage.UserScope("u1"), "key")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "k1", []byte("v1")))
		require.NoError(t, repo.Delete("s1", "k1"))
		_, err := repo.Get("s1", "k1")
		assert.True(t, storage.IsNotFound(err))

		err = repo.Delete("s1", "k1")
		assert.True(t, storage.IsNotFound(err), "deleting twice should report not found, got %v", err)
		assert.NoError(t, storage.DeleteIfExists(repo, "s1", "k1"))
	})

	t.Run("ListSorted", func(t *testing.T) {
		repo := newRepo(t)
		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Put("s1", k, []byte(k)))
		}
		require.NoError(t, repo.Put("s2", "z", []byte("z")))

		keys, err := repo.List("s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		keys, err = repo.List("nonexistent")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ScopesAndDeleteScope", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("b", "k", []byte("v")))
		require.NoError(t, repo.Put("a", "k", []byte("v")))

		scopes, err := repo.Scopes()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, scopes)

		require.NoError(t, repo.DeleteScope("a"))
		require.NoError(t, repo.DeleteScope("never-existed"))
		scopes, err = repo.Scopes()
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, scopes)

		_, err = repo.Get("a", "k")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "gone", []byte("x")))
		err := repo.Batch("s1", func(tx storage.BatchTx) error {
			if err := tx.Put("k1", []byte("v1")); err != nil {
				return err
			}
			return tx.Delete("gone")
		})
		require.NoError(t, err)

		got, err := repo.Get("s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		_, err = repo.Get("s1", "gone")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("s1", "keep", []byte("original")))
		boom := errors.New("boom")
		err := repo.Batch("s1", func(tx storage.BatchTx) error {
			if err := tx.Put("keep", []byte("changed")); err != nil {
				return err
			}
			if err := tx.Put("new", []byte("v")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.Get("s1", "keep")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got)
		_, err = repo.Get("s1", "new")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		repo := newRepo(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%02d", i)
				assert.NoError(t, repo.Put("s1", key, []byte(key)))
			}(i)
		}
		wg.Wait()
		keys, err := repo.List("s1")
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})
}
