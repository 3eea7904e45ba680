// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/jmcleod/keystate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string][]byte)}
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return append([]byte(nil), v...)
}

func (r *Repository) Put(scope, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(scope, key, value)
}

func (r *Repository) putLocked(scope, key string, value []byte) error {
	if _, ok := r.data[scope]; !ok {
		r.data[scope] = make(map[string][]byte)
	}
	r.data[scope][key] = cloneValue(value)
	return nil
}

func (r *Repository) Get(scope, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopeData, ok := r.data[scope]
	if !ok {
		return nil, storage.ErrScopeNotFound
	}
	v, ok := scopeData[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneValue(v), nil
}

func (r *Repository) Delete(scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(scope, key)
}

func (r *Repository) deleteLocked(scope, key string) error {
	scopeData, ok := r.data[scope]
	if !ok {
		return storage.ErrScopeNotFound
	}
	if _, ok := scopeData[key]; !ok {
		return storage.ErrNotFound
	}
	delete(scopeData, key)
	if len(scopeData) == 0 {
		delete(r.data, scope)
	}
	return nil
}

func (r *Repository) List(scope string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.data[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) Scopes() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var scopes []string
	for s, kv := range r.data {
		if len(kv) > 0 {
			scopes = append(scopes, s)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (r *Repository) DeleteScope(scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, scope)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotScope(scope)

	tx := &memoryBatchTx{repo: r, scope: scope}
	if err := fn(tx); err != nil {
		r.restoreScope(scope, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotScope(scope string) map[string][]byte {
	original, ok := r.data[scope]
	if !ok {
		return nil
	}
	cp := make(map[string][]byte, len(original))
	for k, v := range original {
		cp[k] = cloneValue(v)
	}
	return cp
}

func (r *Repository) restoreScope(scope string, snapshot map[string][]byte) {
	if snapshot == nil {
		delete(r.data, scope)
	} else {
		r.data[scope] = snapshot
	}
}

type memoryBatchTx struct {
	repo  *Repository
	scope string
}

func (tx *memoryBatchTx) Put(key string, value []byte) error {
	return tx.repo.putLocked(tx.scope, key, value)
}

func (tx *memoryBatchTx) Delete(key string) error {
	return tx.repo.deleteLocked(tx.scope, key)
}
