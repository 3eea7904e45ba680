// Package storage provides the durable key-value abstraction shared by the
// account registry, the secret store, the server config cache and the
// migration runner. Keys live inside scopes: one global scope for app-wide
// settings, one per user, and one for the encrypted keystore.
package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist in its scope.
	ErrNotFound = errors.New("record not found")
	// ErrScopeNotFound is returned when an operation addresses a scope that was never written.
	ErrScopeNotFound = errors.New("scope not found")
)

const (
	// GlobalScope holds app-wide values such as the registry state blob and
	// the migration version.
	GlobalScope = "__global"
	// KeystoreScope holds sealed keystore items.
	KeystoreScope = "__keystore"

	userScopePrefix = "user:"
)

// UserScope returns the scope holding durable values for one user.
func UserScope(userID string) string {
	return userScopePrefix + userID
}

// BatchTx provides Put and Delete within an atomic transaction.
// The scope is bound to the batch, so methods don't require it.
type BatchTx interface {
	Put(key string, value []byte) error
	Delete(key string) error
}

// Repository defines the interface for durable key-value storage.
// Implementations must be safe for concurrent use.
type Repository interface {
	Get(scope, key string) ([]byte, error)
	Put(scope, key string, value []byte) error
	// Delete removes key from scope. It returns ErrNotFound if the key is absent.
	Delete(scope, key string) error
	// List returns the keys in scope in ascending order.
	List(scope string) ([]string, error)
	// Scopes returns every scope holding at least one key, in ascending order.
	Scopes() ([]string, error)
	// DeleteScope removes a scope and everything in it. Missing scopes are not an error.
	DeleteScope(scope string) error
	Batch(scope string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the key or its scope is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrScopeNotFound)
}

// DeleteIfExists removes key from scope, treating an absent key as success.
func DeleteIfExists(repo Repository, scope, key string) error {
	if err := repo.Delete(scope, key); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}
