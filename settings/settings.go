// Package settings provides typed accessors over the durable key-value store
// for everything the app persists outside the encrypted keystore: the account
// registry, the migration version, per-user key material, server configs and
// assorted timestamps.
//
// Store performs no locking. Each read-modify-write sequence must be
// serialized by the component that owns the keys involved.
package settings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/storage"
)

// Global keys.
const (
	keyState               = "state"
	keyMigrationVersion    = "migrationVersion"
	keyAppID               = "appId"
	keyPreAuthServerConfig = "preAuthServerConfig"
	keyDebugFlagPrefix     = "debugFeatureFlag."
)

// Per-user keys.
const (
	keyEncryptionKeys          = "encryptionKeys"
	keyMasterPasswordHash      = "masterPasswordHash"
	keyPinKeyEncryptedUserKey  = "pinKeyEncryptedUserKey"
	keyPinProtectedUserKey     = "pinProtectedUserKey"
	keyBiometricUnlockEnabled  = "biometricUnlockEnabled"
	keyServerConfig            = "serverConfig"
	keyLastActiveTime          = "lastActiveTime"
	keyLastSync                = "lastSync"
	keyNotificationsRegistered = "notificationsLastRegistrationDate"
)

// LegacyBiometricIntegrityPrefix prefixes keys older installs wrote to track
// biometric enrollment changes, both globally and per user.
const LegacyBiometricIntegrityPrefix = "biometricIntegrityState"

// Store is the app settings store.
type Store struct {
	repo storage.Repository
}

// New returns a Store backed by repo.
func New(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Repository returns the underlying repository.
func (s *Store) Repository() storage.Repository {
	return s.repo
}

func (s *Store) getJSON(scope, key string, v any) (bool, error) {
	data, err := s.repo.Get(scope, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s/%s: %w", scope, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", scope, key, err)
	}
	return true, nil
}

func (s *Store) putJSON(scope, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", scope, key, err)
	}
	if err := s.repo.Put(scope, key, data); err != nil {
		return fmt.Errorf("writing %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *Store) remove(scope, key string) error {
	if err := storage.DeleteIfExists(s.repo, scope, key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *Store) getString(scope, key string) (string, error) {
	var v string
	_, err := s.getJSON(scope, key, &v)
	return v, err
}

// setString stores v, or removes the key when v is empty.
func (s *Store) setString(scope, key, v string) error {
	if v == "" {
		return s.remove(scope, key)
	}
	return s.putJSON(scope, key, v)
}

func (s *Store) getTime(scope, key string) (*time.Time, error) {
	var t time.Time
	ok, err := s.getJSON(scope, key, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *Store) setTime(scope, key string, t *time.Time) error {
	if t == nil {
		return s.remove(scope, key)
	}
	return s.putJSON(scope, key, t.UTC())
}

// State returns the persisted account registry, or nil if none was ever saved.
func (s *Store) State() (*account.State, error) {
	var st account.State
	ok, err := s.getJSON(storage.GlobalScope, keyState, &st)
	if err != nil || !ok {
		return nil, err
	}
	if st.Accounts == nil {
		st.Accounts = make(map[string]account.Account)
	}
	return &st, nil
}

// SetState persists the account registry. A nil state removes it.
func (s *Store) SetState(st *account.State) error {
	if st == nil {
		return s.remove(storage.GlobalScope, keyState)
	}
	return s.putJSON(storage.GlobalScope, keyState, st)
}

// MigrationVersion returns the last applied migration version, 0 if unset.
func (s *Store) MigrationVersion() (int, error) {
	var v int
	_, err := s.getJSON(storage.GlobalScope, keyMigrationVersion, &v)
	return v, err
}

// SetMigrationVersion persists the last applied migration version.
func (s *Store) SetMigrationVersion(v int) error {
	return s.putJSON(storage.GlobalScope, keyMigrationVersion, v)
}

// AppID returns the persisted install identifier, "" if unset.
func (s *Store) AppID() (string, error) {
	return s.getString(storage.GlobalScope, keyAppID)
}

// SetAppID persists the install identifier.
func (s *Store) SetAppID(id string) error {
	return s.setString(storage.GlobalScope, keyAppID, id)
}

// PreAuthServerConfig decodes the config fetched before any user existed into v.
func (s *Store) PreAuthServerConfig(v any) (bool, error) {
	return s.getJSON(storage.GlobalScope, keyPreAuthServerConfig, v)
}

// SetPreAuthServerConfig persists the pre-auth config.
func (s *Store) SetPreAuthServerConfig(v any) error {
	return s.putJSON(storage.GlobalScope, keyPreAuthServerConfig, v)
}

// DebugFeatureFlag returns a locally forced value for a flag, or nil.
func (s *Store) DebugFeatureFlag(name string) (*bool, error) {
	var v bool
	ok, err := s.getJSON(storage.GlobalScope, keyDebugFlagPrefix+name, &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// SetDebugFeatureFlag forces a flag value locally. nil clears the override.
func (s *Store) SetDebugFeatureFlag(name string, v *bool) error {
	if v == nil {
		return s.remove(storage.GlobalScope, keyDebugFlagPrefix+name)
	}
	return s.putJSON(storage.GlobalScope, keyDebugFlagPrefix+name, *v)
}

// EncryptionKeys returns the stored key material for userID, or nil.
func (s *Store) EncryptionKeys(userID string) (*account.EncryptionKeys, error) {
	var keys account.EncryptionKeys
	ok, err := s.getJSON(storage.UserScope(userID), keyEncryptionKeys, &keys)
	if err != nil || !ok {
		return nil, err
	}
	return &keys, nil
}

// SetEncryptionKeys stores key material for userID. nil removes it.
func (s *Store) SetEncryptionKeys(userID string, keys *account.EncryptionKeys) error {
	if keys == nil {
		return s.remove(storage.UserScope(userID), keyEncryptionKeys)
	}
	return s.putJSON(storage.UserScope(userID), keyEncryptionKeys, keys)
}

func (s *Store) MasterPasswordHash(userID string) (string, error) {
	return s.getString(storage.UserScope(userID), keyMasterPasswordHash)
}

func (s *Store) SetMasterPasswordHash(userID, hash string) error {
	return s.setString(storage.UserScope(userID), keyMasterPasswordHash, hash)
}

func (s *Store) PinKeyEncryptedUserKey(userID string) (string, error) {
	return s.getString(storage.UserScope(userID), keyPinKeyEncryptedUserKey)
}

func (s *Store) SetPinKeyEncryptedUserKey(userID, v string) error {
	return s.setString(storage.UserScope(userID), keyPinKeyEncryptedUserKey, v)
}

// PinProtectedUserKey returns the durably stored PIN-protected user key. It is
// only ever written when the user does not require their password after a restart.
func (s *Store) PinProtectedUserKey(userID string) (string, error) {
	return s.getString(storage.UserScope(userID), keyPinProtectedUserKey)
}

func (s *Store) SetPinProtectedUserKey(userID, v string) error {
	return s.setString(storage.UserScope(userID), keyPinProtectedUserKey, v)
}

func (s *Store) BiometricUnlockEnabled(userID string) (bool, error) {
	var v bool
	_, err := s.getJSON(storage.UserScope(userID), keyBiometricUnlockEnabled, &v)
	return v, err
}

func (s *Store) SetBiometricUnlockEnabled(userID string, enabled bool) error {
	if !enabled {
		return s.remove(storage.UserScope(userID), keyBiometricUnlockEnabled)
	}
	return s.putJSON(storage.UserScope(userID), keyBiometricUnlockEnabled, true)
}

// ServerConfig decodes the server config cached for userID into v.
func (s *Store) ServerConfig(userID string, v any) (bool, error) {
	return s.getJSON(storage.UserScope(userID), keyServerConfig, v)
}

// SetServerConfig caches a server config for userID.
func (s *Store) SetServerConfig(userID string, v any) error {
	return s.putJSON(storage.UserScope(userID), keyServerConfig, v)
}

// ClearServerConfig removes the config cached for userID.
func (s *Store) ClearServerConfig(userID string) error {
	return s.remove(storage.UserScope(userID), keyServerConfig)
}

func (s *Store) LastActiveTime(userID string) (*time.Time, error) {
	return s.getTime(storage.UserScope(userID), keyLastActiveTime)
}

func (s *Store) SetLastActiveTime(userID string, t *time.Time) error {
	return s.setTime(storage.UserScope(userID), keyLastActiveTime, t)
}

func (s *Store) LastSync(userID string) (*time.Time, error) {
	return s.getTime(storage.UserScope(userID), keyLastSync)
}

func (s *Store) SetLastSync(userID string, t *time.Time) error {
	return s.setTime(storage.UserScope(userID), keyLastSync, t)
}

func (s *Store) NotificationsLastRegistrationDate(userID string) (*time.Time, error) {
	return s.getTime(storage.UserScope(userID), keyNotificationsRegistered)
}

func (s *Store) SetNotificationsLastRegistrationDate(userID string, t *time.Time) error {
	return s.setTime(storage.UserScope(userID), keyNotificationsRegistered, t)
}

// ResetTimestamps clears every timestamp kept for userID.
func (s *Store) ResetTimestamps(userID string) error {
	scope := storage.UserScope(userID)
	return s.repo.Batch(scope, func(tx storage.BatchTx) error {
		for _, key := range []string{keyLastActiveTime, keyLastSync, keyNotificationsRegistered} {
			if err := tx.Delete(key); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
}

// ClearUser removes every durable value held for userID.
func (s *Store) ClearUser(userID string) error {
	if err := s.repo.DeleteScope(storage.UserScope(userID)); err != nil {
		return fmt.Errorf("clearing user %s: %w", userID, err)
	}
	return nil
}

// DeleteGlobalPrefix removes every global key starting with prefix and
// returns how many were removed.
func (s *Store) DeleteGlobalPrefix(prefix string) (int, error) {
	return s.deletePrefix(storage.GlobalScope, prefix)
}

// DeleteUserPrefix removes every key for userID starting with prefix.
func (s *Store) DeleteUserPrefix(userID, prefix string) (int, error) {
	return s.deletePrefix(storage.UserScope(userID), prefix)
}

func (s *Store) deletePrefix(scope, prefix string) (int, error) {
	keys, err := s.repo.List(scope)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	err = s.repo.Batch(scope, func(tx storage.BatchTx) error {
		for _, k := range matched {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting %s* from %s: %w", prefix, scope, err)
	}
	return len(matched), nil
}

// PutRaw writes an arbitrary value. Migrations and tests use it to seed
// layouts that current accessors no longer produce.
func (s *Store) PutRaw(scope, key string, value []byte) error {
	return s.repo.Put(scope, key, value)
}
