// Package secrets is the per-user secret store: encryption keys, unlock
// material, session tokens and the vault timeout. It only deals in concrete
// user IDs; resolving "the active user" is the registry's job.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/keystore"
	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/settings"
)

var (
	ErrNoPinKeyEncryptedUserKey = errors.New("no pin-key-encrypted user key")
	ErrNoPinProtectedUserKey    = errors.New("no pin-protected user key")
)

// Tokens are a user's session tokens.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiration   *time.Time
}

// Store holds per-user secrets. All methods are serialized by one mutex.
type Store struct {
	settings *settings.Store
	keystore *keystore.Keystore
	reporter reporter.Reporter
	logger   *slog.Logger

	mu sync.Mutex
	// pins holds PIN-protected user keys that must not outlive the process.
	pins map[string]*memguard.Enclave
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithReporter sets where swallowed errors are reported.
func WithReporter(r reporter.Reporter) Option {
	return func(s *Store) {
		s.reporter = r
	}
}

// New returns a Store persisting through st and ks. The in-memory PIN map
// starts empty.
func New(st *settings.Store, ks *keystore.Keystore, opts ...Option) *Store {
	s := &Store{
		settings: st,
		keystore: ks,
		logger:   slog.Default(),
		pins:     make(map[string]*memguard.Enclave),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "secrets")
	if s.reporter == nil {
		s.reporter = reporter.NewSlog(s.logger)
	}
	return s
}

// SetEncryptionKeys replaces the key material for userID.
func (s *Store) SetEncryptionKeys(userID string, keys account.EncryptionKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.SetEncryptionKeys(userID, &keys)
}

// EncryptionKeys returns the key material for userID. Missing or partial
// material (no private key or no user key) is reported as
// account.ErrNoActiveAccount.
func (s *Store) EncryptionKeys(userID string) (account.EncryptionKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.settings.EncryptionKeys(userID)
	if err != nil {
		return account.EncryptionKeys{}, err
	}
	if keys == nil || keys.EncryptedPrivateKey == "" || keys.EncryptedUserKey == "" {
		return account.EncryptionKeys{}, fmt.Errorf("encryption keys for %s: %w", userID, account.ErrNoActiveAccount)
	}
	return *keys, nil
}

// SetMasterPasswordHash stores the master password verifier.
func (s *Store) SetMasterPasswordHash(userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.SetMasterPasswordHash(userID, hash)
}

// MasterPasswordHash returns the stored hash, "" if none.
func (s *Store) MasterPasswordHash(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.MasterPasswordHash(userID)
}

// SetPinKeys stores PIN unlock material. pinKeyEncryptedUserKey is always
// persisted. When requirePasswordAfterRestart is set, pinProtectedUserKey is
// kept only in process memory and any persisted copy is removed.
func (s *Store) SetPinKeys(userID, pinKeyEncryptedUserKey, pinProtectedUserKey string, requirePasswordAfterRestart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.settings.SetPinKeyEncryptedUserKey(userID, pinKeyEncryptedUserKey); err != nil {
		return err
	}
	if requirePasswordAfterRestart {
		s.setMemoryPinLocked(userID, pinProtectedUserKey)
		return s.settings.SetPinProtectedUserKey(userID, "")
	}
	delete(s.pins, userID)
	return s.settings.SetPinProtectedUserKey(userID, pinProtectedUserKey)
}

// SetPinProtectedUserKeyInMemory keeps key for the life of the process only.
func (s *Store) SetPinProtectedUserKeyInMemory(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMemoryPinLocked(userID, key)
}

func (s *Store) setMemoryPinLocked(userID, key string) {
	// memguard refuses empty enclaves.
	if key == "" {
		delete(s.pins, userID)
		return
	}
	s.pins[userID] = memguard.NewEnclave([]byte(key))
}

// PinKeyEncryptedUserKey returns the persisted PIN-encrypted user key.
func (s *Store) PinKeyEncryptedUserKey(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.settings.PinKeyEncryptedUserKey(userID)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s: %w", userID, ErrNoPinKeyEncryptedUserKey)
	}
	return v, nil
}

// PinProtectedUserKey returns the in-memory key if present, otherwise the
// persisted one.
func (s *Store) PinProtectedUserKey(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc, ok := s.pins[userID]; ok {
		buf, err := enc.Open()
		if err != nil {
			return "", fmt.Errorf("opening in-memory pin key: %w", err)
		}
		defer buf.Destroy()
		return string(buf.Bytes()), nil
	}
	v, err := s.settings.PinProtectedUserKey(userID)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s: %w", userID, ErrNoPinProtectedUserKey)
	}
	return v, nil
}

// ClearPins removes both the in-memory and persisted PIN material.
func (s *Store) ClearPins(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, userID)
	if err := s.settings.SetPinKeyEncryptedUserKey(userID, ""); err != nil {
		return err
	}
	return s.settings.SetPinProtectedUserKey(userID, "")
}

// SetBiometricUnlockEnabled records whether biometric unlock is on.
func (s *Store) SetBiometricUnlockEnabled(userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled {
		if err := s.keystore.Delete(keystore.Item{Kind: keystore.Biometrics, UserID: userID}); err != nil {
			return err
		}
	}
	return s.settings.SetBiometricUnlockEnabled(userID, enabled)
}

// BiometricUnlockEnabled reports whether biometric unlock is on.
func (s *Store) BiometricUnlockEnabled(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.BiometricUnlockEnabled(userID)
}

// SetBiometricUserKey stores the user key released by a biometric prompt.
func (s *Store) SetBiometricUserKey(userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keystore.Set(keystore.Item{Kind: keystore.Biometrics, UserID: userID}, key)
}

// BiometricUserKey returns the key stored by SetBiometricUserKey.
func (s *Store) BiometricUserKey(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keystore.Get(keystore.Item{Kind: keystore.Biometrics, UserID: userID})
}

// SetTokens replaces the session tokens for userID. A nil expiration
// removes any stored expiration.
func (s *Store) SetTokens(userID string, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.keystore.Set(keystore.Item{Kind: keystore.AccessToken, UserID: userID}, t.AccessToken); err != nil {
		return err
	}
	if err := s.keystore.Set(keystore.Item{Kind: keystore.RefreshToken, UserID: userID}, t.RefreshToken); err != nil {
		return err
	}
	exp := keystore.Item{Kind: keystore.AccessTokenExpiration, UserID: userID}
	if t.Expiration == nil {
		return s.keystore.Delete(exp)
	}
	return s.keystore.Set(exp, t.Expiration.UTC().Format(time.RFC3339))
}

// Tokens returns the session tokens for userID. A missing access or refresh
// token fails with keystore.ErrKeyNotFound.
func (s *Store) Tokens(userID string) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t Tokens
	var err error
	if t.AccessToken, err = s.keystore.Get(keystore.Item{Kind: keystore.AccessToken, UserID: userID}); err != nil {
		return Tokens{}, err
	}
	if t.RefreshToken, err = s.keystore.Get(keystore.Item{Kind: keystore.RefreshToken, UserID: userID}); err != nil {
		return Tokens{}, err
	}
	raw, err := s.keystore.Get(keystore.Item{Kind: keystore.AccessTokenExpiration, UserID: userID})
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
	case err != nil:
		return Tokens{}, err
	default:
		exp, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			s.reporter.Log(context.Background(), fmt.Errorf("parsing token expiration for %s: %w", userID, perr))
			break
		}
		t.Expiration = &exp
	}
	return t, nil
}

// SetDeviceKey stores the trusted-device key. It survives Purge.
func (s *Store) SetDeviceKey(userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keystore.Set(keystore.Item{Kind: keystore.DeviceKey, UserID: userID}, key)
}

// DeviceKey returns the trusted-device key.
func (s *Store) DeviceKey(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keystore.Get(keystore.Item{Kind: keystore.DeviceKey, UserID: userID})
}

// SetNeverLockKey stores the auto-unlock user key that backs a "never" timeout.
func (s *Store) SetNeverLockKey(userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keystore.Set(keystore.Item{Kind: keystore.NeverLock, UserID: userID}, key)
}

// SetVaultTimeout stores the timeout. Any timeout other than Never removes
// the never-lock key.
func (s *Store) SetVaultTimeout(userID string, timeout VaultTimeout) error {
	if !timeout.Valid() {
		return fmt.Errorf("invalid vault timeout %d", int(timeout))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.keystore.Set(keystore.Item{Kind: keystore.VaultTimeout, UserID: userID}, strconv.Itoa(int(timeout))); err != nil {
		return err
	}
	if timeout != Never {
		return s.keystore.Delete(keystore.Item{Kind: keystore.NeverLock, UserID: userID})
	}
	return nil
}

// VaultTimeout returns the stored timeout for userID. It never fails: a
// missing, unreadable or malformed value yields DefaultVaultTimeout, and
// Never is honored only while the never-lock key is also present.
func (s *Store) VaultTimeout(userID string) VaultTimeout {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.keystore.Get(keystore.Item{Kind: keystore.VaultTimeout, UserID: userID})
	if err != nil {
		if !errors.Is(err, keystore.ErrKeyNotFound) {
			s.reporter.Log(context.Background(), fmt.Errorf("reading vault timeout for %s: %w", userID, err))
		}
		return DefaultVaultTimeout
	}
	n, err := strconv.Atoi(raw)
	if err != nil || !VaultTimeout(n).Valid() {
		s.reporter.Log(context.Background(), fmt.Errorf("malformed vault timeout %q for %s", raw, userID))
		return DefaultVaultTimeout
	}
	timeout := VaultTimeout(n)
	if timeout != Never {
		return timeout
	}
	if _, err := s.keystore.Get(keystore.Item{Kind: keystore.NeverLock, UserID: userID}); err != nil {
		s.logger.Warn("never-lock key missing, using default timeout", "user_id", userID)
		if !errors.Is(err, keystore.ErrKeyNotFound) {
			s.reporter.Log(context.Background(), fmt.Errorf("reading never-lock key for %s: %w", userID, err))
		}
		return DefaultVaultTimeout
	}
	return Never
}

// Purge removes everything held for userID except the device key: key
// material, password hash, unlock material, tokens and the vault timeout,
// in memory and on disk.
func (s *Store) Purge(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, userID)
	var errs []error
	if err := s.settings.ClearUser(userID); err != nil {
		errs = append(errs, err)
	}
	if err := s.keystore.DeleteItems(userID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
