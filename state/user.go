package state

import (
	"context"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/secrets"
)

// The accessors below take "" to mean the active user.

// EncryptionKeys returns the user's key pair; see secrets.Store.EncryptionKeys.
func (s *Service) EncryptionKeys(ctx context.Context, userID string) (account.EncryptionKeys, error) {
	var keys account.EncryptionKeys
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		keys, err = s.secrets.EncryptionKeys(id)
		return err
	})
	return keys, err
}

// SetEncryptionKeys stores the user's encrypted private key and user key.
func (s *Service) SetEncryptionKeys(ctx context.Context, userID string, keys account.EncryptionKeys) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetEncryptionKeys(id, keys)
	})
}

// MasterPasswordHash returns the stored master password verifier.
func (s *Service) MasterPasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		hash, err = s.secrets.MasterPasswordHash(id)
		return err
	})
	return hash, err
}

// SetMasterPasswordHash stores the master password verifier.
func (s *Service) SetMasterPasswordHash(ctx context.Context, userID, hash string) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetMasterPasswordHash(id, hash)
	})
}

// SetPinKeys stores PIN material; see secrets.Store.SetPinKeys.
func (s *Service) SetPinKeys(ctx context.Context, userID, pinKeyEncryptedUserKey, pinProtectedUserKey string, requirePasswordAfterRestart bool) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetPinKeys(id, pinKeyEncryptedUserKey, pinProtectedUserKey, requirePasswordAfterRestart)
	})
}

// PinKeyEncryptedUserKey returns the persisted PIN-encrypted user key.
func (s *Service) PinKeyEncryptedUserKey(ctx context.Context, userID string) (string, error) {
	var v string
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		v, err = s.secrets.PinKeyEncryptedUserKey(id)
		return err
	})
	return v, err
}

// PinProtectedUserKey returns the in-memory key if set, otherwise the persisted one.
func (s *Service) PinProtectedUserKey(ctx context.Context, userID string) (string, error) {
	var v string
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		v, err = s.secrets.PinProtectedUserKey(id)
		return err
	})
	return v, err
}

// SetPinProtectedUserKeyInMemory keeps the PIN-protected user key for this
// process only, as after a password unlock when a restart requires the password.
func (s *Service) SetPinProtectedUserKeyInMemory(ctx context.Context, userID, key string) error {
	return s.withUser(ctx, userID, func(id string) error {
		s.secrets.SetPinProtectedUserKeyInMemory(id, key)
		return nil
	})
}

// ClearPins removes the PIN material of the given or active user.
func (s *Service) ClearPins(ctx context.Context, userID string) error {
	return s.withUser(ctx, userID, s.secrets.ClearPins)
}

// SetBiometricUnlockEnabled records whether biometric unlock is on.
func (s *Service) SetBiometricUnlockEnabled(ctx context.Context, userID string, enabled bool) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetBiometricUnlockEnabled(id, enabled)
	})
}

// BiometricUnlockEnabled reports whether biometric unlock is on.
func (s *Service) BiometricUnlockEnabled(ctx context.Context, userID string) (bool, error) {
	var on bool
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		on, err = s.secrets.BiometricUnlockEnabled(id)
		return err
	})
	return on, err
}

// SetBiometricUserKey stores the user key released by a biometric prompt.
func (s *Service) SetBiometricUserKey(ctx context.Context, userID, key string) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetBiometricUserKey(id, key)
	})
}

// BiometricUserKey returns the user key stored for biometric unlock.
func (s *Service) BiometricUserKey(ctx context.Context, userID string) (string, error) {
	var v string
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		v, err = s.secrets.BiometricUserKey(id)
		return err
	})
	return v, err
}

// SetTokens replaces the user's session tokens in the keystore.
func (s *Service) SetTokens(ctx context.Context, userID string, t secrets.Tokens) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetTokens(id, t)
	})
}

// Tokens returns the user's session tokens.
func (s *Service) Tokens(ctx context.Context, userID string) (secrets.Tokens, error) {
	var t secrets.Tokens
	err := s.withUser(ctx, userID, func(id string) error {
		var err error
		t, err = s.secrets.Tokens(id)
		return err
	})
	return t, err
}

// SetVaultTimeout stores the timeout; anything but Never drops the never-lock key.
func (s *Service) SetVaultTimeout(ctx context.Context, userID string, timeout secrets.VaultTimeout) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetVaultTimeout(id, timeout)
	})
}

// VaultTimeout fails only when userID cannot be resolved.
func (s *Service) VaultTimeout(ctx context.Context, userID string) (secrets.VaultTimeout, error) {
	var t secrets.VaultTimeout
	err := s.withUser(ctx, userID, func(id string) error {
		t = s.secrets.VaultTimeout(id)
		return nil
	})
	return t, err
}

// SetNeverLockKey stores the user key that lets Never skip unlocking.
func (s *Service) SetNeverLockKey(ctx context.Context, userID, key string) error {
	return s.withUser(ctx, userID, func(id string) error {
		return s.secrets.SetNeverLockKey(id, key)
	})
}
