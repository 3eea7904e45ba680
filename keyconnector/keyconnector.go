// Package keyconnector unlocks accounts whose master key is held by an
// organization's key connector instead of being derived from a password.
package keyconnector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/internal/util"
	"github.com/jmcleod/keystate/sdk"
)

var (
	ErrMissingKeyConnectorURL = errors.New("missing key connector URL")
	ErrInvalidMasterKey       = errors.New("key connector returned an invalid master key")
)

const masterKeySize = 32

// Fetcher retrieves a user's base64 master key from a key connector.
type Fetcher interface {
	FetchMasterKey(ctx context.Context, keyConnectorURL, userID string) (string, error)
}

// Accounts is the slice of the account registry the service reads.
type Accounts interface {
	Account(ctx context.Context, userID string) (account.Account, error)
	EncryptionKeys(ctx context.Context, userID string) (account.EncryptionKeys, error)
}

// Initializer is a crypto client that can be unlocked.
type Initializer interface {
	InitializeUserCrypto(sdk.InitRequest) error
}

// Service fetches master keys for key connector users.
type Service struct {
	accounts Accounts
	fetcher  Fetcher
	logger   *slog.Logger
}

// New returns a Service. A nil logger uses slog.Default().
func New(accounts Accounts, fetcher Fetcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{accounts: accounts, fetcher: fetcher, logger: logger.With("component", "keyconnector")}
}

// MasterKeyFromKeyConnector returns the base64 master key for userID ("" for
// the active user). It fails with ErrMissingKeyConnectorURL when the account
// has no key connector configured.
func (s *Service) MasterKeyFromKeyConnector(ctx context.Context, userID string) (string, error) {
	acct, err := s.accounts.Account(ctx, userID)
	if err != nil {
		return "", err
	}
	opts := acct.Profile.DecryptionOptions
	if !opts.UsesKeyConnector() {
		return "", fmt.Errorf("user %s: %w", acct.UserID(), ErrMissingKeyConnectorURL)
	}
	key, err := s.fetcher.FetchMasterKey(ctx, opts.KeyConnectorURL, acct.UserID())
	if err != nil {
		return "", fmt.Errorf("fetching master key for %s: %w", acct.UserID(), err)
	}
	raw, err := util.B64Decode(key)
	if err != nil || len(raw) != masterKeySize {
		return "", ErrInvalidMasterKey
	}
	util.WipeBytes(raw)
	return key, nil
}

// Unlock fetches the master key and uses it to unlock c for userID.
func (s *Service) Unlock(ctx context.Context, c Initializer, userID string) error {
	acct, err := s.accounts.Account(ctx, userID)
	if err != nil {
		return err
	}
	id := acct.UserID()
	keys, err := s.accounts.EncryptionKeys(ctx, id)
	if err != nil {
		return err
	}
	masterKey, err := s.MasterKeyFromKeyConnector(ctx, id)
	if err != nil {
		return err
	}
	err = c.InitializeUserCrypto(sdk.InitRequest{
		UserID: id,
		Email:  acct.Profile.Email,
		KDF:    acct.Profile.KDF,
		Keys:   keys,
		Method: sdk.KeyConnectorUnlock{MasterKey: masterKey},
	})
	if err != nil {
		return fmt.Errorf("unlocking %s with key connector: %w", id, err)
	}
	s.logger.Info("unlocked with key connector", "user_id", id)
	return nil
}
