package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/keystore"
	"github.com/jmcleod/keystate/secrets"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/state"
)

// Deps are the stores the default migrations rewrite.
type Deps struct {
	State    *state.Service
	Settings *settings.Store
	Secrets  *secrets.Store
	Keystore *keystore.Keystore
	Logger   *slog.Logger
}

// Defaults returns the built-in migrations.
func Defaults(d Deps) []Migration {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return []Migration{
		{Version: 1, Name: "move legacy tokens to keystore", Run: d.moveLegacyTokens},
		{Version: 2, Name: "reseal legacy keystore items", Run: d.resealKeystore},
		{Version: 3, Name: "remove global biometric integrity state", Run: d.removeGlobalBiometricIntegrity},
		{Version: 4, Name: "remove account biometric integrity state", Run: d.removeAccountBiometricIntegrity},
	}
}

// moveLegacyTokens copies tokens kept in the registry blob into the
// keystore and resets timestamps stored in an older format. A fresh install
// clears keystore items left behind by a previous one.
func (d Deps) moveLegacyTokens(ctx context.Context) error {
	var userIDs []string
	err := d.State.Update(ctx, func(st *account.State) error {
		for _, id := range st.UserIDs() {
			acct := st.Accounts[id]
			userIDs = append(userIDs, id)
			if acct.LegacyTokens == nil {
				continue
			}
			err := d.Secrets.SetTokens(id, secrets.Tokens{
				AccessToken:  acct.LegacyTokens.AccessToken,
				RefreshToken: acct.LegacyTokens.RefreshToken,
			})
			if err != nil {
				return fmt.Errorf("moving tokens for %s: %w", id, err)
			}
			acct.LegacyTokens = nil
			st.Accounts[id] = acct
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(userIDs) == 0 {
		d.Logger.Info("no accounts, clearing keystore left by a previous install")
		return d.Keystore.DeleteAll()
	}
	for _, id := range userIDs {
		if err := d.Settings.ResetTimestamps(id); err != nil {
			return fmt.Errorf("resetting timestamps for %s: %w", id, err)
		}
	}
	return nil
}

func (d Deps) resealKeystore(context.Context) error {
	_, err := d.Keystore.ResealLegacy()
	return err
}

func (d Deps) removeGlobalBiometricIntegrity(context.Context) error {
	_, err := d.Settings.DeleteGlobalPrefix(settings.LegacyBiometricIntegrityPrefix)
	return err
}

func (d Deps) removeAccountBiometricIntegrity(ctx context.Context) error {
	accounts, err := d.State.Accounts(ctx)
	if errors.Is(err, account.ErrNoAccounts) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if _, err := d.Settings.DeleteUserPrefix(acct.UserID(), settings.LegacyBiometricIntegrityPrefix); err != nil {
			return fmt.Errorf("account %s: %w", acct.UserID(), err)
		}
	}
	return nil
}
