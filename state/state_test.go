package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/keystore"
	"github.com/jmcleod/keystate/secrets"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/storage/memory"
)

type fixture struct {
	settings *settings.Store
	keystore *keystore.Keystore
	secrets  *secrets.Store
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	st := settings.New(repo)
	ks, err := keystore.Open(repo, st, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	t.Cleanup(ks.Close)
	sec := secrets.New(st, ks)
	svc, err := New(st, sec)
	require.NoError(t, err)
	return &fixture{settings: st, keystore: ks, secrets: sec, svc: svc}
}

func acct(id string) account.Account {
	return account.Account{Profile: account.Profile{UserID: id, Email: id + "@example.com", KDF: account.DefaultKDFConfig()}}
}

func TestEmptyRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Accounts(ctx)
	require.ErrorIs(t, err, account.ErrNoAccounts)
	_, err = f.svc.ActiveAccount(ctx)
	require.ErrorIs(t, err, account.ErrNoActiveAccount)
	require.ErrorIs(t, f.svc.SetActiveAccount(ctx, "u1"), account.ErrNoAccounts)
	_, err = f.svc.Logout(ctx, "")
	require.ErrorIs(t, err, account.ErrNoActiveAccount)
}

func TestAddAccountBecomesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.AddAccount(ctx, acct("u2")))

	active, err := f.svc.ActiveAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u2", active.UserID())

	all, err := f.svc.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].UserID())

	// Replacing keeps a single entry per user ID.
	updated := acct("u1")
	updated.Profile.Name = "Renamed"
	require.NoError(t, f.svc.AddAccount(ctx, updated))
	all, err = f.svc.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Renamed", all[0].Profile.Name)
}

func TestAddAccountRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	err := f.svc.AddAccount(context.Background(), account.Account{Profile: account.Profile{UserID: "a:b", Email: "x@example.com"}})
	require.ErrorIs(t, err, account.ErrInvalidAccount)
}

func TestResolveUserID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveUserID(ctx, "")
	require.ErrorIs(t, err, account.ErrNoActiveAccount)

	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.AddAccount(ctx, acct("u2")))

	tests := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{"NilMeansActive", "", "u2", nil},
		{"ValidUnchanged", "u1", "u1", nil},
		{"UnknownFails", "u9", "", account.ErrNoAccounts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.ResolveUserID(ctx, tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.AddAccount(ctx, acct("u2")))
	require.NoError(t, f.svc.SetActiveAccount(ctx, "u1"))

	reloaded, err := New(f.settings, f.secrets)
	require.NoError(t, err)
	active, err := reloaded.ActiveAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", active.UserID())
}

func TestReloadClearsDanglingActiveUser(t *testing.T) {
	f := newFixture(t)
	st := account.NewState()
	st.Accounts["u1"] = acct("u1")
	st.ActiveUserID = "ghost"
	require.NoError(t, f.settings.SetState(st))

	svc, err := New(f.settings, f.secrets)
	require.NoError(t, err)
	_, err = svc.ActiveAccount(context.Background())
	require.ErrorIs(t, err, account.ErrNoActiveAccount)
}

func TestLogoutPicksLowestRemainingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"u3", "u1", "u2"} {
		require.NoError(t, f.svc.AddAccount(ctx, acct(id)))
	}
	// u2 is active.
	id, err := f.svc.Logout(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "u2", id)
	active, err := f.svc.ActiveAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", active.UserID())

	// Logging out a non-active user keeps the active one.
	_, err = f.svc.Logout(ctx, "u3")
	require.NoError(t, err)
	active, err = f.svc.ActiveAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", active.UserID())

	_, err = f.svc.Logout(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.ActiveAccount(ctx)
	require.ErrorIs(t, err, account.ErrNoActiveAccount)
	_, err = f.svc.Accounts(ctx)
	require.ErrorIs(t, err, account.ErrNoAccounts)
}

func TestLogoutPurgesAndRunsHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.SetEncryptionKeys(ctx, "", account.EncryptionKeys{EncryptedPrivateKey: "p", EncryptedUserKey: "u"}))
	require.NoError(t, f.svc.SetTokens(ctx, "u1", secrets.Tokens{AccessToken: "a", RefreshToken: "r"}))

	var hooked []string
	f.svc.OnLogout(func(_ context.Context, userID string) {
		// Secrets are already gone when hooks run.
		_, err := f.secrets.EncryptionKeys(userID)
		assert.ErrorIs(t, err, account.ErrNoActiveAccount)
		hooked = append(hooked, userID)
	})

	_, err := f.svc.Logout(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, hooked)

	_, err = f.svc.EncryptionKeys(ctx, "u1")
	require.ErrorIs(t, err, account.ErrNoAccounts)
	_, err = f.secrets.EncryptionKeys("u1")
	require.ErrorIs(t, err, account.ErrNoActiveAccount)
	_, err = f.keystore.Get(keystore.Item{Kind: keystore.AccessToken, UserID: "u1"})
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestLogoutHookCanReadRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.AddAccount(ctx, acct("u2")))

	var remaining []account.Account
	var active string
	f.svc.OnLogout(func(ctx context.Context, _ string) {
		var err error
		remaining, err = f.svc.Accounts(ctx)
		assert.NoError(t, err)
		a, err := f.svc.ActiveAccount(ctx)
		assert.NoError(t, err)
		active = a.UserID()
	})

	_, err := f.svc.Logout(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "u1", remaining[0].UserID())
	assert.Equal(t, "u1", active)
}

func TestUserScopedAccessorsResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.EncryptionKeys(ctx, "")
	require.ErrorIs(t, err, account.ErrNoActiveAccount)

	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.AddAccount(ctx, acct("u2")))
	require.NoError(t, f.svc.SetMasterPasswordHash(ctx, "", "hash-u2"))
	require.NoError(t, f.svc.SetMasterPasswordHash(ctx, "u1", "hash-u1"))

	h, err := f.svc.MasterPasswordHash(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "hash-u2", h)
	h, err = f.svc.MasterPasswordHash(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "hash-u1", h)

	_, err = f.svc.MasterPasswordHash(ctx, "u9")
	require.ErrorIs(t, err, account.ErrNoAccounts)

	require.NoError(t, f.svc.SetPinKeys(ctx, "", "k1", "k2", true))
	require.NoError(t, f.svc.ClearPins(ctx, ""))
	_, err = f.svc.PinKeyEncryptedUserKey(ctx, "u2")
	require.ErrorIs(t, err, secrets.ErrNoPinKeyEncryptedUserKey)

	timeout, err := f.svc.VaultTimeout(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, secrets.DefaultVaultTimeout, timeout)
}

func TestUnlockMaterialForActiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.ErrorIs(t, f.svc.SetPinProtectedUserKeyInMemory(ctx, "", "k"), account.ErrNoActiveAccount)

	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.SetPinKeys(ctx, "", "enc", "", true))
	_, err := f.svc.PinProtectedUserKey(ctx, "")
	require.ErrorIs(t, err, secrets.ErrNoPinProtectedUserKey)

	require.NoError(t, f.svc.SetPinProtectedUserKeyInMemory(ctx, "", "protected"))
	v, err := f.svc.PinProtectedUserKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "protected", v)

	require.NoError(t, f.svc.SetBiometricUserKey(ctx, "", "bio-key"))
	v, err = f.svc.BiometricUserKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "bio-key", v)

	_, err = f.svc.Logout(ctx, "")
	require.NoError(t, err)
	_, err = f.keystore.Get(keystore.Item{Kind: keystore.Biometrics, UserID: "u1"})
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
	_, err = f.secrets.PinProtectedUserKey("u1")
	require.Error(t, err)
}

func TestUpdateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.ErrorIs(t, f.svc.UpdateAccount(ctx, "", func(*account.Account) {}), account.ErrNoActiveAccount)

	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	require.NoError(t, f.svc.UpdateAccount(ctx, "", func(a *account.Account) {
		a.Settings.EnvironmentURLs.Base = "https://vault.example.com"
	}))
	a, err := f.svc.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example.com", a.Settings.EnvironmentURLs.Base)

	err = f.svc.UpdateAccount(ctx, "u1", func(a *account.Account) { a.Profile.UserID = "other" })
	require.ErrorIs(t, err, account.ErrInvalidAccount)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.AddAccount(ctx, acct("u1")))
	boom := errors.New("boom")
	err := f.svc.Update(ctx, func(st *account.State) error {
		delete(st.Accounts, "u1")
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = f.svc.Account(ctx, "u1")
	require.NoError(t, err)

	err = f.svc.Update(ctx, func(st *account.State) error {
		st.ActiveUserID = "ghost"
		return nil
	})
	require.ErrorIs(t, err, account.ErrInvalidAccount)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.svc.AddAccount(ctx, acct("u1")), context.Canceled)
}

// Any interleaving of add, switch and logout leaves the active account either
// unset or present in the registry.
func TestActiveAccountAlwaysRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	ids := []string{"u1", "u2", "u3", "u4"}

	check := func() {
		active, err := f.svc.ActiveAccount(ctx)
		if err != nil {
			require.ErrorIs(t, err, account.ErrNoActiveAccount)
			return
		}
		all, err := f.svc.Accounts(ctx)
		require.NoError(t, err)
		found := false
		for _, a := range all {
			found = found || a.UserID() == active.UserID()
		}
		require.True(t, found, "active %s not registered", active.UserID())
	}

	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(4) {
		case 0:
			_ = f.svc.AddAccount(ctx, acct(id))
		case 1:
			_ = f.svc.SetActiveAccount(ctx, id)
		case 2:
			_, _ = f.svc.Logout(ctx, id)
		case 3:
			_, _ = f.svc.Logout(ctx, "")
		}
		check()
	}
}

func TestConcurrentMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i%4)
			_ = f.svc.AddAccount(ctx, acct(id))
			_ = f.svc.SetMasterPasswordHash(ctx, id, "h")
			if i%3 == 0 {
				_, _ = f.svc.Logout(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	// The persisted copy matches memory.
	persisted, err := f.settings.State()
	require.NoError(t, err)
	all, err := f.svc.Accounts(ctx)
	if err != nil {
		require.ErrorIs(t, err, account.ErrNoAccounts)
		assert.Empty(t, persisted.Accounts)
		return
	}
	assert.Len(t, persisted.Accounts, len(all))
}
