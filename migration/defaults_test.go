package migration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/keystore"
	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/secrets"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/state"
	"github.com/jmcleod/keystate/storage"
	"github.com/jmcleod/keystate/storage/memory"
)

type stack struct {
	settings *settings.Store
	keystore *keystore.Keystore
	secrets  *secrets.Store
	state    *state.Service
	recorder *reporter.Recorder
}

func newStack(t *testing.T) *stack {
	t.Helper()
	repo := memory.NewRepository()
	st := settings.New(repo)
	ks, err := keystore.Open(repo, st, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	t.Cleanup(ks.Close)
	rec := &reporter.Recorder{}
	sec := secrets.New(st, ks, secrets.WithReporter(rec))
	svc, err := state.New(st, sec)
	require.NoError(t, err)
	return &stack{settings: st, keystore: ks, secrets: sec, state: svc, recorder: rec}
}

func (s *stack) run(t *testing.T) Result {
	t.Helper()
	r, err := NewRunner(s.settings, Defaults(Deps{
		State:    s.state,
		Settings: s.settings,
		Secrets:  s.secrets,
		Keystore: s.keystore,
	}), WithReporter(s.recorder))
	require.NoError(t, err)
	return r.Perform(context.Background())
}

func TestDefaultsFreshInstallClearsKeystore(t *testing.T) {
	s := newStack(t)
	orphan := keystore.Item{Kind: keystore.AccessToken, UserID: "gone"}
	require.NoError(t, s.keystore.Set(orphan, "stale"))

	res := s.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 4, res.To)

	_, err := s.keystore.Get(orphan)
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestDefaultsUpgradeExistingInstall(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	acct := account.Account{
		Profile:      account.Profile{UserID: "u1", Email: "u1@example.com", KDF: account.DefaultKDFConfig()},
		LegacyTokens: &account.LegacyTokens{AccessToken: "access", RefreshToken: "refresh"},
	}
	require.NoError(t, s.state.AddAccount(ctx, acct))
	now := time.Now()
	require.NoError(t, s.settings.SetLastSync("u1", &now))
	require.NoError(t, s.settings.SetLastActiveTime("u1", &now))

	device := keystore.Item{Kind: keystore.DeviceKey, UserID: "u1"}
	require.NoError(t, s.keystore.PutLegacy(device, "device-secret"))

	prefix := settings.LegacyBiometricIntegrityPrefix
	require.NoError(t, s.settings.PutRaw(storage.GlobalScope, prefix+"Source", []byte("x")))
	require.NoError(t, s.settings.PutRaw(storage.UserScope("u1"), prefix+"_u1", []byte("y")))

	res := s.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, Result{From: 0, To: 4}, res)

	tokens, err := s.secrets.Tokens("u1")
	require.NoError(t, err)
	assert.Equal(t, "access", tokens.AccessToken)
	assert.Equal(t, "refresh", tokens.RefreshToken)

	got, err := s.state.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got.LegacyTokens)

	lastSync, err := s.settings.LastSync("u1")
	require.NoError(t, err)
	assert.Nil(t, lastSync)

	dk, err := s.keystore.Get(device)
	require.NoError(t, err)
	assert.Equal(t, "device-secret", dk)

	n, err := s.settings.DeleteGlobalPrefix(prefix)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.settings.DeleteUserPrefix("u1", prefix)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, s.recorder.Errors())
}

func TestDefaultsAreIdempotentAcrossRuns(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.run(t).Err)

	require.NoError(t, s.keystore.Set(keystore.Item{Kind: keystore.AccessToken, UserID: "u9"}, "kept"))
	res := s.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, Result{From: 4, To: 4}, res)

	v, err := s.keystore.Get(keystore.Item{Kind: keystore.AccessToken, UserID: "u9"})
	require.NoError(t, err)
	assert.Equal(t, "kept", v, "migration 1 must not run twice")
}
