package sdk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/internal/util"
)

var fastKDF = account.KDFConfig{Type: account.KDFPBKDF2SHA256, Iterations: util.MinPBKDF2Iterations}

const (
	testEmail    = "User@Example.com "
	testPassword = "correct horse battery staple"
)

func registerAndUnlock(t *testing.T) (*Client, RegisterKeys) {
	t.Helper()
	c := New()
	reg, err := c.MakeRegisterKeys(testEmail, testPassword, fastKDF)
	require.NoError(t, err)
	require.NoError(t, c.InitializeUserCrypto(InitRequest{
		UserID: "u1",
		Email:  testEmail,
		KDF:    fastKDF,
		Keys:   reg.Keys,
		Method: PasswordUnlock{Password: testPassword},
	}))
	return c, reg
}

func TestDeriveMasterKey(t *testing.T) {
	a, err := DeriveMasterKey("pw", "a@example.com", fastKDF)
	require.NoError(t, err)
	b, err := DeriveMasterKey("pw", " A@Example.com", fastKDF)
	require.NoError(t, err)
	assert.Equal(t, a, b, "salt is normalized")

	c, err := DeriveMasterKey("pw", "b@example.com", fastKDF)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	argon := account.KDFConfig{Type: account.KDFArgon2id, Iterations: 2, Memory: 16, Parallelism: 1}
	d, err := DeriveMasterKey("pw", "a@example.com", argon)
	require.NoError(t, err)
	assert.Len(t, d, 32)
	assert.NotEqual(t, a, d)
}

func TestDeriveMasterKeyRejectsWeakParams(t *testing.T) {
	_, err := DeriveMasterKey("pw", "a@example.com", account.KDFConfig{Type: account.KDFPBKDF2SHA256, Iterations: 1})
	require.Error(t, err)
	_, err = DeriveMasterKey("pw", "a@example.com", account.KDFConfig{Type: account.KDFArgon2id, Iterations: 1, Memory: 16, Parallelism: 1})
	require.Error(t, err)
	_, err = DeriveMasterKey("pw", "a@example.com", account.KDFConfig{Type: account.KDFType(9), Iterations: 600000})
	require.Error(t, err)
}

func TestRegisterAndPasswordUnlock(t *testing.T) {
	c, reg := registerAndUnlock(t)
	assert.NotEmpty(t, reg.MasterPasswordHash)
	assert.Equal(t, reg.PublicKey, c.PublicKey())
	assert.Equal(t, "u1", c.UserID())

	wrong := New()
	err := wrong.InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: PasswordUnlock{Password: "nope"},
	})
	require.ErrorIs(t, err, ErrWrongKey)
	_, err = wrong.Encrypt([]byte("x"))
	require.ErrorIs(t, err, ErrLocked)
}

func TestEncryptDecrypt(t *testing.T) {
	c, _ := registerAndUnlock(t)

	enc, err := c.Encrypt([]byte("secret note"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(enc), "7."))
	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "secret note", string(plain))

	require.NoError(t, c.LoadFlags(Flags{EnableCipherKeyEncryption: true}))
	enc2, err := c.Encrypt([]byte("with item key"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(enc2), "8."))
	plain, err = c.Decrypt(enc2)
	require.NoError(t, err)
	assert.Equal(t, "with item key", string(plain))

	// Values written before the flag flipped still open.
	plain, err = c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "secret note", string(plain))

	_, err = c.Decrypt("garbage")
	require.ErrorIs(t, err, ErrInvalidEncString)
	_, err = c.Decrypt("7.a|b")
	require.ErrorIs(t, err, ErrInvalidEncString)
}

func TestDecryptWithOtherUsersKeyFails(t *testing.T) {
	c1, _ := registerAndUnlock(t)
	c2, _ := registerAndUnlock(t)
	enc, err := c1.Encrypt([]byte("mine"))
	require.NoError(t, err)
	_, err = c2.Decrypt(enc)
	require.Error(t, err)
}

func TestDecryptedKeyUnlock(t *testing.T) {
	c, reg := registerAndUnlock(t)
	userKey, err := c.UserKey()
	require.NoError(t, err)
	enc, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	other := New()
	require.NoError(t, other.InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: DecryptedKeyUnlock{DecryptedUserKey: userKey},
	}))
	plain, err := other.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))
}

func TestKeyConnectorUnlock(t *testing.T) {
	_, reg := registerAndUnlock(t)
	mk, err := DeriveMasterKey(testPassword, testEmail, fastKDF)
	require.NoError(t, err)

	c := New()
	require.NoError(t, c.InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: KeyConnectorUnlock{MasterKey: util.B64Encode(mk)},
	}))
	assert.Equal(t, reg.PublicKey, c.PublicKey())
}

func TestPinUnlockAndRederive(t *testing.T) {
	c, reg := registerAndUnlock(t)
	pins, err := c.MakePinKeys("1234")
	require.NoError(t, err)

	pinned := New()
	require.NoError(t, pinned.InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: PinUnlock{Pin: "1234", PinProtectedUserKey: pins.PinProtectedUserKey},
	}))

	err = New().InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: PinUnlock{Pin: "0000", PinProtectedUserKey: pins.PinProtectedUserKey},
	})
	require.ErrorIs(t, err, ErrWrongKey)

	// After a password unlock, the in-memory PIN key can be rebuilt from the
	// persisted encrypted PIN.
	rebuilt, err := c.DerivePinProtectedUserKey(pins.PinKeyEncryptedUserKey)
	require.NoError(t, err)
	require.NoError(t, New().InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: reg.Keys,
		Method: PinUnlock{Pin: "1234", PinProtectedUserKey: rebuilt},
	}))
}

func TestRotateUserKey(t *testing.T) {
	c, reg := registerAndUnlock(t)
	before, err := c.UserKey()
	require.NoError(t, err)

	keys, err := c.RotateUserKey(testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, reg.Keys, keys)
	after, err := c.UserKey()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	// The rotated keys unlock with the same password and keep the keypair.
	fresh := New()
	require.NoError(t, fresh.InitializeUserCrypto(InitRequest{
		UserID: "u1", Email: testEmail, KDF: fastKDF, Keys: keys,
		Method: PasswordUnlock{Password: testPassword},
	}))
	assert.Equal(t, reg.PublicKey, fresh.PublicKey())
}

func TestFingerprint(t *testing.T) {
	c, _ := registerAndUnlock(t)
	fp, err := c.Fingerprint("u1")
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{4}(-[0-9a-f]{4}){4}$`, fp)
	again, err := c.Fingerprint("u1")
	require.NoError(t, err)
	assert.Equal(t, fp, again)
	other, err := c.Fingerprint("u2")
	require.NoError(t, err)
	assert.NotEqual(t, fp, other)

	_, err = New().Fingerprint("u1")
	require.ErrorIs(t, err, ErrLocked)
}

func TestLock(t *testing.T) {
	c, _ := registerAndUnlock(t)
	require.NoError(t, c.LoadFlags(Flags{EnableCipherKeyEncryption: true}))
	c.Lock()
	_, err := c.UserKey()
	require.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, c.PublicKey())
	assert.True(t, c.Flags().EnableCipherKeyEncryption)
}

func TestWrappedKeyRotate(t *testing.T) {
	a, err := newSymmetricKey()
	require.NoError(t, err)
	b, err := newSymmetricKey()
	require.NoError(t, err)
	item, err := newSymmetricKey()
	require.NoError(t, err)
	raw := util.CopyBytes(item.bytes)

	w, err := item.wrap(a, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, a.ID(), w.EncryptedBy)

	_, err = w.unwrap(b, []byte("aad"))
	require.Error(t, err)

	require.NoError(t, w.rotate(a, b, []byte("aad")))
	assert.Equal(t, b.ID(), w.EncryptedBy)
	got, err := w.unwrap(b, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, raw, got.bytes)
	assert.Equal(t, item.ID(), got.ID())

	s, err := w.marshal()
	require.NoError(t, err)
	back, err := unmarshalWrappedKey(s)
	require.NoError(t, err)
	assert.Equal(t, w, back)
}
