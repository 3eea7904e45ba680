// Package sdk implements the per-user cryptographic client: master-key
// derivation, user-key unlock, data encryption and account fingerprints.
package sdk

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/internal/aad"
	"github.com/jmcleod/keystate/internal/util"
	"github.com/jmcleod/keystate/internal/uuid"
)

const aadVersion = 1

var (
	// ErrLocked is returned by operations that need an unlocked user key.
	ErrLocked = errors.New("crypto client is locked")
	// ErrWrongKey is returned when the supplied unlock material does not open the user key.
	ErrWrongKey = errors.New("unlock material does not match")
)

// Flags are the server-derived capabilities pushed into a client.
type Flags struct {
	EnableCipherKeyEncryption bool `json:"enableCipherKeyEncryption"`
}

// Client is a cryptographic client bound to at most one user. It is safe for
// concurrent use.
type Client struct {
	id string

	mu         sync.Mutex
	flags      Flags
	userID     string
	email      string
	kdf        account.KDFConfig
	userKey    *memguard.Enclave
	privateKey *memguard.Enclave
	publicKey  []byte
}

// New returns a locked client.
func New() *Client {
	return &Client{id: uuid.New()}
}

// ID identifies this client instance.
func (c *Client) ID() string {
	return c.id
}

// LoadFlags replaces the client's feature flags.
func (c *Client) LoadFlags(flags Flags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = flags
	return nil
}

// Flags returns the flags last loaded.
func (c *Client) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// UserID returns the user the client was unlocked for, "" while locked.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// RegisterKeys is the key material produced for a new account.
type RegisterKeys struct {
	MasterPasswordHash string
	PublicKey          string
	Keys               account.EncryptionKeys
}

// MakeRegisterKeys generates a user key and account keypair for a new
// account and wraps them under the password's master key. It does not
// unlock the client.
func (c *Client) MakeRegisterKeys(email, password string, kdf account.KDFConfig) (RegisterKeys, error) {
	masterKey, err := DeriveMasterKey(password, email, kdf)
	if err != nil {
		return RegisterKeys{}, err
	}
	defer util.WipeBytes(masterKey)
	hash, err := HashMasterPassword(masterKey, password)
	if err != nil {
		return RegisterKeys{}, err
	}
	stretched, err := stretch(masterKey)
	if err != nil {
		return RegisterKeys{}, err
	}
	defer stretched.wipe()

	userKey, err := newSymmetricKey()
	if err != nil {
		return RegisterKeys{}, err
	}
	defer userKey.wipe()
	encUserKey, err := sealString(stretched, userKey.bytes, aad.UserKeyWrap(KDFSalt(email), aadVersion))
	if err != nil {
		return RegisterKeys{}, err
	}

	kp, err := util.GenerateX25519Keypair()
	if err != nil {
		return RegisterKeys{}, err
	}
	defer util.WipeArray32(&kp.Private)
	encPrivateKey, err := sealString(userKey, kp.Private[:], aad.PrivateKeyWrap(aadVersion))
	if err != nil {
		return RegisterKeys{}, err
	}
	return RegisterKeys{
		MasterPasswordHash: hash,
		PublicKey:          util.B64Encode(kp.Public[:]),
		Keys: account.EncryptionKeys{
			EncryptedPrivateKey: string(encPrivateKey),
			EncryptedUserKey:    string(encUserKey),
		},
	}, nil
}

// UnlockMethod supplies the key that opens a user's encrypted user key.
type UnlockMethod interface {
	userKey(req InitRequest) (*symmetricKey, error)
}

// PasswordUnlock unlocks with the master password.
type PasswordUnlock struct {
	Password string
}

func (m PasswordUnlock) userKey(req InitRequest) (*symmetricKey, error) {
	masterKey, err := DeriveMasterKey(m.Password, req.Email, req.KDF)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(masterKey)
	return unwrapWithMasterKey(masterKey, req)
}

// KeyConnectorUnlock unlocks with a base64 master key fetched from a key connector.
type KeyConnectorUnlock struct {
	MasterKey string
}

func (m KeyConnectorUnlock) userKey(req InitRequest) (*symmetricKey, error) {
	masterKey, err := util.B64Decode(m.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding key connector master key: %w", err)
	}
	defer util.WipeBytes(masterKey)
	return unwrapWithMasterKey(masterKey, req)
}

func unwrapWithMasterKey(masterKey []byte, req InitRequest) (*symmetricKey, error) {
	stretched, err := stretch(masterKey)
	if err != nil {
		return nil, err
	}
	defer stretched.wipe()
	raw, err := openString(stretched, EncString(req.Keys.EncryptedUserKey), aad.UserKeyWrap(KDFSalt(req.Email), aadVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	return symmetricKeyFrom(raw)
}

// PinUnlock unlocks with a PIN and the PIN-protected user key.
type PinUnlock struct {
	Pin                 string
	PinProtectedUserKey string
}

func (m PinUnlock) userKey(req InitRequest) (*symmetricKey, error) {
	pinKey, err := derivePinKey(m.Pin, req.Email, req.KDF)
	if err != nil {
		return nil, err
	}
	defer pinKey.wipe()
	raw, err := openString(pinKey, EncString(m.PinProtectedUserKey), aad.PinKeyWrap(KDFSalt(req.Email), aadVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	return symmetricKeyFrom(raw)
}

// DecryptedKeyUnlock unlocks with a base64 user key kept by a never-lock or
// biometric keystore item.
type DecryptedKeyUnlock struct {
	DecryptedUserKey string
}

func (m DecryptedKeyUnlock) userKey(InitRequest) (*symmetricKey, error) {
	raw, err := util.B64Decode(m.DecryptedUserKey)
	if err != nil {
		return nil, fmt.Errorf("decoding user key: %w", err)
	}
	return symmetricKeyFrom(raw)
}

// InitRequest carries what InitializeUserCrypto needs to unlock one user.
type InitRequest struct {
	UserID string
	Email  string
	KDF    account.KDFConfig
	Keys   account.EncryptionKeys
	Method UnlockMethod
}

// InitializeUserCrypto unlocks the client for req.UserID. The private key is
// opened as a check that the user key is right.
func (c *Client) InitializeUserCrypto(req InitRequest) error {
	if req.Method == nil {
		return errors.New("unlock method required")
	}
	userKey, err := req.Method.userKey(req)
	if err != nil {
		return err
	}
	defer userKey.wipe()
	priv, err := openString(userKey, EncString(req.Keys.EncryptedPrivateKey), aad.PrivateKeyWrap(aadVersion))
	if err != nil {
		return fmt.Errorf("%w: opening private key: %v", ErrWrongKey, err)
	}
	defer util.WipeBytes(priv)
	if len(priv) != 32 {
		return fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	var privArr [32]byte
	copy(privArr[:], priv)
	pub, err := util.X25519PublicKey(privArr)
	util.WipeArray32(&privArr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = req.UserID
	c.email = req.Email
	c.kdf = req.KDF
	c.userKey = memguard.NewEnclave(util.CopyBytes(userKey.bytes))
	c.privateKey = memguard.NewEnclave(util.CopyBytes(priv))
	c.publicKey = pub[:]
	return nil
}

// Lock drops the unlocked key material. Flags are kept.
func (c *Client) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.email = ""
	c.userKey = nil
	c.privateKey = nil
	c.publicKey = nil
}

// withUserKey runs fn with the user key; the key is wiped afterwards.
func (c *Client) withUserKey(fn func(k *symmetricKey) error) error {
	c.mu.Lock()
	enc := c.userKey
	c.mu.Unlock()
	if enc == nil {
		return ErrLocked
	}
	buf, err := enc.Open()
	if err != nil {
		return fmt.Errorf("opening user key: %w", err)
	}
	defer buf.Destroy()
	k, err := symmetricKeyFrom(util.CopyBytes(buf.Bytes()))
	if err != nil {
		return err
	}
	defer k.wipe()
	return fn(k)
}

// UserKey exports the user key in base64, for never-lock and biometric storage.
func (c *Client) UserKey() (string, error) {
	var out string
	err := c.withUserKey(func(k *symmetricKey) error {
		out = util.B64Encode(k.bytes)
		return nil
	})
	return out, err
}

// Encrypt seals plaintext under the user key. With cipher key encryption
// enabled, each call uses a fresh item key wrapped by the user key.
func (c *Client) Encrypt(plaintext []byte) (EncString, error) {
	flags := c.Flags()
	var out EncString
	err := c.withUserKey(func(userKey *symmetricKey) error {
		if !flags.EnableCipherKeyEncryption {
			var err error
			out, err = sealString(userKey, plaintext, aad.Data(aadVersion))
			return err
		}
		item, err := newSymmetricKey()
		if err != nil {
			return err
		}
		defer item.wipe()
		wrapped, err := item.wrap(userKey, aad.CipherKeyWrap(item.ID(), aadVersion))
		if err != nil {
			return err
		}
		sealed, err := item.encrypt(plaintext, aad.Data(aadVersion))
		if err != nil {
			return err
		}
		out, err = newCipherKeyEncString(wrapped, sealed)
		return err
	})
	return out, err
}

// Decrypt opens a value produced by Encrypt, with or without an item key.
func (c *Client) Decrypt(s EncString) ([]byte, error) {
	typ, parts, err := s.parse()
	if err != nil {
		return nil, err
	}
	var out []byte
	err = c.withUserKey(func(userKey *symmetricKey) error {
		if typ == encTypeAESGCM {
			var err error
			out, err = openString(userKey, s, aad.Data(aadVersion))
			return err
		}
		wrapped, err := unmarshalWrappedKey(parts[0])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
		item, err := wrapped.unwrap(userKey, aad.CipherKeyWrap(wrapped.KeyID, aadVersion))
		if err != nil {
			return err
		}
		defer item.wipe()
		sealed, err := util.B64Decode(parts[1])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEncString, err)
		}
		out, err = item.decrypt(sealed, aad.Data(aadVersion))
		return err
	})
	return out, err
}

// PinKeys is the PIN unlock material for one user. PinKeyEncryptedUserKey
// holds the PIN sealed under the user key and is safe to persist;
// PinProtectedUserKey holds the user key sealed under the PIN key.
type PinKeys struct {
	PinKeyEncryptedUserKey string
	PinProtectedUserKey    string
}

func derivePinKey(pin, email string, kdf account.KDFConfig) (*symmetricKey, error) {
	master, err := DeriveMasterKey(pin, email, kdf)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(master)
	return stretch(master)
}

// MakePinKeys enrolls pin for the unlocked user.
func (c *Client) MakePinKeys(pin string) (PinKeys, error) {
	c.mu.Lock()
	email, kdf := c.email, c.kdf
	c.mu.Unlock()
	var out PinKeys
	err := c.withUserKey(func(userKey *symmetricKey) error {
		encPin, err := sealString(userKey, []byte(pin), aad.EncryptedPin(aadVersion))
		if err != nil {
			return err
		}
		protected, err := c.pinProtect(userKey, pin, email, kdf)
		if err != nil {
			return err
		}
		out = PinKeys{PinKeyEncryptedUserKey: string(encPin), PinProtectedUserKey: string(protected)}
		return nil
	})
	return out, err
}

// DerivePinProtectedUserKey rebuilds the PIN-protected user key from the
// persisted encrypted PIN. Used after a password unlock when the PIN-protected
// key was kept only in memory.
func (c *Client) DerivePinProtectedUserKey(pinKeyEncryptedUserKey string) (string, error) {
	c.mu.Lock()
	email, kdf := c.email, c.kdf
	c.mu.Unlock()
	var out string
	err := c.withUserKey(func(userKey *symmetricKey) error {
		pin, err := openString(userKey, EncString(pinKeyEncryptedUserKey), aad.EncryptedPin(aadVersion))
		if err != nil {
			return fmt.Errorf("opening encrypted pin: %w", err)
		}
		defer util.WipeBytes(pin)
		protected, err := c.pinProtect(userKey, string(pin), email, kdf)
		out = string(protected)
		return err
	})
	return out, err
}

func (c *Client) pinProtect(userKey *symmetricKey, pin, email string, kdf account.KDFConfig) (EncString, error) {
	pinKey, err := derivePinKey(pin, email, kdf)
	if err != nil {
		return "", err
	}
	defer pinKey.wipe()
	return sealString(pinKey, userKey.bytes, aad.PinKeyWrap(KDFSalt(email), aadVersion))
}

// RotateUserKey replaces the user key. The private key is re-wrapped under
// the new key and the new key is wrapped under password's master key. The
// client stays unlocked with the new key.
func (c *Client) RotateUserKey(password string) (account.EncryptionKeys, error) {
	c.mu.Lock()
	email, kdf, privEnc := c.email, c.kdf, c.privateKey
	c.mu.Unlock()
	if privEnc == nil {
		return account.EncryptionKeys{}, ErrLocked
	}
	masterKey, err := DeriveMasterKey(password, email, kdf)
	if err != nil {
		return account.EncryptionKeys{}, err
	}
	defer util.WipeBytes(masterKey)
	stretched, err := stretch(masterKey)
	if err != nil {
		return account.EncryptionKeys{}, err
	}
	defer stretched.wipe()

	var keys account.EncryptionKeys
	var next *symmetricKey
	err = c.withUserKey(func(old *symmetricKey) error {
		buf, err := privEnc.Open()
		if err != nil {
			return fmt.Errorf("opening private key: %w", err)
		}
		defer buf.Destroy()
		priv, err := symmetricKeyFrom(util.CopyBytes(buf.Bytes()))
		if err != nil {
			return err
		}
		defer priv.wipe()
		wrapped, err := priv.wrap(old, aad.PrivateKeyWrap(aadVersion))
		if err != nil {
			return err
		}
		if next, err = newSymmetricKey(); err != nil {
			return err
		}
		if err := wrapped.rotate(old, next, aad.PrivateKeyWrap(aadVersion)); err != nil {
			return err
		}
		encUserKey, err := sealString(stretched, next.bytes, aad.UserKeyWrap(KDFSalt(email), aadVersion))
		if err != nil {
			return err
		}
		keys = account.EncryptionKeys{
			EncryptedPrivateKey: string(newEncString(wrapped.Bytes)),
			EncryptedUserKey:    string(encUserKey),
		}
		return nil
	})
	if err != nil {
		return account.EncryptionKeys{}, err
	}
	c.mu.Lock()
	c.userKey = memguard.NewEnclave(next.bytes)
	c.mu.Unlock()
	return keys, nil
}

// PublicKey returns the account public key in base64, "" while locked.
func (c *Client) PublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publicKey == nil {
		return ""
	}
	return util.B64Encode(c.publicKey)
}

// Fingerprint returns a short phrase derived from the account public key
// and material (usually the user ID), for out-of-band key verification.
func (c *Client) Fingerprint(material string) (string, error) {
	c.mu.Lock()
	pub := util.CopyBytes(c.publicKey)
	c.mu.Unlock()
	if pub == nil {
		return "", ErrLocked
	}
	sum, err := util.HKDF(pub, []byte(material), []byte("keystate:fingerprint:v1"))
	if err != nil {
		return "", err
	}
	h := util.HexEncode(sum[:10])
	groups := make([]string, 0, 5)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}
