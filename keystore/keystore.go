// Package keystore is the encrypted-at-rest store for session tokens and
// vault-timeout material. Every value is sealed with AES-256-GCM under an
// externally provided wrapping key that never touches the repository.
package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keystate/internal/aad"
	"github.com/jmcleod/keystate/internal/util"
	"github.com/jmcleod/keystate/internal/uuid"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/storage"
)

// ErrKeyNotFound is returned by Get when an item was never stored. A stored
// empty value is returned as "" with a nil error.
var ErrKeyNotFound = errors.New("keystore item not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("keystore closed")

const (
	wrappingKeyLen = 32
	itemAADVersion = 1
)

// Kind names a class of keystore item.
type Kind string

const (
	AccessToken           Kind = "accessToken"
	RefreshToken          Kind = "refreshToken"
	AccessTokenExpiration Kind = "accessTokenExpirationDate"
	NeverLock             Kind = "userKeyAutoUnlock"
	VaultTimeout          Kind = "vaultTimeout"
	Biometrics            Kind = "userKeyBiometricUnlock"
	DeviceKey             Kind = "deviceKey"
)

// userKinds are removed by DeleteItems. DeviceKey is deliberately absent: it
// is needed to log back in on a trusted device.
var userKinds = []Kind{AccessToken, RefreshToken, AccessTokenExpiration, NeverLock, VaultTimeout, Biometrics}

// Item addresses one value for one user.
type Item struct {
	Kind   Kind
	UserID string
}

func (i Item) name() string {
	return string(i.Kind) + "_" + i.UserID
}

// Keystore stores sealed items in storage.KeystoreScope.
type Keystore struct {
	repo   storage.Repository
	appID  string
	logger *slog.Logger

	mu  sync.RWMutex
	key *memguard.Enclave
}

// Option configures a Keystore.
type Option func(*Keystore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keystore) {
		k.logger = l
	}
}

// Open returns a keystore over repo. The 32-byte wrappingKey is copied into a
// memguard enclave; the caller's slice is left untouched. The install's app
// ID is read from settings and created on first use, so item keys stay
// stable across launches.
func Open(repo storage.Repository, st *settings.Store, wrappingKey []byte, opts ...Option) (*Keystore, error) {
	if len(wrappingKey) != wrappingKeyLen {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", wrappingKeyLen, len(wrappingKey))
	}
	appID, err := st.AppID()
	if err != nil {
		return nil, fmt.Errorf("reading app ID: %w", err)
	}
	if appID == "" {
		appID = uuid.New()
		if err := st.SetAppID(appID); err != nil {
			return nil, fmt.Errorf("persisting app ID: %w", err)
		}
	}
	k := &Keystore{
		repo:   repo,
		appID:  appID,
		key:    memguard.NewEnclave(util.CopyBytes(wrappingKey)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("component", "keystore")
	return k, nil
}

// AppID returns the install identifier embedded in every item key.
func (k *Keystore) AppID() string {
	return k.appID
}

// FormattedKey returns the repository key an item is stored under.
func (k *Keystore) FormattedKey(item Item) string {
	return k.appID + ":" + item.name()
}

func (k *Keystore) withKey(fn func(key []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return ErrClosed
	}
	buf, err := k.key.Open()
	if err != nil {
		return fmt.Errorf("opening wrapping key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Get returns the value stored for item or ErrKeyNotFound.
func (k *Keystore) Get(item Item) (string, error) {
	formatted := k.FormattedKey(item)
	data, err := k.repo.Get(storage.KeystoreScope, formatted)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", fmt.Errorf("%s: %w", item.name(), ErrKeyNotFound)
		}
		return "", err
	}
	env, err := storage.DecodeEnvelope(data)
	if err != nil {
		return "", err
	}
	var value string
	err = k.withKey(func(key []byte) error {
		plain, err := storage.OpenRecord(key, env, aad.KeystoreItem(formatted, itemAADVersion))
		if err != nil {
			return fmt.Errorf("opening %s: %w", item.name(), err)
		}
		value = string(plain)
		util.WipeBytes(plain)
		return nil
	})
	return value, err
}

// Set seals value under item, replacing any previous value.
func (k *Keystore) Set(item Item, value string) error {
	formatted := k.FormattedKey(item)
	return k.withKey(func(key []byte) error {
		return k.put(key, formatted, []byte(value))
	})
}

func (k *Keystore) put(key []byte, formatted string, value []byte) error {
	env, err := storage.SealRecord(key, value, aad.KeystoreItem(formatted, itemAADVersion))
	if err != nil {
		return fmt.Errorf("sealing %s: %w", formatted, err)
	}
	data, err := storage.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return k.repo.Put(storage.KeystoreScope, formatted, data)
}

// Delete removes item. Removing an absent item is not an error.
func (k *Keystore) Delete(item Item) error {
	return storage.DeleteIfExists(k.repo, storage.KeystoreScope, k.FormattedKey(item))
}

// DeleteItems removes every item belonging to userID except the device key.
func (k *Keystore) DeleteItems(userID string) error {
	for _, kind := range userKinds {
		if err := k.Delete(Item{Kind: kind, UserID: userID}); err != nil {
			return fmt.Errorf("deleting %s for %s: %w", kind, userID, err)
		}
	}
	return nil
}

// DeleteAll removes every keystore item, including ones written under a
// previous install's app ID.
func (k *Keystore) DeleteAll() error {
	return k.repo.DeleteScope(storage.KeystoreScope)
}

// ResealLegacy finds items written in the plaintext "raw" scheme and seals
// them with the wrapping key. Items belonging to another app ID are left
// alone. It returns how many items were resealed.
func (k *Keystore) ResealLegacy() (int, error) {
	keys, err := k.repo.List(storage.KeystoreScope)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	prefix := k.appID + ":"
	resealed := 0
	err = k.withKey(func(key []byte) error {
		for _, formatted := range keys {
			if !strings.HasPrefix(formatted, prefix) {
				continue
			}
			data, err := k.repo.Get(storage.KeystoreScope, formatted)
			if err != nil {
				return err
			}
			env, err := storage.DecodeEnvelope(data)
			if err != nil {
				return err
			}
			if env.Scheme != storage.SchemeRaw {
				continue
			}
			if err := k.put(key, formatted, env.Ciphertext); err != nil {
				return err
			}
			util.WipeBytes(env.Ciphertext)
			resealed++
		}
		return nil
	})
	if resealed > 0 {
		k.logger.Info("resealed legacy keystore items", "count", resealed)
	}
	return resealed, err
}

// PutLegacy stores value in the raw scheme. Only used to reproduce the layout
// of older installs.
func (k *Keystore) PutLegacy(item Item, value string) error {
	data, err := storage.EncodeEnvelope(&storage.Envelope{Ver: 1, Scheme: storage.SchemeRaw, Ciphertext: []byte(value)})
	if err != nil {
		return err
	}
	return k.repo.Put(storage.KeystoreScope, k.FormattedKey(item), data)
}

// Close destroys the in-memory wrapping key. The keystore must not be used afterwards.
func (k *Keystore) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = nil
}
