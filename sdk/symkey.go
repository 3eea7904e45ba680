package sdk

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/keystate/internal/util"
)

var keyIDInfo = []byte("keystate:key-id:v1")

// encrypter can seal data and identify itself.
type encrypter interface {
	ID() string
	encrypt(plain, aad []byte) ([]byte, error)
}

// decrypter can open data and identify itself.
type decrypter interface {
	ID() string
	decrypt(cipher, aad []byte) ([]byte, error)
}

// symmetricKey is a 256-bit AES-GCM key. Its ID is derived from the key
// bytes so a wrapped key can name the key that wrapped it.
type symmetricKey struct {
	id    string
	bytes []byte
}

func newSymmetricKey() (*symmetricKey, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}
	return symmetricKeyFrom(raw)
}

// symmetricKeyFrom takes ownership of raw.
func symmetricKeyFrom(raw []byte) (*symmetricKey, error) {
	if len(raw) != util.AESKeySize {
		return nil, fmt.Errorf("symmetric key must be %d bytes, got %d", util.AESKeySize, len(raw))
	}
	sum, err := util.HKDF(raw, nil, keyIDInfo)
	if err != nil {
		return nil, err
	}
	return &symmetricKey{id: util.HexEncode(sum[:8]), bytes: raw}, nil
}

func (k *symmetricKey) ID() string {
	return k.id
}

func (k *symmetricKey) encrypt(plain, aad []byte) ([]byte, error) {
	return util.EncryptAESWithAAD(plain, k.bytes, aad)
}

func (k *symmetricKey) decrypt(cipher, aad []byte) ([]byte, error) {
	return util.DecryptAESWithAAD(cipher, k.bytes, aad)
}

func (k *symmetricKey) wrap(e encrypter, aad []byte) (*wrappedKey, error) {
	enc, err := e.encrypt(k.bytes, aad)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return &wrappedKey{KeyID: k.id, EncryptedBy: e.ID(), Bytes: enc}, nil
}

func (k *symmetricKey) wipe() {
	util.WipeBytes(k.bytes)
}

// wrappedKey is a symmetric key sealed under another key.
type wrappedKey struct {
	KeyID       string `json:"keyId"`
	EncryptedBy string `json:"encryptedBy"`
	Bytes       []byte `json:"bytes"`
}

func (w *wrappedKey) unwrap(d decrypter, aad []byte) (*symmetricKey, error) {
	if w.EncryptedBy != d.ID() {
		return nil, fmt.Errorf("key %s is wrapped by %s, not %s", w.KeyID, w.EncryptedBy, d.ID())
	}
	raw, err := d.decrypt(w.Bytes, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key %s: %w", w.KeyID, err)
	}
	return symmetricKeyFrom(raw)
}

// rotate re-wraps the key from d to e without changing the key itself.
func (w *wrappedKey) rotate(d decrypter, e encrypter, aad []byte) error {
	k, err := w.unwrap(d, aad)
	if err != nil {
		return err
	}
	defer k.wipe()
	next, err := k.wrap(e, aad)
	if err != nil {
		return err
	}
	*w = *next
	return nil
}

func (w *wrappedKey) marshal() (string, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return util.B64Encode(b), nil
}

func unmarshalWrappedKey(s string) (*wrappedKey, error) {
	b, err := util.B64Decode(s)
	if err != nil {
		return nil, err
	}
	var w wrappedKey
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	return &w, nil
}
