// Package aad builds the length-prefixed additional authenticated data bound
// into every AES-GCM seal in this module, so a ciphertext copied to another
// user or item fails to open.
package aad

import (
	"encoding/binary"
)

const (
	aadKeystoreItem = "KEYSTORE"
	aadUserKey      = "USERKEY"
	aadPrivateKey   = "PRIVKEY"
	aadPinKey       = "PINKEY"
	aadEncryptedPin = "PIN"
	aadCipherKey    = "CIPHERKEY"
	aadData         = "DATA"
)

// KeystoreItem binds a sealed keystore value to its formatted item key.
func KeystoreItem(formattedKey string, ver int) []byte {
	return build(aadKeystoreItem, formattedKey, ver)
}

// UserKeyWrap binds a user key wrapped by a master key to the KDF salt the
// master key was derived with.
func UserKeyWrap(salt string, ver int) []byte {
	return build(aadUserKey, salt, ver)
}

// PrivateKeyWrap binds the account private key sealed under the user key.
func PrivateKeyWrap(ver int) []byte {
	return build(aadPrivateKey, ver)
}

// PinKeyWrap binds a PIN-protected user key to the KDF salt of the PIN key.
func PinKeyWrap(salt string, ver int) []byte {
	return build(aadPinKey, salt, ver)
}

// EncryptedPin binds the PIN sealed under the user key.
func EncryptedPin(ver int) []byte {
	return build(aadEncryptedPin, ver)
}

// CipherKeyWrap binds a per-item key sealed under the user key.
func CipherKeyWrap(keyID string, ver int) []byte {
	return build(aadCipherKey, keyID, ver)
}

// Data binds user data sealed by a crypto client.
func Data(ver int) []byte {
	return build(aadData, ver)
}

func build(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
