package util

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateX25519Keypair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("error generating random bytes for X25519 private key: %w", err)
	}

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := X25519PublicKey(priv)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Private: priv,
		Public:  pub,
	}, nil
}

// X25519PublicKey recomputes the public half of an X25519 private key.
func X25519PublicKey(priv [32]byte) ([32]byte, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("deriving X25519 public key: %w", err)
	}
	var res [32]byte
	copy(res[:], pub)
	return res, nil
}
