package util

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const PBKDF2KeyLength = 32

// MinPBKDF2Iterations is the lowest iteration count accepted for password
// derived keys.
const MinPBKDF2Iterations = 5000

func DerivePBKDF2Key(password, salt []byte, iterations int) ([]byte, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("pbkdf2 iterations must be positive, got %d", iterations)
	}
	return pbkdf2.Key(password, salt, iterations, PBKDF2KeyLength, sha256.New), nil
}
