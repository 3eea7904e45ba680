package sdk

import (
	"crypto/sha256"
	"fmt"
	"math"
	"strings"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/internal/util"
)

var stretchInfo = []byte("keystate:stretched-master-key:v1")

// Argon2id lower bounds, in the server's units (iterations, MiB, lanes).
const (
	minArgon2Iterations  = 2
	minArgon2MemoryMiB   = 16
	minArgon2Parallelism = 1
)

// KDFSalt normalizes an email address into the salt used for master and PIN keys.
func KDFSalt(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DeriveMasterKey derives the 32-byte master key for password. The password
// is NFKD-normalized and the salt is the normalized email.
func DeriveMasterKey(password, email string, kdf account.KDFConfig) ([]byte, error) {
	pw := []byte(util.Normalize(password))
	defer util.WipeBytes(pw)
	salt := []byte(KDFSalt(email))

	switch kdf.Type {
	case account.KDFPBKDF2SHA256:
		if kdf.Iterations < util.MinPBKDF2Iterations {
			return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", kdf.Iterations, util.MinPBKDF2Iterations)
		}
		return util.DerivePBKDF2Key(pw, salt, int(kdf.Iterations))
	case account.KDFArgon2id:
		if kdf.Iterations < minArgon2Iterations || kdf.Memory < minArgon2MemoryMiB || kdf.Parallelism < minArgon2Parallelism {
			return nil, fmt.Errorf("argon2id parameters below minimum: %+v", kdf)
		}
		if kdf.Parallelism > math.MaxUint8 || kdf.Memory > math.MaxUint32/1024 {
			return nil, fmt.Errorf("argon2id parameters out of range: %+v", kdf)
		}
		saltHash := sha256.Sum256(salt)
		return util.DeriveArgon2idKey(pw, saltHash[:], util.Argon2idParams{
			Time:        kdf.Iterations,
			MemoryKiB:   kdf.Memory * 1024,
			Parallelism: uint8(kdf.Parallelism),
			KeyLen:      32,
		})
	default:
		return nil, fmt.Errorf("unsupported kdf %s", kdf.Type)
	}
}

// HashMasterPassword returns the server-side authentication hash of a
// master key: one PBKDF2 round of the key salted with the password.
func HashMasterPassword(masterKey []byte, password string) (string, error) {
	h, err := util.DerivePBKDF2Key(masterKey, []byte(util.Normalize(password)), 1)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(h)
	return util.B64Encode(h), nil
}

// stretch turns a master or PIN key into the key that wraps the user key.
func stretch(masterKey []byte) (*symmetricKey, error) {
	k, err := util.HKDF(masterKey, nil, stretchInfo)
	if err != nil {
		return nil, err
	}
	return symmetricKeyFrom(k)
}
