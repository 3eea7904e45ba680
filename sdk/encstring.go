package sdk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/keystate/internal/util"
)

// ErrInvalidEncString is returned for strings that are not a known encrypted format.
var ErrInvalidEncString = errors.New("invalid encrypted string")

// EncString types.
const (
	// encTypeAESGCM is "7.<b64 nonce||ciphertext>".
	encTypeAESGCM = "7"
	// encTypeCipherKey is "8.<b64 wrapped item key>|<b64 nonce||ciphertext>":
	// the data is sealed under its own key, which is sealed under the user key.
	encTypeCipherKey = "8"
)

// EncString is an encrypted value in its portable text form.
type EncString string

func newEncString(sealed []byte) EncString {
	return EncString(encTypeAESGCM + "." + util.B64Encode(sealed))
}

func newCipherKeyEncString(item *wrappedKey, sealed []byte) (EncString, error) {
	wk, err := item.marshal()
	if err != nil {
		return "", err
	}
	return EncString(encTypeCipherKey + "." + wk + "|" + util.B64Encode(sealed)), nil
}

// parse splits s into its type and payload parts.
func (s EncString) parse() (string, []string, error) {
	typ, payload, ok := strings.Cut(string(s), ".")
	if !ok || payload == "" {
		return "", nil, ErrInvalidEncString
	}
	parts := strings.Split(payload, "|")
	switch {
	case typ == encTypeAESGCM && len(parts) == 1:
	case typ == encTypeCipherKey && len(parts) == 2:
	default:
		return "", nil, fmt.Errorf("%w: type %q with %d parts", ErrInvalidEncString, typ, len(parts))
	}
	return typ, parts, nil
}

func (s EncString) sealed() ([]byte, error) {
	typ, parts, err := s.parse()
	if err != nil {
		return nil, err
	}
	if typ != encTypeAESGCM {
		return nil, fmt.Errorf("%w: expected type %s", ErrInvalidEncString, encTypeAESGCM)
	}
	b, err := util.B64Decode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncString, err)
	}
	return b, nil
}

// sealString seals plain under k as a type 7 EncString.
func sealString(k encrypter, plain, aad []byte) (EncString, error) {
	sealed, err := k.encrypt(plain, aad)
	if err != nil {
		return "", err
	}
	return newEncString(sealed), nil
}

// openString opens a type 7 EncString with k.
func openString(k decrypter, s EncString, aad []byte) ([]byte, error) {
	sealed, err := s.sealed()
	if err != nil {
		return nil, err
	}
	return k.decrypt(sealed, aad)
}
