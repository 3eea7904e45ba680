package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/keystate/internal/util"
)

const (
	// SchemeAESGCM marks an envelope sealed with AES-256-GCM.
	SchemeAESGCM = "aes256gcm"
	// SchemeRaw marks a legacy envelope whose Ciphertext is the plaintext
	// value. Older installs wrote keystore items this way.
	SchemeRaw = "raw"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	nonce := cipher[:util.GCMNonceSize]
	ciphertext := cipher[util.GCMNonceSize:]

	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
}

// EncodeEnvelope serializes an envelope for storage in a Repository.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses an envelope previously written by EncodeEnvelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}
