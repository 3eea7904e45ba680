package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/keystate/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte("top secret")
	aad := []byte("context")

	env, err := SealRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}

	if env.Ver != 1 || env.Scheme != SchemeAESGCM {
		t.Errorf("unexpected envelope header: ver=%d scheme=%s", env.Ver, env.Scheme)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}

	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := util.NewAESKey()
		_, err := OpenRecord(other, env, aad)
		if err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("RawSchemeRejected", func(t *testing.T) {
		raw := &Envelope{Ver: 1, Scheme: SchemeRaw, Ciphertext: plain}
		_, err := OpenRecord(key, raw, aad)
		if err == nil {
			t.Error("expected raw scheme to be rejected by OpenRecord")
		}
	})

	t.Run("EncodeDecode", func(t *testing.T) {
		data, err := EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("EncodeEnvelope failed: %v", err)
		}
		decoded, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("DecodeEnvelope failed: %v", err)
		}
		got, err := OpenRecord(key, decoded, aad)
		if err != nil || !bytes.Equal(got, plain) {
			t.Errorf("round trip through encoding failed: %v", err)
		}
	})
}

func TestUserScope(t *testing.T) {
	if UserScope("u1") != "user:u1" {
		t.Errorf("unexpected user scope %q", UserScope("u1"))
	}
}
