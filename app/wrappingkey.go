package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/keystate/internal/util"
)

const wrappingKeySize = 32

// loadWrappingKey reads the keystore wrapping key, generating it on first
// use. The file must not be readable by group or others.
func loadWrappingKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return createWrappingKey(path)
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("wrapping key %s has permissions %v, want 0600", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != wrappingKeySize {
		return nil, fmt.Errorf("wrapping key %s: want %d base64 bytes", path, wrappingKeySize)
	}
	return key, nil
}

func createWrappingKey(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	key, err := util.RandomBytes(wrappingKeySize)
	if err != nil {
		return nil, err
	}
	enc := base64.StdEncoding.EncodeToString(key) + "\n"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating wrapping key: %w", err)
	}
	if _, err := f.WriteString(enc); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return key, nil
}
