// Package account defines the identity, registry and key-material types
// shared by the state, secrets, client and migration packages.
package account

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLength bounds user IDs so they stay usable as storage scope names.
const MaxUserIDLength = 256

// StateVersion is the current layout version of the persisted registry blob.
const StateVersion = 1

// KDFType selects the key derivation function for a user's master key.
type KDFType int

const (
	KDFPBKDF2SHA256 KDFType = 0
	KDFArgon2id     KDFType = 1
)

func (t KDFType) String() string {
	switch t {
	case KDFPBKDF2SHA256:
		return "pbkdf2-sha256"
	case KDFArgon2id:
		return "argon2id"
	default:
		return fmt.Sprintf("kdf(%d)", int(t))
	}
}

// KDFConfig holds the server-provided KDF parameters for one account.
// Memory is in MiB and only meaningful for Argon2id.
type KDFConfig struct {
	Type        KDFType `json:"kdf"`
	Iterations  uint32  `json:"kdfIterations"`
	Memory      uint32  `json:"kdfMemory,omitempty"`
	Parallelism uint32  `json:"kdfParallelism,omitempty"`
}

// DefaultKDFConfig returns the registration default: PBKDF2-SHA256, 600000 iterations.
func DefaultKDFConfig() KDFConfig {
	return KDFConfig{Type: KDFPBKDF2SHA256, Iterations: 600000}
}

// EnvironmentURLs are the server endpoints an account was created against.
type EnvironmentURLs struct {
	Base          string `json:"base,omitempty"`
	API           string `json:"api,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Icons         string `json:"icons,omitempty"`
	Notifications string `json:"notifications,omitempty"`
	Events        string `json:"events,omitempty"`
	WebVault      string `json:"webVault,omitempty"`
}

// APIURL returns the API endpoint, deriving it from Base when not set explicitly.
func (e EnvironmentURLs) APIURL() string {
	if e.API != "" {
		return e.API
	}
	if e.Base != "" {
		return strings.TrimSuffix(e.Base, "/") + "/api"
	}
	return ""
}

// DecryptionOptions records how the user key can be decrypted for an account.
type DecryptionOptions struct {
	HasMasterPassword bool   `json:"hasMasterPassword"`
	KeyConnectorURL   string `json:"keyConnectorUrl,omitempty"`
	TrustedDevice     bool   `json:"trustedDevice,omitempty"`
}

// UsesKeyConnector reports whether the master key is held by a key connector.
func (d DecryptionOptions) UsesKeyConnector() bool {
	return d.KeyConnectorURL != ""
}

// Profile is the identity half of an account.
type Profile struct {
	UserID            string            `json:"userId"`
	Email             string            `json:"email"`
	Name              string            `json:"name,omitempty"`
	EmailVerified     bool              `json:"emailVerified,omitempty"`
	KDF               KDFConfig         `json:"kdf"`
	DecryptionOptions DecryptionOptions `json:"userDecryptionOptions"`
}

// Settings holds per-account settings that travel with the registry blob.
type Settings struct {
	EnvironmentURLs EnvironmentURLs `json:"environmentUrls"`
}

// LegacyTokens are access/refresh tokens that installs predating keystore
// token storage kept inside the account record.
type LegacyTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Account is one logged-in user.
type Account struct {
	Profile      Profile       `json:"profile"`
	Settings     Settings      `json:"settings"`
	LegacyTokens *LegacyTokens `json:"tokens,omitempty"`
}

// UserID returns the account's primary key.
func (a Account) UserID() string {
	return a.Profile.UserID
}

// Validate checks the fields the registry depends on.
func (a Account) Validate() error {
	if err := ValidateUserID(a.Profile.UserID); err != nil {
		return err
	}
	if a.Profile.Email == "" {
		return fmt.Errorf("%w: email must not be empty", ErrInvalidAccount)
	}
	return nil
}

// ValidateUserID rejects IDs that are empty, oversized, or unsafe as storage keys.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: user ID must not be empty", ErrInvalidAccount)
	}
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("%w: user ID exceeds maximum length of %d", ErrInvalidAccount, MaxUserIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: user ID contains invalid UTF-8", ErrInvalidAccount)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return fmt.Errorf("%w: user ID contains forbidden character %q", ErrInvalidAccount, r)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: user ID contains control character", ErrInvalidAccount)
		}
	}
	return nil
}

// State is the persisted account registry: every known account plus the
// active user ID. ActiveUserID, when set, always names a key of Accounts.
type State struct {
	Ver          int                `json:"ver"`
	ActiveUserID string             `json:"activeUserId,omitempty"`
	Accounts     map[string]Account `json:"accounts"`
}

// NewState returns an empty registry at the current layout version.
func NewState() *State {
	return &State{Ver: StateVersion, Accounts: make(map[string]Account)}
}

// ActiveAccount returns the active account if ActiveUserID resolves.
func (s *State) ActiveAccount() (Account, bool) {
	if s == nil || s.ActiveUserID == "" {
		return Account{}, false
	}
	a, ok := s.Accounts[s.ActiveUserID]
	return a, ok
}

// UserIDs returns the registered user IDs in ascending order.
func (s *State) UserIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Accounts))
	for id := range s.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy so callers can mutate without aliasing the registry.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := &State{Ver: s.Ver, ActiveUserID: s.ActiveUserID, Accounts: make(map[string]Account, len(s.Accounts))}
	for id, a := range s.Accounts {
		if a.LegacyTokens != nil {
			t := *a.LegacyTokens
			a.LegacyTokens = &t
		}
		cp.Accounts[id] = a
	}
	return cp
}

// EncryptionKeys is the per-user key material held by the secret store.
// EncryptedPrivateKey and EncryptedUserKey are required; the rest is optional.
type EncryptionKeys struct {
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	EncryptedUserKey    string `json:"encryptedUserKey"`
	SigningKey          string `json:"signingKey,omitempty"`
	SecurityState       string `json:"securityState,omitempty"`
}
