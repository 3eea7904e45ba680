package serverconfig

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// cipherKeyEncryptionMinVersion is the first server release that accepts
// items sealed under their own key.
var cipherKeyEncryptionMinVersion = [3]int{2024, 2, 0}

// ServerInfo identifies a self-hosted or third-party server.
type ServerInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Environment lists the endpoints the server advertises.
type Environment struct {
	CloudRegion   string `json:"cloudRegion,omitempty"`
	Vault         string `json:"vault,omitempty"`
	API           string `json:"api,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Notifications string `json:"notifications,omitempty"`
	SSO           string `json:"sso,omitempty"`
}

// Response is the body of GET /api/config.
type Response struct {
	Version       string                     `json:"version"`
	GitHash       string                     `json:"gitHash"`
	Server        *ServerInfo                `json:"server,omitempty"`
	Environment   *Environment               `json:"environment,omitempty"`
	FeatureStates map[string]json.RawMessage `json:"featureStates,omitempty"`
}

// ServerConfig is a Response stamped with the time it was fetched.
type ServerConfig struct {
	Date          time.Time                  `json:"date"`
	Version       string                     `json:"version"`
	GitHash       string                     `json:"gitHash"`
	Server        *ServerInfo                `json:"server,omitempty"`
	Environment   *Environment               `json:"environment,omitempty"`
	FeatureStates map[string]json.RawMessage `json:"featureStates,omitempty"`
}

// NewServerConfig builds a ServerConfig from a fetched response.
func NewServerConfig(date time.Time, r Response) *ServerConfig {
	return &ServerConfig{
		Date:          date,
		Version:       r.Version,
		GitHash:       r.GitHash,
		Server:        r.Server,
		Environment:   r.Environment,
		FeatureStates: r.FeatureStates,
	}
}

// IsStale reports whether the config is older than interval at now.
func (c *ServerConfig) IsStale(now time.Time, interval time.Duration) bool {
	return c == nil || now.Sub(c.Date) >= interval
}

// SupportsCipherKeyEncryption reports whether the server version is new
// enough to accept per-item cipher keys.
func (c *ServerConfig) SupportsCipherKeyEncryption() bool {
	if c == nil {
		return false
	}
	v, ok := parseVersion(c.Version)
	if !ok {
		return false
	}
	for i := range v {
		if v[i] != cipherKeyEncryptionMinVersion[i] {
			return v[i] > cipherKeyEncryptionMinVersion[i]
		}
	}
	return true
}

// parseVersion reads "YYYY.M.P" with an optional "-suffix".
func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	s, _, _ = strings.Cut(s, "-")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// flagValue decodes the named feature state into a T.
func flagValue[T Value](c *ServerConfig, name string) (T, bool) {
	var v T
	if c == nil {
		return v, false
	}
	raw, ok := c.FeatureStates[name]
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}
