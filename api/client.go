// Package api is the HTTP side of the core: it fetches server configs and
// key connector master keys, authenticating with the user's access token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/secrets"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "keystate/1.0"
)

var (
	ErrNoBaseURL    = errors.New("no server URL configured")
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// errorBody is the JSON error shape servers reply with.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TokenSource supplies a user's session tokens.
type TokenSource interface {
	Tokens(ctx context.Context, userID string) (secrets.Tokens, error)
}

// AccountSource supplies a user's environment URLs.
type AccountSource interface {
	Account(ctx context.Context, userID string) (account.Account, error)
}

// Client talks to the server and to key connectors.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	accounts AccountSource
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithAccounts lets user requests use the account's own API URL.
func WithAccounts(a AccountSource) Option {
	return func(cl *Client) { cl.accounts = a }
}

// New returns a Client for the server at baseURL. tokens may be nil, in
// which case requests carry no bearer token.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

// apiURL returns the API root for userID. Pre-auth requests and accounts
// without their own environment use the configured server.
func (c *Client) apiURL(ctx context.Context, userID string) (string, error) {
	if userID != "" && c.accounts != nil {
		acct, err := c.accounts.Account(ctx, userID)
		if err != nil {
			return "", err
		}
		if u := acct.Settings.EnvironmentURLs.APIURL(); u != "" {
			return strings.TrimSuffix(u, "/"), nil
		}
	}
	if c.baseURL == "" {
		return "", ErrNoBaseURL
	}
	return c.baseURL + "/api", nil
}

// getJSON performs an authenticated GET and decodes the response into v.
func (c *Client) getJSON(ctx context.Context, url, userID string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if userID != "" && c.tokens != nil {
		t, err := c.tokens.Tokens(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading tokens: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+t.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Message
		}
		c.logger.Debug("request failed", "url", url, "status", resp.StatusCode)
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
