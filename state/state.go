// Package state tracks the logged-in accounts and which one is active, and
// exposes the per-user secret store through the "given user or else the
// active user" resolution rule.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/secrets"
	"github.com/jmcleod/keystate/settings"
)

// LogoutHook runs after an account has been removed and its secrets purged.
// Hooks receive the concrete user ID. They run after the registry lock is
// released and before Logout returns, so they may call back into the Service.
type LogoutHook func(ctx context.Context, userID string)

// Service is the account registry. One mutex guards the in-memory registry,
// its persisted copy and every secret-store call made on a resolved user, so
// a logout can never interleave with a write for the same user.
type Service struct {
	settings *settings.Store
	secrets  *secrets.Store
	logger   *slog.Logger

	mu    sync.Mutex
	state *account.State
	hooks []LogoutHook
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New loads the persisted registry. An active user ID that no longer
// resolves is cleared.
func New(st *settings.Store, sec *secrets.Store, opts ...Option) (*Service, error) {
	s := &Service{settings: st, secrets: sec, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) reload() error {
	loaded, err := s.settings.State()
	if err != nil {
		return fmt.Errorf("loading account registry: %w", err)
	}
	if loaded == nil {
		loaded = account.NewState()
	}
	if loaded.ActiveUserID != "" {
		if _, ok := loaded.Accounts[loaded.ActiveUserID]; !ok {
			s.logger.Warn("clearing dangling active user", "user_id", loaded.ActiveUserID)
			loaded.ActiveUserID = ""
		}
	}
	s.state = loaded
	return nil
}

// OnLogout registers a hook run by Logout.
func (s *Service) OnLogout(hook LogoutHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// commitLocked persists next and makes it current. On failure the in-memory
// registry is left unchanged.
func (s *Service) commitLocked(next *account.State) error {
	if err := s.settings.SetState(next); err != nil {
		return fmt.Errorf("persisting account registry: %w", err)
	}
	s.state = next
	return nil
}

// AddAccount inserts or replaces acct and makes it active.
func (s *Service) AddAccount(ctx context.Context, acct account.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := acct.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.Clone()
	next.Accounts[acct.UserID()] = acct
	next.ActiveUserID = acct.UserID()
	if err := s.commitLocked(next); err != nil {
		return err
	}
	s.logger.Info("account added", "user_id", acct.UserID(), "accounts", len(next.Accounts))
	return nil
}

// Accounts returns every account ordered by user ID.
func (s *Service) Accounts(ctx context.Context) ([]account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.Accounts) == 0 {
		return nil, account.ErrNoAccounts
	}
	ids := s.state.UserIDs()
	out := make([]account.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.state.Accounts[id])
	}
	return out, nil
}

// ActiveAccount returns the active account.
func (s *Service) ActiveAccount(ctx context.Context) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Service) activeLocked() (account.Account, error) {
	a, ok := s.state.ActiveAccount()
	if !ok {
		return account.Account{}, account.ErrNoActiveAccount
	}
	return a, nil
}

// SetActiveAccount switches the active account.
func (s *Service) SetActiveAccount(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Accounts[userID]; !ok {
		return fmt.Errorf("%s: %w", userID, account.ErrNoAccounts)
	}
	if s.state.ActiveUserID == userID {
		return nil
	}
	next := s.state.Clone()
	next.ActiveUserID = userID
	return s.commitLocked(next)
}

// ResolveUserID returns userID if it names a known account, or the active
// user when userID is "". An unknown ID fails with account.ErrNoAccounts;
// "" with no active account fails with account.ErrNoActiveAccount.
func (s *Service) ResolveUserID(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(userID)
}

func (s *Service) resolveLocked(userID string) (string, error) {
	if userID == "" {
		a, err := s.activeLocked()
		if err != nil {
			return "", err
		}
		return a.UserID(), nil
	}
	if _, ok := s.state.Accounts[userID]; !ok {
		return "", fmt.Errorf("%s: %w", userID, account.ErrNoAccounts)
	}
	return userID, nil
}

// Account returns the account for userID, or the active account for "".
func (s *Service) Account(ctx context.Context, userID string) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.resolveLocked(userID)
	if err != nil {
		return account.Account{}, err
	}
	return s.state.Accounts[id], nil
}

// UpdateAccount applies fn to the resolved account and persists the result.
// The user ID cannot be changed.
func (s *Service) UpdateAccount(ctx context.Context, userID string, fn func(*account.Account)) error {
	return s.Update(ctx, func(st *account.State) error {
		id := userID
		if id == "" {
			id = st.ActiveUserID
		}
		a, ok := st.Accounts[id]
		if !ok {
			if userID == "" {
				return account.ErrNoActiveAccount
			}
			return fmt.Errorf("%s: %w", userID, account.ErrNoAccounts)
		}
		fn(&a)
		if a.UserID() != id {
			return fmt.Errorf("%w: user ID is immutable", account.ErrInvalidAccount)
		}
		st.Accounts[id] = a
		return nil
	})
}

// Update runs fn on a copy of the registry and persists it if fn succeeds.
// It is the only way other components may rewrite the registry blob.
func (s *Service) Update(ctx context.Context, fn func(*account.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if next.ActiveUserID != "" {
		if _, ok := next.Accounts[next.ActiveUserID]; !ok {
			return fmt.Errorf("%w: active user %s is not registered", account.ErrInvalidAccount, next.ActiveUserID)
		}
	}
	return s.commitLocked(next)
}

// Logout removes the resolved account and purges its secrets. If it was
// active, the remaining account with the lowest user ID becomes active.
// Logout hooks run after the registry lock is released and before Logout
// returns. It returns the user ID that was logged out.
func (s *Service) Logout(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	id, err := s.resolveLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	next := s.state.Clone()
	delete(next.Accounts, id)
	if next.ActiveUserID == id {
		next.ActiveUserID = ""
		if ids := next.UserIDs(); len(ids) > 0 {
			next.ActiveUserID = ids[0]
		}
	}
	if err := s.commitLocked(next); err != nil {
		s.mu.Unlock()
		return "", err
	}
	purgeErr := s.secrets.Purge(id)
	hooks := append([]LogoutHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, id)
	}
	s.logger.Info("account logged out", "user_id", id, "active_user_id", next.ActiveUserID)
	if purgeErr != nil {
		return id, fmt.Errorf("purging secrets for %s: %w", id, purgeErr)
	}
	return id, nil
}

// withUser resolves userID and runs fn with the registry lock held.
func (s *Service) withUser(ctx context.Context, userID string, fn func(id string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.resolveLocked(userID)
	if err != nil {
		return err
	}
	return fn(id)
}

// IsNoAccount reports whether err is one of the registry absence errors.
func IsNoAccount(err error) bool {
	return errors.Is(err, account.ErrNoAccounts) || errors.Is(err, account.ErrNoActiveAccount)
}
