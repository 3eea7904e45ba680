// Package client keeps one crypto client per logged-in user.
//
// Handles are built lazily on first use, at most once per user, and dropped
// on logout. Callers working before any account exists ask for a pre-auth
// handle, which is never cached.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/keystate/account"
	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/sdk"
	"github.com/jmcleod/keystate/serverconfig"
)

// ErrMissingPreAuth is reported when a user handle is requested but no
// account resolves. The caller should have asked for a pre-auth handle.
var ErrMissingPreAuth = errors.New("client requested with no account and without isPreAuth")

// Handle is a crypto client that accepts capability flags.
type Handle interface {
	LoadFlags(sdk.Flags) error
}

// Resolver maps "" to the active user and checks that other IDs exist.
type Resolver interface {
	ResolveUserID(ctx context.Context, userID string) (string, error)
}

// FlagSource supplies the flags applied to handles.
type FlagSource interface {
	FlagsFor(ctx context.Context, userID string) (sdk.Flags, error)
	DeriveFlags(cfg *serverconfig.ServerConfig) sdk.Flags
}

type options struct {
	flags    FlagSource
	reporter reporter.Reporter
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*options)

// WithFlagSource enables flag loading on construction and in Watch.
func WithFlagSource(f FlagSource) Option {
	return func(o *options) { o.flags = f }
}

func WithReporter(r reporter.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Cache maps user IDs to handles.
type Cache[H Handle] struct {
	resolver Resolver
	factory  func() H
	options

	group singleflight.Group

	mu      sync.Mutex
	clients map[string]H
	// gens is bumped on eviction so a construction that straddles a
	// logout is not inserted.
	gens map[string]uint64
	// pending holds flags from updates that arrived while the user had no
	// handle. Construction clears the entry when it starts and applies any
	// entry recorded since before publishing the handle.
	pending map[string]sdk.Flags
}

// New returns an empty cache building handles with factory.
func New[H Handle](resolver Resolver, factory func() H, opts ...Option) *Cache[H] {
	c := &Cache[H]{
		resolver: resolver,
		factory:  factory,
		options:  options{logger: slog.Default()},
		clients:  make(map[string]H),
		gens:     make(map[string]uint64),
		pending:  make(map[string]sdk.Flags),
	}
	for _, opt := range opts {
		opt(&c.options)
	}
	c.logger = c.logger.With("component", "client_cache")
	if c.reporter == nil {
		c.reporter = reporter.NewSlog(c.logger)
	}
	return c
}

// Client returns the handle for userID ("" for the active user). Pre-auth
// requests always get a new, uncached handle. A request that resolves to no
// account is reported as ErrMissingPreAuth and also gets a new handle.
func (c *Cache[H]) Client(ctx context.Context, userID string, isPreAuth bool) (H, error) {
	if isPreAuth {
		return c.factory(), nil
	}
	id, err := c.resolver.ResolveUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNoAccounts) || errors.Is(err, account.ErrNoActiveAccount) {
			c.reporter.Log(ctx, fmt.Errorf("%w: %w", ErrMissingPreAuth, err))
			return c.factory(), nil
		}
		var zero H
		return zero, err
	}

	c.mu.Lock()
	if h, ok := c.clients[id]; ok {
		c.mu.Unlock()
		return h, nil
	}
	gen := c.gens[id]
	c.mu.Unlock()

	v, _, _ := c.group.Do(id, func() (any, error) {
		c.mu.Lock()
		if h, ok := c.clients[id]; ok {
			c.mu.Unlock()
			return h, nil
		}
		delete(c.pending, id)
		c.mu.Unlock()

		h := c.factory()
		c.configure(ctx, id, h)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gens[id] != gen {
			c.logger.Debug("user evicted during construction, not caching", "user_id", id)
			return h, nil
		}
		// Flags pushed while configure ran are newer than what it read.
		if flags, ok := c.pending[id]; ok {
			delete(c.pending, id)
			if err := h.LoadFlags(flags); err != nil {
				c.reporter.Log(ctx, fmt.Errorf("applying flags for %s: %w", id, err))
			}
		}
		c.clients[id] = h
		c.logger.Debug("constructed client", "user_id", id)
		return h, nil
	})
	return v.(H), nil
}

// configure applies the user's flags. Failures are reported and the handle
// keeps its defaults.
func (c *Cache[H]) configure(ctx context.Context, userID string, h H) {
	if c.flags == nil {
		return
	}
	flags, err := c.flags.FlagsFor(ctx, userID)
	if err != nil {
		c.reporter.Log(ctx, fmt.Errorf("loading flags for %s: %w", userID, err))
		return
	}
	if err := h.LoadFlags(flags); err != nil {
		c.reporter.Log(ctx, fmt.Errorf("applying flags for %s: %w", userID, err))
	}
}

// Remove evicts the handle of the resolved user.
func (c *Cache[H]) Remove(ctx context.Context, userID string) error {
	id, err := c.resolver.ResolveUserID(ctx, userID)
	if err != nil {
		return err
	}
	c.Evict(ctx, id)
	return nil
}

// Evict drops the handle cached for a concrete user ID. Its signature
// matches a logout hook, which runs after the user stops resolving.
func (c *Cache[H]) Evict(_ context.Context, userID string) {
	c.mu.Lock()
	delete(c.clients, userID)
	delete(c.pending, userID)
	c.gens[userID]++
	c.mu.Unlock()
	c.group.Forget(userID)
}

// Cached returns the handle for a concrete user ID without building one.
func (c *Cache[H]) Cached(userID string) (H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.clients[userID]
	return h, ok
}

// Len reports the number of cached handles.
func (c *Cache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Watch pushes flags from each fresh user config into that user's cached
// handle. Users without a handle get their flags at construction instead,
// including a construction already under way. It returns when ctx ends or
// updates is closed.
func (c *Cache[H]) Watch(ctx context.Context, updates <-chan serverconfig.Update) {
	if c.flags == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.IsPreAuth || u.Config == nil {
				continue
			}
			flags := c.flags.DeriveFlags(u.Config)
			c.mu.Lock()
			h, ok := c.clients[u.UserID]
			if !ok {
				c.pending[u.UserID] = flags
			}
			c.mu.Unlock()
			if !ok {
				continue
			}
			if err := h.LoadFlags(flags); err != nil {
				c.reporter.Log(ctx, fmt.Errorf("applying flags for %s: %w", u.UserID, err))
			}
		}
	}
}
