// Package serverconfig caches the server's configuration and feature flags
// per user. Reads are answered locally while the cached copy is fresh; a
// stale or forced read makes one network attempt and falls back to the
// local copy if it fails.
package serverconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/keystate/clock"
	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/sdk"
	"github.com/jmcleod/keystate/settings"
)

// DefaultMinimumSyncInterval is how long a fetched config stays fresh.
const DefaultMinimumSyncInterval = time.Hour

const subscriberBuffer = 16

var (
	// ErrNoConfig is returned when neither the network nor the local store
	// can supply a config.
	ErrNoConfig = errors.New("no server config available")
	// ErrClosed is returned by fetches after Close.
	ErrClosed = errors.New("server config service closed")
	// ErrForgotten is returned by a fetch for a user logged out after the
	// caller resolved them.
	ErrForgotten = errors.New("user was logged out")
)

// Fetcher retrieves the config from the server. An empty userID requests
// the unauthenticated config.
type Fetcher interface {
	FetchConfig(ctx context.Context, userID string) (*Response, error)
}

// Resolver maps "" to the active user and checks that other IDs exist.
type Resolver interface {
	ResolveUserID(ctx context.Context, userID string) (string, error)
}

// Update is published after every successful fetch.
type Update struct {
	IsPreAuth bool
	UserID    string
	Config    *ServerConfig
}

// Service is the config cache. A single mutex guards the subscriber set,
// the per-user contexts and every write of a fetched config.
type Service struct {
	settings *settings.Store
	resolver Resolver
	fetcher  Fetcher
	clock    clock.Clock
	reporter reporter.Reporter
	logger   *slog.Logger
	minSync  time.Duration

	group singleflight.Group

	mu       sync.Mutex
	base     context.Context
	cancel   context.CancelFunc
	closed   bool
	inflight map[string]bool
	users    map[string]*userScope
	// forgets counts Forget calls; forgotAt holds the count after each
	// user's last Forget.
	forgets  uint64
	forgotAt map[string]uint64
	subs     map[int]chan Update
	nextSub  int
}

type userScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithReporter(r reporter.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMinimumSyncInterval overrides DefaultMinimumSyncInterval. Values <= 0
// are ignored.
func WithMinimumSyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.minSync = d
		}
	}
}

// New returns a Service reading and writing configs through st.
func New(st *settings.Store, resolver Resolver, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		settings: st,
		resolver: resolver,
		fetcher:  fetcher,
		clock:    clock.System{},
		logger:   slog.Default(),
		minSync:  DefaultMinimumSyncInterval,
		inflight: make(map[string]bool),
		users:    make(map[string]*userScope),
		forgotAt: make(map[string]uint64),
		subs:     make(map[int]chan Update),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "serverconfig")
	if s.reporter == nil {
		s.reporter = reporter.NewSlog(s.logger)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// GetConfig returns the active user's config, or the unauthenticated config
// when isPreAuth is set. A caller that asks for a user config with no active
// account is served the unauthenticated config. The result is nil only when
// nothing is cached and the fetch failed.
func (s *Service) GetConfig(ctx context.Context, forceRefresh, isPreAuth bool) *ServerConfig {
	epoch := s.epoch()
	if !isPreAuth {
		userID, err := s.resolver.ResolveUserID(ctx, "")
		if err == nil {
			return s.get(ctx, userID, forceRefresh, epoch)
		}
		s.logger.Debug("no active account, using pre-auth config", "error", err)
	}
	return s.get(ctx, "", forceRefresh, epoch)
}

// GetConfigFor returns the config for a specific user. "" resolves to the
// active user.
func (s *Service) GetConfigFor(ctx context.Context, userID string, forceRefresh bool) (*ServerConfig, error) {
	epoch := s.epoch()
	id, err := s.resolver.ResolveUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, id, forceRefresh, epoch), nil
}

// epoch is taken before resolving a user, so a Forget that lands between
// resolution and fetch is seen by scope.
func (s *Service) epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forgets
}

func fetchKey(userID string) string {
	if userID == "" {
		return "preauth"
	}
	return "user:" + userID
}

func (s *Service) load(userID string) (*ServerConfig, error) {
	var cfg ServerConfig
	var found bool
	var err error
	if userID == "" {
		found, err = s.settings.PreAuthServerConfig(&cfg)
	} else {
		found, err = s.settings.ServerConfig(userID, &cfg)
	}
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) get(ctx context.Context, userID string, force bool, epoch uint64) *ServerConfig {
	local, err := s.load(userID)
	if err != nil {
		s.reporter.Log(ctx, fmt.Errorf("loading server config: %w", err))
	}
	if !force && !local.IsStale(s.clock.Now(), s.minSync) {
		return local
	}

	key := fetchKey(userID)
	s.mu.Lock()
	busy := s.inflight[key]
	s.mu.Unlock()
	if busy && local != nil && !force {
		return local
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.fetch(userID, key, epoch)
	})
	select {
	case <-ctx.Done():
		return local
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*ServerConfig)
		}
		s.reporter.Log(ctx, fmt.Errorf("refreshing server config: %w", res.Err))
		if local == nil && userID != "" {
			return s.adoptPreAuth(ctx, userID)
		}
		return local
	}
}

// fetch runs at most once per key at a time. It uses the user's own
// context so a logout aborts it regardless of which caller started it.
func (s *Service) fetch(userID, key string, epoch uint64) (*ServerConfig, error) {
	fctx, err := s.scope(userID, epoch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inflight[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	resp, err := s.fetcher.FetchConfig(fctx, userID)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoConfig
	}
	cfg := NewServerConfig(s.clock.Now(), *resp)
	if err := s.persist(fctx, userID, cfg); err != nil {
		return nil, err
	}
	s.publish(Update{IsPreAuth: userID == "", UserID: userID, Config: cfg})
	return cfg, nil
}

// scope returns the user's fetch context, creating it unless the user was
// forgotten after the caller resolved them.
func (s *Service) scope(userID string, epoch uint64) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if userID == "" {
		return s.base, nil
	}
	u, ok := s.users[userID]
	if !ok {
		if s.forgotAt[userID] > epoch {
			return nil, fmt.Errorf("user %s: %w", userID, ErrForgotten)
		}
		ctx, cancel := context.WithCancel(s.base)
		u = &userScope{ctx: ctx, cancel: cancel}
		s.users[userID] = u
	}
	return u.ctx, nil
}

// persist writes cfg unless ctx was cancelled by Forget or Close. Writes are
// serialized by mu.
func (s *Service) persist(ctx context.Context, userID string, cfg *ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return s.settings.SetPreAuthServerConfig(cfg)
	}
	return s.settings.SetServerConfig(userID, cfg)
}

// adoptPreAuth copies the unauthenticated config to a user who has none.
func (s *Service) adoptPreAuth(ctx context.Context, userID string) *ServerConfig {
	pre, err := s.load("")
	if err != nil {
		s.reporter.Log(ctx, fmt.Errorf("loading pre-auth server config: %w", err))
		return nil
	}
	if pre == nil {
		return nil
	}
	// A missing scope means the user was forgotten while fetching.
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return pre
	}
	if err := s.persist(u.ctx, userID, pre); err != nil {
		s.reporter.Log(ctx, fmt.Errorf("copying pre-auth server config: %w", err))
	}
	return pre
}

// Subscribe returns a channel receiving an Update after each successful
// fetch. The channel is closed when ctx ends or the Service is closed.
// Updates are dropped for a subscriber whose buffer is full.
func (s *Service) Subscribe(ctx context.Context) <-chan Update {
	ch := make(chan Update, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.base.Done():
		}
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}()
	return ch
}

func (s *Service) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.logger.Warn("subscriber queue full, dropping config update", "user_id", u.UserID)
		}
	}
}

// Forget cancels any in-flight fetch for userID and removes its cached
// config. Its signature matches a logout hook.
func (s *Service) Forget(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.cancel()
		delete(s.users, userID)
	}
	s.forgets++
	s.forgotAt[userID] = s.forgets
	if err := s.settings.ClearServerConfig(userID); err != nil {
		s.reporter.Log(ctx, fmt.Errorf("clearing server config for %s: %w", userID, err))
	}
}

// Close cancels all fetches and closes every subscription.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.users = make(map[string]*userScope)
}

// DeriveFlags computes the flags pushed into a crypto client for cfg.
// Cipher key encryption needs both the remote flag and a server that
// understands it.
func (s *Service) DeriveFlags(cfg *ServerConfig) sdk.Flags {
	enabled := evalFlag(s, cfg, CipherKeyEncryption, false)
	return sdk.Flags{EnableCipherKeyEncryption: enabled && cfg.SupportsCipherKeyEncryption()}
}

// FlagsFor loads userID's config and derives client flags from it.
func (s *Service) FlagsFor(ctx context.Context, userID string) (sdk.Flags, error) {
	cfg, err := s.GetConfigFor(ctx, userID, false)
	if err != nil {
		return sdk.Flags{}, err
	}
	if cfg == nil {
		return sdk.Flags{}, fmt.Errorf("flags for %s: %w", userID, ErrNoConfig)
	}
	return s.DeriveFlags(cfg), nil
}
