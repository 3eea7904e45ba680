// Package app wires the stores and services together. Leaf components are
// built first and handed upward as interfaces; logout fans out to the client
// cache and the config cache through hooks on the account registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmcleod/keystate/api"
	"github.com/jmcleod/keystate/client"
	"github.com/jmcleod/keystate/clock"
	"github.com/jmcleod/keystate/internal/util"
	"github.com/jmcleod/keystate/keyconnector"
	"github.com/jmcleod/keystate/keystore"
	"github.com/jmcleod/keystate/migration"
	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/sdk"
	"github.com/jmcleod/keystate/secrets"
	"github.com/jmcleod/keystate/serverconfig"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/state"
	"github.com/jmcleod/keystate/storage"
	bboltstorage "github.com/jmcleod/keystate/storage/bbolt"
	"github.com/jmcleod/keystate/storage/memory"
	sqlitestorage "github.com/jmcleod/keystate/storage/sqlite"
)

// App is the assembled core.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Reporter     reporter.Reporter
	Settings     *settings.Store
	Keystore     *keystore.Keystore
	Secrets      *secrets.Store
	State        *state.Service
	ServerConfig *serverconfig.Service
	Clients      *client.Cache[*sdk.Client]
	KeyConnector *keyconnector.Service
	API          *api.Client
	Migrations   *migration.Runner

	repo      storage.Repository
	closers   []func() error
	webhook   *reporter.Webhook
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type options struct {
	logger   *slog.Logger
	reporter reporter.Reporter
	clock    clock.Clock
	fetcher  serverconfig.Fetcher
	wrapKey  []byte
}

// Option configures New.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReporter adds r to the reporters errors are sent to.
func WithReporter(r reporter.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithConfigFetcher replaces the HTTP config fetcher.
func WithConfigFetcher(f serverconfig.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithWrappingKey uses key instead of reading the wrapping key file.
func WithWrappingKey(key []byte) Option {
	return func(o *options) { o.wrapKey = key }
}

// New opens storage and builds every component. Call Start before use and
// Close when done.
func New(cfg Config, opts ...Option) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := a.openStorage(); err != nil {
		return a, err
	}

	reporters := reporter.Multi{reporter.NewSlog(o.logger)}
	if o.reporter != nil {
		reporters = append(reporters, o.reporter)
	}
	if cfg.ErrorWebhook.URL != "" {
		a.webhook = reporter.NewWebhook(cfg.ErrorWebhook.URL, cfg.ErrorWebhook.AuthHeader, o.logger)
		reporters = append(reporters, a.webhook)
	}
	a.Reporter = reporters

	a.Settings = settings.New(a.repo)
	if cfg.AppID != "" {
		existing, err := a.Settings.AppID()
		if err != nil {
			return a, err
		}
		if existing == "" {
			if err := a.Settings.SetAppID(cfg.AppID); err != nil {
				return a, err
			}
		}
	}

	wrapKey := o.wrapKey
	if wrapKey == nil {
		if wrapKey, err = loadWrappingKey(cfg.wrappingKeyPath()); err != nil {
			return a, err
		}
		defer util.WipeBytes(wrapKey)
	}
	a.Keystore, err = keystore.Open(a.repo, a.Settings, wrapKey, keystore.WithLogger(o.logger))
	if err != nil {
		return a, err
	}

	a.Secrets = secrets.New(a.Settings, a.Keystore, secrets.WithLogger(o.logger), secrets.WithReporter(a.Reporter))
	a.State, err = state.New(a.Settings, a.Secrets, state.WithLogger(o.logger))
	if err != nil {
		return a, err
	}

	a.API = api.New(cfg.ServerURL, a.State, api.WithAccounts(a.State), api.WithLogger(o.logger))
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = a.API
	}
	a.ServerConfig = serverconfig.New(a.Settings, a.State, fetcher,
		serverconfig.WithClock(o.clock),
		serverconfig.WithReporter(a.Reporter),
		serverconfig.WithLogger(o.logger),
		serverconfig.WithMinimumSyncInterval(cfg.MinimumConfigSyncInterval),
	)
	a.Clients = client.New(a.State, sdk.New,
		client.WithFlagSource(a.ServerConfig),
		client.WithReporter(a.Reporter),
		client.WithLogger(o.logger),
	)
	a.KeyConnector = keyconnector.New(a.State, a.API, o.logger)

	a.State.OnLogout(a.Clients.Evict)
	a.State.OnLogout(a.ServerConfig.Forget)

	runnerOpts := []migration.Option{migration.WithReporter(a.Reporter), migration.WithLogger(o.logger)}
	if hw, err := a.openHighWater(); err != nil {
		return a, err
	} else if hw != nil {
		runnerOpts = append(runnerOpts, migration.WithHighWater(hw))
	}
	a.Migrations, err = migration.NewRunner(a.Settings, migration.Defaults(migration.Deps{
		State:    a.State,
		Settings: a.Settings,
		Secrets:  a.Secrets,
		Keystore: a.Keystore,
		Logger:   o.logger,
	}), runnerOpts...)
	if err != nil {
		return a, err
	}
	return a, nil
}

func (a *App) openStorage() error {
	cfg := a.Config
	if cfg.Backend == BackendMemory {
		a.repo = memory.NewRepository()
		return nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	switch cfg.Backend {
	case BackendSQLite:
		store, err := sqlitestorage.Open(filepath.Join(cfg.DataDir, "keystate.sqlite"))
		if err != nil {
			return fmt.Errorf("opening sqlite storage: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, store.Close)
	default:
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "keystate.db"), nil)
		if err != nil {
			return fmt.Errorf("opening bbolt storage: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, store.Close)
	}
	return nil
}

// openHighWater keeps the migration high-water mark in a file of its own,
// so restoring an older data file is detected.
func (a *App) openHighWater() (migration.HighWater, error) {
	if a.Config.Backend == BackendMemory {
		return &migration.MemoryHighWater{}, nil
	}
	hw, err := migration.OpenBoltHighWater(filepath.Join(a.Config.DataDir, "migration.db"), nil)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, hw.Close)
	return hw, nil
}

// Start runs pending migrations and starts pushing fresh config flags into
// cached clients. Migration failures are reported, not returned.
func (a *App) Start(ctx context.Context) migration.Result {
	res := a.Migrations.Perform(ctx)

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	updates := a.ServerConfig.Subscribe(watchCtx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Clients.Watch(watchCtx, updates)
	}()
	return res
}

// Logout logs userID out ("" for the active user). When it returns, the
// user's secrets, cached client and config are gone.
func (a *App) Logout(ctx context.Context, userID string) (string, error) {
	return a.State.Logout(ctx, userID)
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.ServerConfig != nil {
			a.ServerConfig.Close()
		}
		a.wg.Wait()
		if a.Keystore != nil {
			a.Keystore.Close()
		}
		if a.webhook != nil {
			a.webhook.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
