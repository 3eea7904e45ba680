// Package migration applies one-time data migrations in version order.
//
// The highest applied version is persisted after each migration, so a
// failed migration stops the run and leaves the counter at the last one
// that succeeded. A migration body runs at most once.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/keystate/reporter"
)

var (
	ErrUnordered = errors.New("migrations must have ascending positive versions")
	// ErrRollbackDetected is reported when the persisted version is older
	// than the highest version ever recorded.
	ErrRollbackDetected = errors.New("rollback detected: migration version is older than its high-water mark")
)

// Migration is one step. Run must leave the store usable if it fails.
type Migration struct {
	Version int
	Name    string
	Run     func(ctx context.Context) error
}

// VersionStore persists the applied version. settings.Store satisfies it.
type VersionStore interface {
	MigrationVersion() (int, error)
	SetMigrationVersion(v int) error
}

// Result summarizes one Perform call.
type Result struct {
	From int
	To   int
	// Err is the error that stopped the run, if any. It has already been
	// reported.
	Err error
}

// Runner performs migrations.
type Runner struct {
	versions   VersionStore
	highWater  HighWater
	migrations []Migration
	reporter   reporter.Reporter
	logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithReporter(r reporter.Reporter) Option {
	return func(rn *Runner) { rn.reporter = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(rn *Runner) { rn.logger = l }
}

// WithHighWater records every applied version in h as well, so a restored
// older copy of the version store is detected instead of re-running
// migrations.
func WithHighWater(h HighWater) Option {
	return func(rn *Runner) { rn.highWater = h }
}

// NewRunner checks that migrations are strictly ascending.
func NewRunner(versions VersionStore, migrations []Migration, opts ...Option) (*Runner, error) {
	prev := 0
	for _, m := range migrations {
		if m.Version <= prev || m.Run == nil {
			return nil, fmt.Errorf("%w: version %d after %d", ErrUnordered, m.Version, prev)
		}
		prev = m.Version
	}
	r := &Runner{
		versions:   versions,
		migrations: append([]Migration(nil), migrations...),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "migration")
	if r.reporter == nil {
		r.reporter = reporter.NewSlog(r.logger)
	}
	return r, nil
}

// Latest returns the highest known migration version.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Perform runs every migration newer than the persisted version, in order.
// It never fails the caller: the error that stopped the run is reported
// and returned in the Result.
func (r *Runner) Perform(ctx context.Context) Result {
	cur, err := r.current(ctx)
	if err != nil {
		return r.fail(ctx, Result{}, err)
	}
	res := Result{From: cur, To: cur}

	for _, m := range r.migrations {
		if m.Version <= res.To {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, res, err)
		}
		r.logger.Debug("running data migration", "version", m.Version, "name", m.Name)
		if err := m.Run(ctx); err != nil {
			return r.fail(ctx, res, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err))
		}
		if err := r.versions.SetMigrationVersion(m.Version); err != nil {
			return r.fail(ctx, res, fmt.Errorf("recording migration %d: %w", m.Version, err))
		}
		if r.highWater != nil {
			if err := r.highWater.SetHighWater(m.Version); err != nil {
				r.reporter.Log(ctx, fmt.Errorf("recording migration high-water %d: %w", m.Version, err))
			}
		}
		res.To = m.Version
		r.logger.Info("completed data migration", "version", m.Version)
	}
	return res
}

// current reads the persisted version, repairing it from the high-water
// mark if it went backwards.
func (r *Runner) current(ctx context.Context) (int, error) {
	cur, err := r.versions.MigrationVersion()
	if err != nil {
		return 0, fmt.Errorf("reading migration version: %w", err)
	}
	if r.highWater == nil {
		return cur, nil
	}
	hw := r.highWater.HighWater()
	if hw <= cur {
		return cur, nil
	}
	r.reporter.Log(ctx, fmt.Errorf("%w: stored %d, high-water %d", ErrRollbackDetected, cur, hw))
	if err := r.versions.SetMigrationVersion(hw); err != nil {
		return 0, fmt.Errorf("repairing migration version: %w", err)
	}
	return hw, nil
}

func (r *Runner) fail(ctx context.Context, res Result, err error) Result {
	r.reporter.Log(ctx, err)
	res.Err = err
	return res
}
