// Package reporter routes errors that the core swallows behind a fallback
// (failed migrations, failed config refreshes, flag-load failures) to a sink
// where they can be observed.
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Reporter records a non-fatal error.
type Reporter interface {
	Log(ctx context.Context, err error)
}

// Slog writes each error as a structured log entry.
type Slog struct {
	logger *slog.Logger
}

var _ Reporter = (*Slog)(nil)

// NewSlog returns a reporter writing to logger, or slog.Default() if nil.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger.With("component", "error_reporter")}
}

func (s *Slog) Log(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger.LogAttrs(ctx, slog.LevelError, "non-fatal error", slog.String("error", err.Error()))
}

// Multi fans each error out to every reporter.
type Multi []Reporter

func (m Multi) Log(ctx context.Context, err error) {
	for _, r := range m {
		r.Log(ctx, err)
	}
}

// Recorder keeps every reported error in memory. Tests use it to assert on
// what was swallowed.
type Recorder struct {
	mu     sync.Mutex
	errors []error
}

var _ Reporter = (*Recorder)(nil)

func (r *Recorder) Log(_ context.Context, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// Errors returns a copy of the recorded errors in report order.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

// Contains reports whether any recorded error matches target via errors.Is.
func (r *Recorder) Contains(target error) bool {
	for _, err := range r.Errors() {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reset discards the recorded errors.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = nil
}
