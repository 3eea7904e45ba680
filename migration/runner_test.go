package migration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keystate/reporter"
	"github.com/jmcleod/keystate/settings"
	"github.com/jmcleod/keystate/storage/memory"
)

type trace struct {
	ran []int
}

func (tr *trace) step(v int, err error) Migration {
	return Migration{Version: v, Name: "step", Run: func(context.Context) error {
		tr.ran = append(tr.ran, v)
		return err
	}}
}

func newSettings() *settings.Store {
	return settings.New(memory.NewRepository())
}

func TestPerformStopsAtFirstFailure(t *testing.T) {
	st := newSettings()
	rec := &reporter.Recorder{}
	tr := &trace{}
	boom := errors.New("boom")

	r, err := NewRunner(st, []Migration{tr.step(1, nil), tr.step(2, boom), tr.step(3, nil)}, WithReporter(rec))
	require.NoError(t, err)
	res := r.Perform(context.Background())

	assert.Equal(t, []int{1, 2}, tr.ran, "migration 3 must not run")
	v, err := st.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Result{From: 0, To: 1, Err: res.Err}, res)
	require.ErrorIs(t, res.Err, boom)
	require.Len(t, rec.Errors(), 1)
	assert.ErrorIs(t, rec.Errors()[0], boom)
}

func TestPerformRunsEachMigrationOnce(t *testing.T) {
	st := newSettings()
	tr := &trace{}
	migrations := []Migration{tr.step(1, nil), tr.step(2, nil)}

	r, err := NewRunner(st, migrations)
	require.NoError(t, err)
	res := r.Perform(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.To)

	r, err = NewRunner(st, append(migrations, tr.step(3, nil)))
	require.NoError(t, err)
	res = r.Perform(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, Result{From: 2, To: 3}, res)
	assert.Equal(t, []int{1, 2, 3}, tr.ran)
	assert.Equal(t, 3, r.Latest())
}

func TestPerformResumesAfterFailure(t *testing.T) {
	st := newSettings()
	tr := &trace{}
	fail := true
	flaky := Migration{Version: 2, Name: "flaky", Run: func(context.Context) error {
		tr.ran = append(tr.ran, 2)
		if fail {
			return errors.New("transient")
		}
		return nil
	}}
	r, err := NewRunner(st, []Migration{tr.step(1, nil), flaky, tr.step(3, nil)}, WithReporter(&reporter.Recorder{}))
	require.NoError(t, err)

	r.Perform(context.Background())
	fail = false
	res := r.Perform(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, []int{1, 2, 2, 3}, tr.ran)
}

func TestSkipsVersionsAlreadyCovered(t *testing.T) {
	st := newSettings()
	require.NoError(t, st.SetMigrationVersion(5))
	tr := &trace{}
	r, err := NewRunner(st, []Migration{tr.step(3, nil), tr.step(5, nil), tr.step(6, nil)})
	require.NoError(t, err)
	r.Perform(context.Background())
	assert.Equal(t, []int{6}, tr.ran)
}

func TestNewRunnerRejectsBadOrder(t *testing.T) {
	tr := &trace{}
	tests := []struct {
		name string
		ms   []Migration
	}{
		{"Descending", []Migration{tr.step(2, nil), tr.step(1, nil)}},
		{"Duplicate", []Migration{tr.step(1, nil), tr.step(1, nil)}},
		{"Zero", []Migration{tr.step(0, nil)}},
		{"NilRun", []Migration{{Version: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(newSettings(), tt.ms)
			require.ErrorIs(t, err, ErrUnordered)
		})
	}
}

func TestCancelledContextStops(t *testing.T) {
	tr := &trace{}
	rec := &reporter.Recorder{}
	r, err := NewRunner(newSettings(), []Migration{tr.step(1, nil)}, WithReporter(rec))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Perform(ctx)
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, tr.ran)
	assert.Len(t, rec.Errors(), 1)
}

func TestRollbackDetected(t *testing.T) {
	st := newSettings()
	hw := &MemoryHighWater{}
	rec := &reporter.Recorder{}
	tr := &trace{}
	ms := []Migration{tr.step(1, nil), tr.step(2, nil)}

	r, err := NewRunner(st, ms, WithHighWater(hw), WithReporter(rec))
	require.NoError(t, err)
	r.Perform(context.Background())
	assert.Equal(t, 2, hw.HighWater())

	// An older copy of the store comes back.
	require.NoError(t, st.SetMigrationVersion(0))
	res := r.Perform(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, []int{1, 2}, tr.ran, "nothing re-runs")
	assert.True(t, rec.Contains(ErrRollbackDetected))
	v, err := st.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestBoltHighWaterPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hw.db")
	hw, err := OpenBoltHighWater(path, nil)
	require.NoError(t, err)
	require.NoError(t, hw.SetHighWater(4))
	require.ErrorIs(t, hw.SetHighWater(3), ErrRollbackDetected)
	require.NoError(t, hw.Close())

	hw, err = OpenBoltHighWater(path, nil)
	require.NoError(t, err)
	defer hw.Close()
	assert.Equal(t, 4, hw.HighWater())
}
