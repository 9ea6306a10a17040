package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/status"
	"github.com/pdoflow/pdoflow/internal/store"
	"github.com/pdoflow/pdoflow/internal/testutil"
)

// noProfile disables sampling so tests are deterministic.
var noProfile = Config{ProfileRate: -1}

func addCallable(sum *atomic.Int64) registry.Callable {
	return func(pos []json.RawMessage, _ map[string]json.RawMessage) error {
		var a, b int64
		if err := json.Unmarshal(pos[0], &a); err != nil {
			return err
		}
		if err := json.Unmarshal(pos[1], &b); err != nil {
			return err
		}
		sum.Add(a + b)
		return nil
	}
}

func TestRuntime_RunOnce_HappyPath(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var sum atomic.Int64
	reg := registry.NewStaticRegistry()
	reg.Register("math.jobs", "add", addCallable(&sum))

	specs := make([]store.NewJobSpec, 10)
	for i := range specs {
		specs[i] = store.NewJobSpec{Positional: []any{i, i}}
	}
	posting, _, err := db.CreatePosting(ctx, "t", "add", "math.jobs", specs)
	require.NoError(t, err)

	rt := NewRuntime(db.Store, reg, noProfile, nil, nil)
	n, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.EqualValues(t, 90, sum.Load()) // 2*(0+1+...+9)

	p, err := db.GetPosting(ctx, posting.ID)
	require.NoError(t, err)
	require.Equal(t, status.Done, p.Status)
}

func TestRuntime_RetryToSuccess(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var attempts atomic.Int64
	reg := registry.NewStaticRegistry()
	reg.Register("flaky.jobs", "flaky", func([]json.RawMessage, map[string]json.RawMessage) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	_, records, err := db.CreatePosting(ctx, "t", "flaky", "flaky.jobs",
		[]store.NewJobSpec{{TriesRemaining: 3}})
	require.NoError(t, err)

	// First cycle fails the unit; the failure cache now excludes it from
	// this worker, so a second worker picks it up and succeeds.
	first := NewRuntime(db.Store, reg, noProfile, nil, nil)
	n, err := first.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = first.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "failure cache must keep this worker off the unit")

	second := NewRuntime(db.Store, reg, noProfile, nil, nil)
	n, err = second.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := db.GetJobRecord(ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, status.Done, rec.Status)
	require.EqualValues(t, 2, rec.TriesRemaining)
	require.EqualValues(t, 2, attempts.Load())
}

func TestRuntime_RetryToExhaustion(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	reg := registry.NewStaticRegistry()
	reg.Register("doom.jobs", "always_fails", func([]json.RawMessage, map[string]json.RawMessage) error {
		return errors.New("doomed")
	})

	posting, records, err := db.CreatePosting(ctx, "t", "always_fails", "doom.jobs",
		[]store.NewJobSpec{{TriesRemaining: 2}})
	require.NoError(t, err)

	// Each attempt comes from a fresh worker so the failure cache does not
	// block the retries.
	for range 2 {
		rt := NewRuntime(db.Store, reg, Config{ProfileRate: -1, ExceptionLogging: LevelNone}, nil, nil)
		n, err := rt.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	rec, err := db.GetJobRecord(ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, status.ErroredOut, rec.Status)
	require.EqualValues(t, 0, rec.TriesRemaining)

	p, err := db.GetPosting(ctx, posting.ID)
	require.NoError(t, err)
	require.Equal(t, status.ErroredOut, p.Status)
}

func TestRuntime_ResolutionFailureIsUserFailure(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	_, records, err := db.CreatePosting(ctx, "t", "missing", "nowhere.jobs",
		[]store.NewJobSpec{{TriesRemaining: 1}})
	require.NoError(t, err)

	rt := NewRuntime(db.Store, registry.NewStaticRegistry(),
		Config{ProfileRate: -1, ExceptionLogging: LevelNone}, nil, nil)
	n, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := db.GetJobRecord(ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, status.ErroredOut, rec.Status)
}

func TestRuntime_PanicIsContained(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	reg := registry.NewStaticRegistry()
	reg.Register("panic.jobs", "boom", func([]json.RawMessage, map[string]json.RawMessage) error {
		panic("boom")
	})

	_, records, err := db.CreatePosting(ctx, "t", "boom", "panic.jobs",
		[]store.NewJobSpec{{TriesRemaining: 1}})
	require.NoError(t, err)

	rt := NewRuntime(db.Store, reg, Config{ProfileRate: -1, ExceptionLogging: LevelNone}, nil, nil)
	n, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := db.GetJobRecord(ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, status.ErroredOut, rec.Status)
}

func TestRuntime_ProfiledUnitPersistsProfile(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	reg := registry.NewStaticRegistry()
	reg.Register("p.jobs", "noop", func([]json.RawMessage, map[string]json.RawMessage) error {
		return nil
	})

	_, records, err := db.CreatePosting(ctx, "t", "noop", "p.jobs",
		[]store.NewJobSpec{{}})
	require.NoError(t, err)

	rt := NewRuntime(db.Store, reg, Config{ProfileRate: 1.0}, nil, nil)
	// Deterministic capture stub: real pprof output for a sub-millisecond
	// noop is often empty, which would make the assertion flaky.
	rt.capture = func(fn func() error) (error, *store.ProfileResult, error) {
		return fn(), &store.ProfileResult{
			TotalCalls: 1,
			TotalTime:  0.001,
			Stats: []store.FunctionStatInput{{
				Function:       store.FunctionKey{File: "x.go", Name: "x.noop", Lineno: 1},
				PrimitiveCalls: 1, TotalCalls: 1, TotalTime: 0.001, CumulativeTime: 0.001,
			}},
		}, nil
	}

	n, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	prof, err := db.GetJobProfile(ctx, records[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, prof.TotalCalls)
}

func TestRuntime_KeywordArgumentsDelivered(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	got := make(chan string, 1)
	reg := registry.NewStaticRegistry()
	reg.Register("kw.jobs", "greet", func(_ []json.RawMessage, kw map[string]json.RawMessage) error {
		var name string
		if err := json.Unmarshal(kw["name"], &name); err != nil {
			return err
		}
		got <- name
		return nil
	})

	_, _, err := db.CreatePosting(ctx, "t", "greet", "kw.jobs",
		[]store.NewJobSpec{{Keyword: map[string]any{"name": "ada"}}})
	require.NoError(t, err)

	rt := NewRuntime(db.Store, reg, noProfile, nil, nil)
	n, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ada", <-got)
}

func TestExecuteJob_Debug(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var ran atomic.Bool
	reg := registry.NewStaticRegistry()
	reg.Register("dbg.jobs", "touch", func([]json.RawMessage, map[string]json.RawMessage) error {
		ran.Store(true)
		return nil
	})

	_, records, err := db.CreatePosting(ctx, "t", "touch", "dbg.jobs",
		[]store.NewJobSpec{{}})
	require.NoError(t, err)

	outcome, err := ExecuteJob(ctx, db.Store, reg, records[0].ID, nil)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded)
	require.True(t, ran.Load())

	rec, err := db.GetJobRecord(ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, status.Done, rec.Status)
}

func TestExecuteJob_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)

	_, err := ExecuteJob(context.Background(), db.Store, registry.NewStaticRegistry(),
		uuid.New(), nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBackoffDelay_CappedAndJittered(t *testing.T) {
	rt := NewRuntime(nil, nil, Config{}, nil, nil)
	for streak := 1; streak <= 20; streak++ {
		d := backoffDelay(streak, rt.rng)
		require.Positive(t, d)
		require.LessOrEqual(t, d, maxBackoff, fmt.Sprintf("streak %d", streak))
	}
}
