package observer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pdoflow/pdoflow/internal/observer"
	"github.com/pdoflow/pdoflow/internal/status"
	"github.com/pdoflow/pdoflow/internal/store"
	"github.com/pdoflow/pdoflow/internal/testutil"
)

func post(t *testing.T, db *testutil.TestDB, n int) uuid.UUID {
	t.Helper()
	specs := make([]store.NewJobSpec, n)
	for i := range specs {
		specs[i] = store.NewJobSpec{Positional: []any{i}}
	}
	posting, _, err := db.CreatePosting(context.Background(), "obs", "noop", "test.jobs", specs)
	require.NoError(t, err)
	return posting.ID
}

func completeOne(t *testing.T, db *testutil.TestDB, succeeded bool) {
	t.Helper()
	ctx := context.Background()
	claimed, err := db.ClaimBatch(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, db.RecordBatchOutcome(ctx,
		[]store.Outcome{{JobRecordID: claimed[0].ID, Succeeded: succeeded}}))
}

func TestPollPosting_TerminatesOnTerminal(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	obs := observer.New(db.Store)

	id := post(t, db, 1)
	completeOne(t, db, true)

	var statuses []status.Status
	for p, err := range obs.PollPosting(ctx, id) {
		require.NoError(t, err)
		statuses = append(statuses, p.Status)
	}
	require.Equal(t, []status.Status{status.Done}, statuses)
}

func TestPollPosting_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	pulls := 0
	for _, err := range obs.PollPosting(context.Background(), uuid.New()) {
		pulls++
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	require.Equal(t, 1, pulls)
}

func TestPollPostingPercent_EmptyPostingIsComplete(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	id := post(t, db, 0)

	var values []float64
	for v, err := range obs.PollPostingPercent(context.Background(), id) {
		require.NoError(t, err)
		values = append(values, v)
	}
	require.Equal(t, []float64{100.0}, values)
}

func TestPollPostingPercent_MonotoneToCompletion(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	id := post(t, db, 4)

	var values []float64
	for v, err := range obs.PollPostingPercent(context.Background(), id) {
		require.NoError(t, err)
		values = append(values, v)
		if v < 100.0 {
			completeOne(t, db, true)
		}
	}

	require.Equal(t, 100.0, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1])
	}
}

func TestPollPostingPercent_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	pulls := 0
	for _, err := range obs.PollPostingPercent(context.Background(), uuid.New()) {
		pulls++
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	require.Equal(t, 1, pulls)
}

func TestPollJobStatusCount_CallerTerminates(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	id := post(t, db, 3)

	pulls := 0
	for n, err := range obs.PollJobStatusCount(context.Background(), id, status.Waiting) {
		require.NoError(t, err)
		require.EqualValues(t, 3, n)
		pulls++
		if pulls == 5 {
			break
		}
	}
	require.Equal(t, 5, pulls)
}

func TestAwaitStatusThreshold(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	id := post(t, db, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		completeOne(t, db, true)
		completeOne(t, db, true)
	}()

	n, err := obs.AwaitStatusThreshold(context.Background(), id, status.Done,
		func(n int64) bool { return n >= 2 }, 10*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	<-done
}

func TestAwaitStatusThreshold_ContextDeadline(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	id := post(t, db, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := obs.AwaitStatusThreshold(ctx, id, status.Done,
		func(n int64) bool { return n >= 1 }, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitStatusThreshold_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	obs := observer.New(db.Store)

	_, err := obs.AwaitStatusThreshold(context.Background(), uuid.New(), status.Done,
		func(int64) bool { return true }, time.Millisecond)
	require.ErrorIs(t, err, store.ErrNotFound)
}
