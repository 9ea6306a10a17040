package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pdoflow/pdoflow/internal/store"
	"github.com/pdoflow/pdoflow/internal/testutil"
)

func sampleProfile(jobID uuid.UUID) store.ProfileResult {
	main := store.FunctionKey{File: "main.go", Name: "main.work", Lineno: 10}
	helper := store.FunctionKey{File: "util.go", Name: "util.hash", Lineno: 42}
	return store.ProfileResult{
		JobRecordID: jobID,
		TotalCalls:  12,
		TotalTime:   0.25,
		Stats: []store.FunctionStatInput{
			{Function: main, PrimitiveCalls: 1, TotalCalls: 1, TotalTime: 0.05, CumulativeTime: 0.25},
			{Function: helper, PrimitiveCalls: 11, TotalCalls: 11, TotalTime: 0.20, CumulativeTime: 0.20},
		},
		Edges: []store.FunctionCallEdgeInput{
			{Caller: main, Callee: helper, Calls: 11, TotalTime: 0.20},
		},
	}
}

func TestOutcomeWithProfile_PersistsGraph(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	postJobs(t, db, nJobs(1))
	claimed, err := db.ClaimBatch(ctx, 1, nil)
	require.NoError(t, err)

	pr := sampleProfile(claimed[0].ID)
	require.NoError(t, db.RecordBatchOutcome(ctx, []store.Outcome{
		{JobRecordID: claimed[0].ID, Succeeded: true, Profile: &pr},
	}))

	prof, err := db.GetJobProfile(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 12, prof.TotalCalls)
	require.InDelta(t, 0.25, prof.TotalTime, 1e-9)

	var stats, edges, funcs int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM function_stats WHERE job_profile_id = $1`, prof.ID).Scan(&stats))
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM function_call_maps WHERE job_profile_id = $1`, prof.ID).Scan(&edges))
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM functions`).Scan(&funcs))
	require.Equal(t, 2, stats)
	require.Equal(t, 1, edges)
	require.Equal(t, 2, funcs)
}

func TestSaveProfile_DedupsFunctionsAcrossProfiles(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	postJobs(t, db, nJobs(2))
	claimed, err := db.ClaimBatch(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	first := sampleProfile(claimed[0].ID)
	second := sampleProfile(claimed[1].ID)
	require.NoError(t, db.RecordBatchOutcome(ctx, []store.Outcome{
		{JobRecordID: claimed[0].ID, Succeeded: true, Profile: &first},
		{JobRecordID: claimed[1].ID, Succeeded: true, Profile: &second},
	}))

	// Both profiles reference the same two shared Function rows.
	var funcs int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM functions`).Scan(&funcs))
	require.Equal(t, 2, funcs)
}

func TestOutcomeWithBrokenProfile_StillRecordsOutcome(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	postJobs(t, db, nJobs(1))
	claimed, err := db.ClaimBatch(ctx, 1, nil)
	require.NoError(t, err)

	// A profile pointing at a nonexistent job record violates its FK; the
	// savepoint rolls it back without losing the outcome.
	broken := sampleProfile(uuid.New())
	require.NoError(t, db.RecordBatchOutcome(ctx, []store.Outcome{
		{JobRecordID: claimed[0].ID, Succeeded: true, Profile: &broken},
	}))

	rec, err := db.GetJobRecord(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Equal(t, "done", string(rec.Status))

	_, err = db.GetJobProfile(ctx, claimed[0].ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetJobProfile_NotFoundWhenUnsampled(t *testing.T) {
	db := testutil.NewTestDB(t)

	_, err := db.GetJobProfile(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}
