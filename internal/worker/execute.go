package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/store"
)

// ExecuteJob runs a single unit in-process for debugging, bypassing the
// claim queue: the unit is fetched directly, executed, and its outcome
// recorded with the usual retry accounting. Profiling is disabled. Returns
// store.ErrNotFound for an unknown id.
func ExecuteJob(ctx context.Context, st *store.Store, resolver registry.Resolver, jobID uuid.UUID, log *slog.Logger) (store.Outcome, error) {
	rec, err := st.GetJobRecord(ctx, jobID)
	if err != nil {
		return store.Outcome{}, err
	}
	posting, err := st.GetPosting(ctx, rec.PostingID)
	if err != nil {
		return store.Outcome{}, err
	}

	rt := NewRuntime(st, resolver, Config{ProfileRate: -1}, log, nil)
	outcome := rt.executeOne(ctx, store.ClaimedJob{
		JobRecord:      *rec,
		TargetFunction: posting.TargetFunction,
		EntryPoint:     posting.EntryPoint,
	})

	if err := st.RecordBatchOutcome(ctx, []store.Outcome{outcome}); err != nil {
		return outcome, err
	}
	return outcome, nil
}
