package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pdoflow/pdoflow/internal/model"
)

// ProfileResult is the reduced call-statistics graph for one sampled
// JobRecord, ready to persist. Stats and Edges reference functions by
// (file, name, lineno) rather than a pre-existing Function id, since the
// profiler has no way to know which Function rows already exist —
// SaveProfileOn resolves/creates them via upsert.
type ProfileResult struct {
	JobRecordID uuid.UUID
	TotalCalls  int64
	TotalTime   float64
	Stats       []FunctionStatInput
	Edges       []FunctionCallEdgeInput
}

// FunctionKey identifies a function by its content-addressed tuple.
type FunctionKey struct {
	File   string
	Name   string
	Lineno int32
}

// FunctionStatInput is one function's aggregate stats within the profile
// being saved.
type FunctionStatInput struct {
	Function       FunctionKey
	PrimitiveCalls int64
	TotalCalls     int64
	TotalTime      float64
	CumulativeTime float64
}

// FunctionCallEdgeInput is one caller->callee edge within the profile being
// saved.
type FunctionCallEdgeInput struct {
	Caller    FunctionKey
	Callee    FunctionKey
	Calls     int64
	TotalTime float64
}

// SaveProfileOn persists a ProfileResult inside the caller's transaction.
// Profile writes share the transaction with the unit's outcome update so
// profiles and outcomes are always consistent; callers run it inside the
// same pgx.Tx used for the outcome write.
func SaveProfileOn(ctx context.Context, tx pgx.Tx, pr ProfileResult) error {
	var profileID uuid.UUID
	row := tx.QueryRow(ctx, `
		INSERT INTO job_profiles (job_record_id, total_calls, total_time)
		VALUES ($1, $2, $3)
		RETURNING id`, pr.JobRecordID, pr.TotalCalls, pr.TotalTime)
	if err := row.Scan(&profileID); err != nil {
		return fmt.Errorf("insert job profile for %s: %w", pr.JobRecordID, err)
	}

	ids := make(map[FunctionKey]uuid.UUID)
	resolve := func(k FunctionKey) (uuid.UUID, error) {
		if id, ok := ids[k]; ok {
			return id, nil
		}
		id, err := upsertFunction(ctx, tx, k)
		if err != nil {
			return uuid.Nil, err
		}
		ids[k] = id
		return id, nil
	}

	for _, st := range pr.Stats {
		fid, err := resolve(st.Function)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO function_stats
				(job_profile_id, function_id, primitive_calls, total_calls, total_time, cumulative_time)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			profileID, fid, st.PrimitiveCalls, st.TotalCalls, st.TotalTime, st.CumulativeTime); err != nil {
			return fmt.Errorf("insert function stat: %w", err)
		}
	}

	for _, e := range pr.Edges {
		callerID, err := resolve(e.Caller)
		if err != nil {
			return err
		}
		calleeID, err := resolve(e.Callee)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO function_call_maps
				(job_profile_id, caller_function_id, callee_function_id, calls, total_time)
			VALUES ($1, $2, $3, $4, $5)`,
			profileID, callerID, calleeID, e.Calls, e.TotalTime); err != nil {
			return fmt.Errorf("insert function call edge: %w", err)
		}
	}

	return nil
}

// saveProfileCheckpointed runs SaveProfileOn under a savepoint (a nested
// pgx transaction) so a failed profile write rolls back to the savepoint
// without disturbing the outcome writes already made in tx.
func saveProfileCheckpointed(ctx context.Context, tx pgx.Tx, pr ProfileResult) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("profile savepoint: %w", err)
	}
	if err := SaveProfileOn(ctx, sp, pr); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// upsertFunction dedups Function rows by their (file, name, lineno) tuple.
func upsertFunction(ctx context.Context, tx pgx.Tx, k FunctionKey) (uuid.UUID, error) {
	var id uuid.UUID
	row := tx.QueryRow(ctx, `
		INSERT INTO functions (file, name, lineno) VALUES ($1, $2, $3)
		ON CONFLICT (file, name, lineno) DO UPDATE SET file = EXCLUDED.file
		RETURNING id`, k.File, k.Name, k.Lineno)
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert function %+v: %w", k, err)
	}
	return id, nil
}

// GetJobProfile returns the JobProfile for a JobRecord, or ErrNotFound if
// the unit was never sampled.
func (s *Store) GetJobProfile(ctx context.Context, jobRecordID uuid.UUID) (*model.JobProfile, error) {
	var p model.JobProfile
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_record_id, total_calls, total_time, created_on
		FROM job_profiles WHERE job_record_id = $1`, jobRecordID)
	if err := row.Scan(&p.ID, &p.JobRecordID, &p.TotalCalls, &p.TotalTime, &p.CreatedOn); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job profile for %s: %w", jobRecordID, err)
	}
	return &p, nil
}
