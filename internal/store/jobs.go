// Dispatch protocol: the central invariant is that at most one worker may
// hold a given JobRecord in status=executing at any time, achieved without
// serializing workers via FOR UPDATE SKIP LOCKED.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pdoflow/pdoflow/internal/model"
	"github.com/pdoflow/pdoflow/internal/status"
)

// querier is the subset of pgxpool.Pool / pgxpool.Conn used by the claim
// and outcome paths, so the worker runtime's dedicated connection can drive
// the same transactional logic as the shared pool.
type querier interface {
	Begin(context.Context) (pgx.Tx, error)
}

// ClaimedJob is a JobRecord delivered to a worker, carrying the owning
// posting's resolution fields so the worker never needs a second read to
// find the callable.
type ClaimedJob struct {
	model.JobRecord
	TargetFunction string
	EntryPoint     string
}

// ClaimBatch runs the claim algorithm in one transaction:
//
//  1. Select up to batchSize waiting JobRecords whose owning Posting is
//     waiting or executing, ordered by (priority DESC, created_on ASC, id),
//     with FOR UPDATE SKIP LOCKED.
//  2. Update those rows to status=executing.
//  3. For any posting still in status=waiting that just got a unit claimed,
//     advance it to status=executing.
//  4. Commit.
//
// excludeJobIDs lets a caller (the worker runtime's failure cache) skip
// specific job ids it has already deemed hot-looping within its own
// process; other workers are unaffected.
//
// An empty result is not an error — it signals "no work right now" and the
// caller should sleep for its poll interval before retrying.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int, excludeJobIDs []uuid.UUID) ([]ClaimedJob, error) {
	return claimBatchOn(ctx, s.pool, batchSize, excludeJobIDs)
}

// ClaimBatchOn is ClaimBatch run against an explicit querier (e.g. a
// *pgxpool.Conn the worker runtime holds for its lifetime), rather than the
// shared pool, so a worker's claims all travel over its own private
// connection.
func (s *Store) ClaimBatchOn(ctx context.Context, q querier, batchSize int, excludeJobIDs []uuid.UUID) ([]ClaimedJob, error) {
	return claimBatchOn(ctx, q, batchSize, excludeJobIDs)
}

func claimBatchOn(ctx context.Context, q querier, batchSize int, excludeJobIDs []uuid.UUID) ([]ClaimedJob, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidArgument, batchSize)
	}

	var claimed []ClaimedJob

	err := withTxOn(ctx, q, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT jr.id, jr.posting_id, jr.priority, jr.positional_arguments, jr.keyword_arguments,
				jr.tries_remaining, jr.status, jr.created_on, jr.updated_on,
				jp.target_function, jp.entry_point
			FROM job_records jr
			JOIN job_postings jp ON jp.id = jr.posting_id
			WHERE jr.status = $1
				AND jp.status IN ($2, $3)
				AND ($4::uuid[] IS NULL OR NOT jr.id = ANY($4::uuid[]))
			ORDER BY jr.priority DESC, jr.created_on ASC, jr.id ASC
			LIMIT $5
			FOR UPDATE OF jr SKIP LOCKED`,
			status.Waiting, status.Waiting, status.Executing, uuidArray(excludeJobIDs), batchSize)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			var rec ClaimedJob
			if err := rows.Scan(&rec.ID, &rec.PostingID, &rec.Priority, &rec.PositionalArguments,
				&rec.KeywordArguments, &rec.TriesRemaining, &rec.Status, &rec.CreatedOn, &rec.UpdatedOn,
				&rec.TargetFunction, &rec.EntryPoint); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable: %w", err)
			}
			rec.Status = status.Executing
			claimed = append(claimed, rec)
			ids = append(ids, rec.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claimable: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE job_records SET status = $1, updated_on = now() WHERE id = ANY($2::uuid[])`,
			status.Executing, uuidArray(ids)); err != nil {
			return fmt.Errorf("mark executing: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE job_postings
			SET status = $1
			WHERE status = $2
				AND id IN (SELECT DISTINCT posting_id FROM job_records WHERE id = ANY($3::uuid[]))`,
			status.Executing, status.Waiting, uuidArray(ids)); err != nil {
			return fmt.Errorf("advance posting status: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Outcome is the result of executing one claimed JobRecord. Profile, when
// non-nil, is persisted in the same transaction as the outcome itself; a
// profile write failure rolls back to a savepoint and the outcome is still
// recorded, with the skip logged.
type Outcome struct {
	JobRecordID uuid.UUID
	Succeeded   bool
	Profile     *ProfileResult
}

// RecordBatchOutcome applies the completion algorithm for a batch of
// claimed units in one transaction, then recomputes the derived status of
// every Posting touched. Batching keeps a worker's cycle down to one
// commit; each unit's outcome is still atomic with respect to other
// workers' queries because the whole batch commits together.
func (s *Store) RecordBatchOutcome(ctx context.Context, outcomes []Outcome) error {
	return recordBatchOutcomeOn(ctx, s.pool, outcomes)
}

// RecordBatchOutcomeOn is RecordBatchOutcome run against an explicit
// querier (the worker's dedicated connection).
func (s *Store) RecordBatchOutcomeOn(ctx context.Context, q querier, outcomes []Outcome) error {
	return recordBatchOutcomeOn(ctx, q, outcomes)
}

func recordBatchOutcomeOn(ctx context.Context, q querier, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	return withTxOn(ctx, q, func(tx pgx.Tx) error {
		postingIDs := make(map[uuid.UUID]struct{})

		for _, o := range outcomes {
			var postingID uuid.UUID
			if o.Succeeded {
				row := tx.QueryRow(ctx, `
					UPDATE job_records SET status = $1, updated_on = now()
					WHERE id = $2
					RETURNING posting_id`, status.Done, o.JobRecordID)
				if err := row.Scan(&postingID); err != nil {
					return fmt.Errorf("record success for %s: %w", o.JobRecordID, err)
				}
			} else {
				row := tx.QueryRow(ctx, `
					UPDATE job_records SET
						tries_remaining = tries_remaining - 1,
						status = CASE WHEN tries_remaining - 1 > 0 THEN $1 ELSE $2 END,
						updated_on = now()
					WHERE id = $3
					RETURNING posting_id`, status.Waiting, status.ErroredOut, o.JobRecordID)
				if err := row.Scan(&postingID); err != nil {
					return fmt.Errorf("record failure for %s: %w", o.JobRecordID, err)
				}
			}
			postingIDs[postingID] = struct{}{}

			if o.Profile != nil {
				if err := saveProfileCheckpointed(ctx, tx, *o.Profile); err != nil {
					slog.Warn("profile write skipped",
						"job_record_id", o.JobRecordID, "error", err)
				}
			}
		}

		for postingID := range postingIDs {
			if err := recomputePostingStatus(ctx, tx, postingID); err != nil {
				return err
			}
		}
		return nil
	})
}

// recomputePostingStatus applies the derived-status rule: if every owned
// unit is terminal, the posting becomes errored_out (any unit errored_out)
// or done (all units done); otherwise it is left as executing.
func recomputePostingStatus(ctx context.Context, tx pgx.Tx, postingID uuid.UUID) error {
	var total, erroredOut, waitingOrExecuting int64
	row := tx.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status IN ($2, $3))
		FROM job_records WHERE posting_id = $4`,
		status.ErroredOut, status.Waiting, status.Executing, postingID)
	if err := row.Scan(&total, &erroredOut, &waitingOrExecuting); err != nil {
		return fmt.Errorf("recompute posting status for %s: %w", postingID, err)
	}
	if total == 0 || waitingOrExecuting > 0 {
		return nil
	}

	newStatus := status.Done
	if erroredOut > 0 {
		newStatus = status.ErroredOut
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_postings SET status = $1
		WHERE id = $2 AND status NOT IN ($3, $4, $5)`,
		newStatus, postingID, status.Cancelled, status.Done, status.ErroredOut); err != nil {
		return fmt.Errorf("apply posting status for %s: %w", postingID, err)
	}
	return nil
}

// RecoverStaleJobs returns to waiting any JobRecord stuck in executing for
// longer than threshold. A crash inside the claim transaction is undone by
// the DB's own rollback; this covers the window after the claim committed
// but before the outcome did (a worker killed mid-execution). The updated_on
// stamp written at claim time is the staleness clock.
func (s *Store) RecoverStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, updated_on = now()
		WHERE status = $2 AND updated_on < now() - make_interval(secs => $3)`,
		status.Waiting, status.Executing, threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// uuidArray returns nil for an empty slice so the $4::uuid[] IS NULL branch
// in ClaimBatch's query short-circuits cleanly instead of comparing against
// an empty array.
func uuidArray(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
