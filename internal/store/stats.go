// Aggregate reads backing the CLI's posting-status --show-jobs and
// priority-stats views, plus the worker's failure-cache purge lookup.
// ListJobRecords and PriorityStats are assembled with squirrel so optional
// filters compose without string surgery; none of these reads take locks.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pdoflow/pdoflow/internal/model"
	"github.com/pdoflow/pdoflow/internal/status"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListJobRecords returns every JobRecord owned by a posting in dispatch
// order, optionally filtered by status. Returns ErrNotFound if the posting
// itself does not exist (an existing posting with zero units returns an
// empty slice).
func (s *Store) ListJobRecords(ctx context.Context, postingID uuid.UUID, filterStatus *status.Status) ([]model.JobRecord, error) {
	if _, err := s.GetPosting(ctx, postingID); err != nil {
		return nil, err
	}

	sb := psql.Select(
		"id", "posting_id", "priority", "positional_arguments", "keyword_arguments",
		"tries_remaining", "status", "created_on", "updated_on").
		From("job_records").
		Where(sq.Eq{"posting_id": postingID}).
		OrderBy("priority DESC", "created_on ASC", "id ASC")
	if filterStatus != nil {
		sb = sb.Where(sq.Eq{"status": *filterStatus})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list job records: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var out []model.JobRecord
	for rows.Next() {
		var j model.JobRecord
		if err := rows.Scan(&j.ID, &j.PostingID, &j.Priority, &j.PositionalArguments,
			&j.KeywordArguments, &j.TriesRemaining, &j.Status, &j.CreatedOn, &j.UpdatedOn); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PriorityStat is one row of the priority-stats view: how many units sit at
// each (priority, status) pair across all postings.
type PriorityStat struct {
	Priority int32
	Status   status.Status
	Count    int64
}

// PriorityStats aggregates job_records by (priority, status), highest
// priority first, optionally restricted to one posting.
func (s *Store) PriorityStats(ctx context.Context, postingID *uuid.UUID) ([]PriorityStat, error) {
	sb := psql.Select("priority", "status", "count(*)").
		From("job_records").
		GroupBy("priority", "status").
		OrderBy("priority DESC", "status ASC")
	if postingID != nil {
		sb = sb.Where(sq.Eq{"posting_id": *postingID})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build priority stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("priority stats: %w", err)
	}
	defer rows.Close()

	var out []PriorityStat
	for rows.Next() {
		var st PriorityStat
		if err := rows.Scan(&st.Priority, &st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan priority stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RowQuerier is the read-only subset of pgxpool.Pool / pgxpool.Conn used by
// lock-free aggregate reads.
type RowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TerminalPostings filters ids down to those whose posting is in a terminal
// status. The worker runtime uses it to purge its failure cache.
func (s *Store) TerminalPostings(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	return TerminalPostingsOn(ctx, s.pool, ids)
}

// TerminalPostingsOn is TerminalPostings against an explicit connection (the
// worker's dedicated one).
func TerminalPostingsOn(ctx context.Context, q RowQuerier, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `
		SELECT id FROM job_postings
		WHERE id = ANY($1::uuid[]) AND status IN ($2, $3, $4)`,
		ids, status.Done, status.ErroredOut, status.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("terminal postings: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan terminal posting: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
