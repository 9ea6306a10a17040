package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pdoflow/pdoflow/internal/model"
	"github.com/pdoflow/pdoflow/internal/status"
)

// NewJobSpec is one work unit within a CreatePosting call: positional and
// keyword arguments, JSON-encoded by the caller, plus an optional priority
// and tries_remaining override.
type NewJobSpec struct {
	Positional     []any
	Keyword        map[string]any
	Priority       int32
	TriesRemaining int32
}

// CreatePosting inserts a Posting and its JobRecords in one transaction, so
// a posting is never visible to workers with only part of its units. The
// posting starts in status waiting; jobs start in status waiting with the
// given tries_remaining (model.DefaultTriesRemaining if zero).
func (s *Store) CreatePosting(ctx context.Context, poster, targetFunction, entryPoint string, jobs []NewJobSpec) (*model.Posting, []model.JobRecord, error) {
	if targetFunction == "" || entryPoint == "" {
		return nil, nil, fmt.Errorf("%w: target_function and entry_point are required", ErrInvalidArgument)
	}

	var posting model.Posting
	var records []model.JobRecord

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO job_postings (poster, target_function, entry_point, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, poster, target_function, entry_point, status, created_on`,
			poster, targetFunction, entryPoint, status.Waiting)
		if err := row.Scan(&posting.ID, &posting.Poster, &posting.TargetFunction,
			&posting.EntryPoint, &posting.Status, &posting.CreatedOn); err != nil {
			return fmt.Errorf("insert posting: %w", err)
		}

		records = make([]model.JobRecord, 0, len(jobs))
		for _, j := range jobs {
			pos := j.Positional
			if pos == nil {
				pos = []any{}
			}
			posJSON, err := json.Marshal(pos)
			if err != nil {
				return fmt.Errorf("%w: marshal positional arguments: %v", ErrInvalidArgument, err)
			}
			var kwJSON []byte
			if j.Keyword != nil {
				kwJSON, err = json.Marshal(j.Keyword)
				if err != nil {
					return fmt.Errorf("%w: marshal keyword arguments: %v", ErrInvalidArgument, err)
				}
			}
			tries := j.TriesRemaining
			if tries == 0 {
				tries = model.DefaultTriesRemaining
			}

			var rec model.JobRecord
			row := tx.QueryRow(ctx, `
				INSERT INTO job_records
					(posting_id, priority, positional_arguments, keyword_arguments, tries_remaining, status)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, posting_id, priority, positional_arguments, keyword_arguments,
					tries_remaining, status, created_on, updated_on`,
				posting.ID, j.Priority, posJSON, kwJSON, tries, status.Waiting)
			if err := row.Scan(&rec.ID, &rec.PostingID, &rec.Priority, &rec.PositionalArguments,
				&rec.KeywordArguments, &rec.TriesRemaining, &rec.Status, &rec.CreatedOn, &rec.UpdatedOn); err != nil {
				return fmt.Errorf("insert job record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &posting, records, nil
}

// GetPosting returns the Posting with the given id, or ErrNotFound.
func (s *Store) GetPosting(ctx context.Context, id uuid.UUID) (*model.Posting, error) {
	var p model.Posting
	row := s.pool.QueryRow(ctx, `
		SELECT id, poster, target_function, entry_point, status, created_on
		FROM job_postings WHERE id = $1`, id)
	if err := row.Scan(&p.ID, &p.Poster, &p.TargetFunction, &p.EntryPoint, &p.Status, &p.CreatedOn); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get posting: %w", err)
	}
	return &p, nil
}

// ListPostings returns postings ordered by created_on DESC, id, optionally
// filtered by status. limit<=0 means unlimited.
func (s *Store) ListPostings(ctx context.Context, filterStatus *status.Status, limit int) ([]model.Posting, error) {
	query := `SELECT id, poster, target_function, entry_point, status, created_on FROM job_postings`
	args := []any{}
	if filterStatus != nil {
		query += ` WHERE status = $1`
		args = append(args, *filterStatus)
	}
	query += ` ORDER BY created_on DESC, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	var out []model.Posting
	for rows.Next() {
		var p model.Posting
		if err := rows.Scan(&p.ID, &p.Poster, &p.TargetFunction, &p.EntryPoint, &p.Status, &p.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPostingStatus administratively sets a posting's status (pause, cancel,
// or resume). This is the only way paused/cancelled is ever reached; the
// dispatch protocol never sets those.
func (s *Store) SetPostingStatus(ctx context.Context, id uuid.UUID, newStatus status.Status) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, newStatus)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE job_postings SET status = $1 WHERE id = $2`, newStatus, id)
	if err != nil {
		return fmt.Errorf("set posting status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobRecord returns a single JobRecord by id, or ErrNotFound.
func (s *Store) GetJobRecord(ctx context.Context, id uuid.UUID) (*model.JobRecord, error) {
	var j model.JobRecord
	row := s.pool.QueryRow(ctx, `
		SELECT id, posting_id, priority, positional_arguments, keyword_arguments,
			tries_remaining, status, created_on, updated_on
		FROM job_records WHERE id = $1`, id)
	if err := row.Scan(&j.ID, &j.PostingID, &j.Priority, &j.PositionalArguments, &j.KeywordArguments,
		&j.TriesRemaining, &j.Status, &j.CreatedOn, &j.UpdatedOn); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job record: %w", err)
	}
	return &j, nil
}

// JobStatusCounts returns, for a posting, the count of JobRecords in each
// status present. Backs observer.PollPostingPercent and
// observer.PollJobStatusCount.
func (s *Store) JobStatusCounts(ctx context.Context, postingID uuid.UUID) (map[status.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM job_records WHERE posting_id = $1 GROUP BY status`, postingID)
	if err != nil {
		return nil, fmt.Errorf("job status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[status.Status]int64)
	for rows.Next() {
		var st status.Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
