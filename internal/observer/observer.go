// Package observer exposes lazy sequences over DB aggregates for driving
// progress UIs. Each observation is one short SELECT; no locks are held
// between pulls, and the caller controls cadence by sleeping between them.
// Sequences are range-over-func iterators, so nothing runs between pulls
// and a plain break ends the sequence.
package observer

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/pdoflow/pdoflow/internal/model"
	"github.com/pdoflow/pdoflow/internal/status"
	"github.com/pdoflow/pdoflow/internal/store"
)

// Observer reads posting and job aggregates through a store.
type Observer struct {
	store *store.Store
}

// New wraps a store.
func New(st *store.Store) *Observer {
	return &Observer{store: st}
}

// Snapshot is a single posting observation.
func (o *Observer) Snapshot(ctx context.Context, postingID uuid.UUID) (*model.Posting, error) {
	return o.store.GetPosting(ctx, postingID)
}

// PollPosting yields successive Posting snapshots at the caller's pace. The
// sequence ends after yielding a snapshot in a terminal status, or yields a
// non-nil error (store.ErrNotFound for an unknown id) and stops.
func (o *Observer) PollPosting(ctx context.Context, postingID uuid.UUID) iter.Seq2[*model.Posting, error] {
	return func(yield func(*model.Posting, error) bool) {
		for {
			p, err := o.store.GetPosting(ctx, postingID)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) || p.Status.IsTerminal() {
				return
			}
		}
	}
}

// PollPostingPercent yields completion percentages in [0.0, 100.0]: the
// share of units in a terminal status. Successive values are non-decreasing
// because terminal statuses are absorbing. A posting with zero units is
// 100.0 immediately. The sequence ends after yielding 100.0, or yields
// store.ErrNotFound on the first pull for an unknown id.
func (o *Observer) PollPostingPercent(ctx context.Context, postingID uuid.UUID) iter.Seq2[float64, error] {
	return func(yield func(float64, error) bool) {
		if _, err := o.store.GetPosting(ctx, postingID); err != nil {
			yield(0, err)
			return
		}
		for {
			counts, err := o.store.JobStatusCounts(ctx, postingID)
			if err != nil {
				yield(0, err)
				return
			}
			var total, terminal int64
			for st, n := range counts {
				total += n
				if st.IsTerminal() {
					terminal += n
				}
			}
			percent := 100.0
			if total > 0 {
				percent = float64(terminal) / float64(total) * 100.0
			}
			if !yield(percent, nil) || percent >= 100.0 {
				return
			}
		}
	}
}

// PollJobStatusCount yields the count of the posting's units currently in
// st. The sequence is infinite; the caller terminates it. An unknown id
// yields store.ErrNotFound on the first pull; any error ends the sequence
// after being yielded.
func (o *Observer) PollJobStatusCount(ctx context.Context, postingID uuid.UUID, st status.Status) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if _, err := o.store.GetPosting(ctx, postingID); err != nil {
			yield(0, err)
			return
		}
		for {
			counts, err := o.store.JobStatusCounts(ctx, postingID)
			if err != nil {
				yield(0, err)
				return
			}
			if !yield(counts[st], nil) {
				return
			}
		}
	}
}

// AwaitStatusThreshold polls until pred(count of units in st) is true and
// returns the count that satisfied it. pollTime spaces the observations;
// ctx bounds the wait (its error is returned on cancellation or deadline).
func (o *Observer) AwaitStatusThreshold(ctx context.Context, postingID uuid.UUID, st status.Status, pred func(int64) bool, pollTime time.Duration) (int64, error) {
	if pollTime <= 0 {
		pollTime = time.Second
	}
	if _, err := o.store.GetPosting(ctx, postingID); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(pollTime)
	defer ticker.Stop()

	for {
		counts, err := o.store.JobStatusCounts(ctx, postingID)
		if err != nil {
			return 0, err
		}
		if n := counts[st]; pred(n) {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
