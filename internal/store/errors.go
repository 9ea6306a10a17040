package store

import "errors"

// ErrNotFound is returned when a lookup by id finds no row. It is surfaced
// to the caller, never silently treated as an empty result.
var ErrNotFound = errors.New("pdoflow: not found")

// ErrInvalidArgument is returned for programmer errors at API boundaries
// (e.g. a non-positive batch size). These are synchronous and never written
// to the DB.
var ErrInvalidArgument = errors.New("pdoflow: invalid argument")

// ErrTimeout is returned when a bounded wait (worker.Pool.AwaitPostingCompletion)
// exceeds its deadline.
var ErrTimeout = errors.New("pdoflow: timed out")
