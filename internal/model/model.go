// Package model defines the PDOFlow data model: Posting, JobRecord, and the
// normalized profile tables (JobProfile, Function, FunctionStat,
// FunctionCallMap). These are plain structs; internal/store maps them
// to and from rows.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pdoflow/pdoflow/internal/status"
)

// Posting is a named batch of work submitted by a producer.
type Posting struct {
	ID             uuid.UUID
	Poster         string
	TargetFunction string
	EntryPoint     string
	Status         status.Status
	CreatedOn      time.Time
}

// JobRecord is a single work unit: one invocation of a user function with a
// specific argument set.
type JobRecord struct {
	ID                  uuid.UUID
	PostingID           uuid.UUID
	Priority            int32
	PositionalArguments json.RawMessage // JSON array
	KeywordArguments    json.RawMessage // JSON object, may be null
	TriesRemaining      int32
	Status              status.Status
	CreatedOn           time.Time
	UpdatedOn           time.Time
}

// JobProfile is the aggregate profiling summary for one sampled JobRecord.
type JobProfile struct {
	ID          uuid.UUID
	JobRecordID uuid.UUID
	TotalCalls  int64
	TotalTime   float64 // seconds
	CreatedOn   time.Time
}

// Function identifies a source-level function. (File, Name, Lineno) is
// unique and shared across profiles via dedup-on-insert.
type Function struct {
	ID     uuid.UUID
	File   string
	Name   string
	Lineno int32
}

// FunctionStat is one function's aggregate call statistics within a single
// JobProfile.
type FunctionStat struct {
	JobProfileID   uuid.UUID
	FunctionID     uuid.UUID
	PrimitiveCalls int64
	TotalCalls     int64
	TotalTime      float64
	CumulativeTime float64
}

// FunctionCallMap is one caller->callee edge within a single JobProfile.
type FunctionCallMap struct {
	JobProfileID     uuid.UUID
	CallerFunctionID uuid.UUID
	CalleeFunctionID uuid.UUID
	Calls            int64
	TotalTime        float64
}

// DefaultTriesRemaining is the default retry budget for a newly created
// JobRecord.
const DefaultTriesRemaining = 3

// DefaultPriority is the default JobRecord priority.
const DefaultPriority = 0
