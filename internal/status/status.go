// Package status defines the lifecycle states shared by Postings and
// JobRecords.
package status

// Status is the lifecycle state of a Posting or a JobRecord. The same
// identifiers apply to both; some transitions are only valid on one of the
// two (see internal/store for the transition logic).
type Status string

const (
	Waiting    Status = "waiting"
	Executing  Status = "executing"
	Done       Status = "done"
	ErroredOut Status = "errored_out"
	Paused     Status = "paused"
	Cancelled  Status = "cancelled"
)

// All lists every known status, in a stable order, for validation and CLI
// help text.
var All = []Status{Waiting, Executing, Done, ErroredOut, Paused, Cancelled}

// IsTerminal reports whether s is a terminal status: done, errored_out, or
// cancelled. No further transitions occur once a Posting or JobRecord
// reaches a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case Done, ErroredOut, Cancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range All {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }
