// Command pdoflow is the PDOFlow binary.
//
// Subcommands:
//
//	pool                — run a worker pool until interrupted
//	worker              — run a single worker (use --once for one cycle)
//	posting-status      — show the status of one or more postings
//	list-postings       — list postings, newest first
//	set-posting-status  — pause, cancel, or resume a posting
//	priority-stats      — queue depth by (priority, status)
//	execute-job         — run one unit in-process for debugging
//	migrate             — run pending database migrations and exit
//
// The shipped binary carries an empty callable registry, so its worker
// commands are only useful against postings whose functions a producer
// process registered into its own binary built on internal/cli.Run.
package main

import (
	"os"

	// Embeds the IANA timezone database in the binary so time.LoadLocation
	// works inside distroless containers with no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the Go GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/pdoflow/pdoflow/internal/cli"
	"github.com/pdoflow/pdoflow/internal/registry"
)

func main() {
	os.Exit(cli.Run(registry.NewStaticRegistry(), os.Args[1:]))
}
