package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdoflow/pdoflow/internal/model"
	"github.com/pdoflow/pdoflow/internal/status"
	"github.com/pdoflow/pdoflow/internal/store"
)

// ── posting-status ────────────────────────────────────────────────────────────

func postingStatusCmd(getConfig configFn) *cobra.Command {
	var (
		showJobs bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "posting-status <uuid>...",
		Short: "Show the status of one or more postings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()
			st := store.New(db)

			for _, arg := range args {
				id, err := parseUUID(arg)
				if err != nil {
					return err
				}
				posting, err := st.GetPosting(ctx, id)
				if err != nil {
					return fmt.Errorf("posting %s: %w", arg, err)
				}
				counts, err := st.JobStatusCounts(ctx, id)
				if err != nil {
					return err
				}

				rows := [][]string{postingRow(posting, counts)}
				render(cmd.OutOrStdout(), format, postingHeader, rows)

				if showJobs {
					jobs, err := st.ListJobRecords(ctx, id, nil)
					if err != nil {
						return err
					}
					jobRows := make([][]string, 0, len(jobs))
					for _, j := range jobs {
						jobRows = append(jobRows, []string{
							j.ID.String(),
							strconv.FormatInt(int64(j.Priority), 10),
							string(j.Status),
							strconv.FormatInt(int64(j.TriesRemaining), 10),
							j.UpdatedOn.UTC().Format(time.RFC3339),
						})
					}
					render(cmd.OutOrStdout(), format,
						[]string{"job id", "priority", "status", "tries left", "updated"}, jobRows)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showJobs, "show-jobs", false, "also list each job record")
	cmd.Flags().StringVar(&format, "format", "simple", "output format (simple|grid|html|latex)")
	return cmd
}

var postingHeader = []string{"id", "poster", "function", "status", "done", "total", "created"}

func postingRow(p *model.Posting, counts map[status.Status]int64) []string {
	var total, terminal int64
	for st, n := range counts {
		total += n
		if st.IsTerminal() {
			terminal += n
		}
	}
	return []string{
		p.ID.String(),
		p.Poster,
		p.TargetFunction,
		string(p.Status),
		strconv.FormatInt(terminal, 10),
		strconv.FormatInt(total, 10),
		p.CreatedOn.UTC().Format(time.RFC3339),
	}
}

// ── list-postings ─────────────────────────────────────────────────────────────

func listPostingsCmd(getConfig configFn) *cobra.Command {
	var (
		format       string
		statusFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list-postings",
		Short: "List postings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			var filter *status.Status
			if statusFilter != "" {
				s := status.Status(statusFilter)
				if !s.Valid() {
					return fmt.Errorf("%w: unknown status %q", store.ErrInvalidArgument, statusFilter)
				}
				filter = &s
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			postings, err := store.New(db).ListPostings(ctx, filter, limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(postings))
			for _, p := range postings {
				rows = append(rows, []string{
					p.ID.String(),
					p.Poster,
					p.TargetFunction,
					string(p.Status),
					p.CreatedOn.UTC().Format(time.RFC3339),
				})
			}
			render(cmd.OutOrStdout(), format,
				[]string{"id", "poster", "function", "status", "created"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "simple", "output format (simple|grid|html|latex)")
	cmd.Flags().StringVar(&statusFilter, "status", "", "only postings in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 = all)")
	return cmd
}

// ── set-posting-status ────────────────────────────────────────────────────────

func setPostingStatusCmd(getConfig configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "set-posting-status <uuid> <status>",
		Short: "Administratively set a posting's status (pause, cancel, resume)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			newStatus := status.Status(args[1])
			if !newStatus.Valid() {
				return fmt.Errorf("%w: unknown status %q (one of %v)",
					store.ErrInvalidArgument, args[1], status.All)
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			return store.New(db).SetPostingStatus(ctx, id, newStatus)
		},
	}
}

// ── priority-stats ────────────────────────────────────────────────────────────

func priorityStatsCmd(getConfig configFn) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "priority-stats",
		Short: "Show queue depth by (priority, status) across all postings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}

			cfg, err := getConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := newPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			stats, err := store.New(db).PriorityStats(ctx, nil)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(stats))
			for _, s := range stats {
				rows = append(rows, []string{
					strconv.FormatInt(int64(s.Priority), 10),
					string(s.Status),
					strconv.FormatInt(s.Count, 10),
				})
			}
			render(cmd.OutOrStdout(), format, []string{"priority", "status", "count"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "simple", "output format (simple|grid|html|latex)")
	return cmd
}
