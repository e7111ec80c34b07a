package main

import (
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/fieldsync/core/internal/sync"
)

func newSyncCmd(a *app) *cobra.Command {
	var withRetry bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Upload the queued operations, apply the server's per-operation results
and pull changes since the last successful sync.

With --retry a cycle that fails on a transient error is repeated on the
configured delay schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				result *syncpkg.SyncResult
				err    error
			)
			if withRetry {
				result, err = a.engine.SyncWithRetry(cmd.Context())
			} else {
				result, err = a.engine.Sync(cmd.Context())
			}
			if result != nil {
				if a.jsonOut {
					if perr := a.printJSON(result); perr != nil {
						return perr
					}
				} else {
					a.printResult(result)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&withRetry, "retry", false, "retry transient failures")
	return cmd
}

func (a *app) printResult(r *syncpkg.SyncResult) {
	if r.AlreadyInProgress {
		a.printf("A sync is already in progress\n")
		return
	}

	a.printf("=== Sync finished in %v ===\n", r.Duration.Round(time.Millisecond))
	a.printf("Uploaded: %d succeeded, %d failed\n", r.Succeeded, r.Failed)
	if r.AutoResolved > 0 {
		a.printf("Conflicts resolved automatically: %d\n", r.AutoResolved)
	}
	a.printf("Downloaded: %d changes\n", r.Downloaded)

	if len(r.Conflicts) > 0 {
		a.printf("Conflicts needing a decision: %d\n", len(r.Conflicts))
		for _, c := range r.Conflicts {
			a.printf("  %s  %s %s field %q\n", c.ID, c.EntityType, c.EntityID, c.Field)
		}
		a.printf("Use 'fieldsync conflicts resolve <id> --strategy ...' to decide\n")
	}

	if len(r.Errors) > 0 {
		a.printf("Errors: %d\n", len(r.Errors))
		for i, e := range r.Errors {
			if i == 5 {
				a.printf("  ... and %d more\n", len(r.Errors)-5)
				break
			}
			if e.OperationID != "" {
				a.printf("  %s: %s\n", e.OperationID, e.Message)
			} else {
				a.printf("  %s\n", e.Message)
			}
		}
	}
}

type statusView struct {
	Status           string     `json:"status"`
	PendingCount     int        `json:"pending_count"`
	FailedCount      int        `json:"failed_count"`
	PendingConflicts int        `json:"pending_conflicts"`
	LastPull         *time.Time `json:"last_pull,omitempty"`
	CachedJobs       int        `json:"cached_jobs"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and conflict counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			pending, err := a.engine.PendingCount(ctx)
			if err != nil {
				return err
			}
			failed, err := a.engine.FailedOperations(ctx)
			if err != nil {
				return err
			}

			v := statusView{
				Status:           string(a.engine.Status()),
				PendingCount:     pending,
				FailedCount:      len(failed),
				PendingConflicts: len(a.engine.PendingConflicts()),
				CachedJobs:       len(a.cache.Jobs()),
			}
			if wm, ok, err := a.store.Watermark(ctx); err == nil && ok {
				v.LastPull = &wm
			}

			if a.jsonOut {
				return a.printJSON(v)
			}
			a.printf("Status: %s\n", v.Status)
			a.printf("Pending operations: %d\n", v.PendingCount)
			a.printf("Failed operations: %d\n", v.FailedCount)
			a.printf("Pending conflicts: %d\n", v.PendingConflicts)
			a.printf("Cached jobs: %d\n", v.CachedJobs)
			if v.LastPull != nil {
				a.printf("Last pull: %s\n", v.LastPull.Local().Format("2006-01-02 15:04:05"))
			} else {
				a.printf("Last pull: never\n")
			}
			return nil
		},
	}
}
