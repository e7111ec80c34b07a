package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/models"
	syncpkg "github.com/fieldsync/core/internal/sync"
)

func newConflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCmd(a), newConflictsResolveCmd(a))
	return cmd
}

func newConflictsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending := a.engine.PendingConflicts()
			if a.jsonOut {
				return a.printJSON(pending)
			}
			if len(pending) == 0 {
				a.printf("No pending conflicts\n")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tFIELD\tSERVER\tLOCAL\tDETECTED")
			for _, c := range pending {
				fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\t%s\n",
					c.ID, c.EntityType, c.EntityID, c.Field,
					rawOrDash(c.ServerValue), rawOrDash(c.LocalValue),
					c.DetectedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func rawOrDash(v json.RawMessage) string {
	if len(v) == 0 {
		return "-"
	}
	return string(v)
}

func newConflictsResolveCmd(a *app) *cobra.Command {
	var (
		strategy string
		value    string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with a strategy",
		Long: `Resolve a pending conflict.

Strategies: server_wins, local_wins, merge. With merge, --value supplies
the merged fields as a JSON object.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := models.ParseStrategy(strategy)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid --strategy", err)
			}

			req := syncpkg.ResolveRequest{ConflictID: args[0], Strategy: s}
			if value != "" {
				if !json.Valid([]byte(value)) {
					return apperrors.New(apperrors.ErrInvalid, "--value must be JSON")
				}
				req.ResolvedPayload = json.RawMessage(value)
			}

			applied, err := a.engine.Resolve(cmd.Context(), req)
			if err != nil {
				return err
			}
			if applied {
				a.printf("Conflict %s resolved with %s\n", args[0], s.WireName())
			} else {
				a.printf("Conflict %s was already resolved\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "server_wins, local_wins or merge")
	cmd.Flags().StringVar(&value, "value", "", "resolved fields as a JSON object")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}
