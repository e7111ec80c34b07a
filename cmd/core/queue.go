package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldsync/core/internal/models"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and retry queued operations",
	}
	cmd.AddCommand(newQueueListCmd(a), newQueueRetryCmd(a))
	return cmd
}

func newQueueListCmd(a *app) *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in upload order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				ops []models.SyncOperation
				err error
			)
			if failedOnly {
				ops, err = a.engine.FailedOperations(cmd.Context())
			} else {
				ops, err = a.engine.Operations(cmd.Context())
			}
			if err != nil {
				return err
			}

			if a.jsonOut {
				return a.printJSON(ops)
			}
			if len(ops) == 0 {
				a.printf("Queue is empty\n")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tENTITY\tRETRIES\tLAST ERROR")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Type, op.EntityID, op.RetryCount, op.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only operations that used up their retries")
	return cmd
}

func newQueueRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Reset an operation's retry count and sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.engine.RetryOperation(cmd.Context(), args[0])
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
}
