package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/models"
)

func newJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Record local job edits",
	}
	cmd.AddCommand(newJobCreateCmd(a), newJobUpdateCmd(a), newJobDeleteCmd(a))
	return cmd
}

func newJobCreateCmd(a *app) *cobra.Command {
	var job models.Job

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(job.ClientName) == "" {
				return apperrors.New(apperrors.ErrInvalid, "--client is required")
			}
			created, err := a.engine.RecordCreateJob(cmd.Context(), job)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(created)
			}
			a.printf("Created job %s\n", created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&job.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&job.JobType, "type", "", "job type")
	cmd.Flags().StringVar(&job.Description, "description", "", "description")
	cmd.Flags().StringVar(&job.Address, "address", "", "site address")
	cmd.Flags().StringVar(&job.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&job.Status, "status", "scheduled", "initial status")
	return cmd
}

func newJobUpdateCmd(a *app) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Change job fields",
		Long: `Change job fields with one or more --set field=value flags. A value
that parses as JSON is sent as such, anything else as a string.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if err := a.engine.RecordUpdateJob(cmd.Context(), args[0], changes); err != nil {
				return err
			}
			a.printf("Updated job %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	return cmd
}

func newJobDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.RecordDeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.printf("Deleted job %s\n", args[0])
			return nil
		},
	}
}

// parseAssignments turns field=value pairs into a change set.
func parseAssignments(sets []string) (map[string]interface{}, error) {
	if len(sets) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "at least one --set field=value is required")
	}
	changes := make(map[string]interface{}, len(sets))
	for _, s := range sets {
		field, raw, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("--set %q is not field=value", s))
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		changes[field] = v
	}
	return changes, nil
}
