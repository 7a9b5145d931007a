package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or cancel a single job",
	}
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	return jobCmd
}

type jobDetail struct {
	Job   models.Job        `json:"job"`
	Audit []models.AuditLog `json:"audit"`
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job, its payload and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail jobDetail
			if err := ctx.call(cmd.Context(), http.MethodGet, "/jobs/"+args[0], nil, nil, &detail); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}

			j := detail.Job
			payload, _ := json.Marshal(j.Payload)
			fmt.Fprint(out, renderTable([]string{"Field", "Value"}, [][]string{
				{"ID", j.ID},
				{"Type", j.Type},
				{"Status", j.Status},
				{"Priority", j.Priority},
				{"Tenant", j.Tenant},
				{"Attempts", fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts)},
				{"Next Run", formatTime(j.NextRunAt)},
				{"Worker", deref(j.WorkerID)},
				{"Idempotency Key", deref(j.IdempotencyKey)},
				{"Last Error", deref(j.LastError)},
				{"Payload", string(payload)},
			}, nil))

			if len(detail.Audit) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(detail.Audit))
			for _, a := range detail.Audit {
				rows = append(rows, []string{formatTime(a.Recorded), a.Event, a.Detail})
			}
			fmt.Fprint(out, renderTable([]string{"When", "Event", "Detail"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.call(cmd.Context(), http.MethodPost, "/jobs/"+args[0]+"/cancel", nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
