package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

func newDLQCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered jobs",
	}
	dlqCmd.AddCommand(newDLQListCommand(ctx))
	dlqCmd.AddCommand(newDLQRequeueCommand(ctx))
	return dlqCmd
}

func newDLQListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items []models.Job `json:"items"`
			}
			path := "/dlq?limit=" + strconv.Itoa(limit)
			if err := ctx.call(cmd.Context(), http.MethodGet, path, nil, nil, &resp); err != nil {
				return err
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(resp.Items))
			for _, j := range resp.Items {
				rows = append(rows, []string{
					j.ID,
					j.Type,
					j.Tenant,
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					deref(j.LastError),
					formatTime(j.UpdatedAt),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Type", "Tenant", "Attempts", "Last Error", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs to show")
	return cmd
}

func newDLQRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>...",
		Short: "Move dead-lettered jobs back onto the ready queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := ctx.call(cmd.Context(), http.MethodPost, "/dlq/"+id+"/requeue", nil, nil, nil); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			}
			return nil
		},
	}
}
