package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/comfyrun/pkg/model"
)

func newJobsCmd() *cobra.Command {
	var server, state string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List recorded jobs or show one",
		Long: `Reads the local job ledger, or the ledger of a running comfyrun API when
--server is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			opts := model.ListOptions{Limit: limit, Offset: offset, State: state}

			if server != "" {
				client := NewClient(server, logger)
				if len(args) == 1 {
					resp, err := client.Get(ctx, "/api/v1/jobs/"+url.PathEscape(args[0]))
					if err != nil {
						return fmt.Errorf("get job: %w", err)
					}
					var rec model.JobRecord
					if err := json.Unmarshal(resp.Data, &rec); err != nil {
						return fmt.Errorf("parse response: %w", err)
					}
					printJob(out, &rec)
					return nil
				}

				q := url.Values{}
				q.Set("limit", strconv.Itoa(limit))
				q.Set("offset", strconv.Itoa(offset))
				if state != "" {
					q.Set("state", state)
				}
				resp, err := client.Get(ctx, "/api/v1/jobs?"+q.Encode())
				if err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
				var jobs []*model.JobRecord
				if err := json.Unmarshal(resp.Data, &jobs); err != nil {
					return fmt.Errorf("parse response: %w", err)
				}
				total := len(jobs)
				if resp.Pagination != nil {
					total = resp.Pagination.Total
				}
				printJobs(out, jobs, total)
				return nil
			}

			st, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				rec, err := st.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return model.NewMissingError("job", args[0])
				}
				printJob(out, rec)
				return nil
			}

			jobs, total, err := st.ListJobs(ctx, opts)
			if err != nil {
				return err
			}
			printJobs(out, jobs, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "comfyrun API URL to query instead of the local ledger")
	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state (PENDING, SUBMITTED, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", model.DefaultListOptions().Limit, "Maximum jobs listed")
	cmd.Flags().IntVar(&offset, "offset", 0, "Jobs skipped before listing")
	return cmd
}

func printJobs(w io.Writer, jobs []*model.JobRecord, total int) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}

	fmt.Fprintf(w, "%-40s  %-10s  %-24s  %s\n", "ID", "STATE", "WORKFLOW", "CREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%-40s  %-10s  %-24s  %s\n", j.ID, j.State, j.WorkflowID, humanize.Time(j.CreatedAt))
	}

	s := model.ComputeJobSummary(jobs)
	fmt.Fprintf(w, "\n%d completed, %d failed, %d in progress", s.Completed, s.Failed, s.Pending+s.Submitted)
	if total > len(jobs) {
		fmt.Fprintf(w, " (%d of %d shown)", len(jobs), total)
	}
	fmt.Fprintln(w)
}

func printJob(w io.Writer, j *model.JobRecord) {
	fmt.Fprintf(w, "Job: %s\n", j.ID)
	fmt.Fprintf(w, "  Workflow: %s\n", j.WorkflowID)
	fmt.Fprintf(w, "  State:    %s\n", j.State)
	fmt.Fprintf(w, "  Kind:     %s\n", j.Kind)
	if j.PromptID != "" {
		fmt.Fprintf(w, "  Prompt:   %s\n", j.PromptID)
	}
	if j.Source != "" {
		fmt.Fprintf(w, "  Input:    %s\n", j.Source)
	}
	if len(j.Params) > 0 {
		params, _ := json.Marshal(j.Params)
		fmt.Fprintf(w, "  Params:   %s\n", params)
	}
	fmt.Fprintf(w, "  Attempts: %d\n", j.Attempts)
	fmt.Fprintf(w, "  Created:  %s (%s)\n", j.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(j.CreatedAt))
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s (took %s)\n", j.CompletedAt.Format("2006-01-02 15:04:05"),
			j.CompletedAt.Sub(j.CreatedAt).Round(time.Millisecond))
	}
	if j.OutputPath != "" {
		fmt.Fprintf(w, "  Output:   %s\n", j.OutputPath)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", j.Error)
	}
}
