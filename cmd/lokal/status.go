package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lokalhq/lokal/internal/models"
	"github.com/lokalhq/lokal/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		filter string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long:  "Without arguments lists recent jobs. With a job ID shows its current state and status history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gdb, err := connectDB(cfg)
			if err != nil {
				return err
			}
			jobs := store.NewStatusStore(gdb)
			if len(args) == 0 {
				return runStatusList(cmd, jobs, filter, limit)
			}
			return runStatusJob(cmd, jobs, args[0])
		},
	}

	cmd.Flags().StringVar(&filter, "status", "", "only list jobs in this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func runStatusList(cmd *cobra.Command, jobs *store.StatusStore, filter string, limit int) error {
	list, err := jobs.ListJobs(cmd.Context(), filter, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tSTATUS\tPROGRESS\tUPDATED")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", j.ID, j.VideoID, j.Status, j.Progress, j.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runStatusJob(cmd *cobra.Command, jobs *store.StatusStore, id string) error {
	ctx := cmd.Context()
	job, err := jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}
	events, err := jobs.Events(ctx, id)
	if err != nil {
		return err
	}
	printJob(cmd.OutOrStdout(), job, events)
	return nil
}

func printJob(out io.Writer, job *models.Job, events []models.JobStatusEvent) {
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Video:    %s (%s)\n", job.VideoID, job.VideoPath)
	fmt.Fprintf(out, "Status:   %s  %d%%\n", job.Status, job.Progress)
	if job.Stage != "" {
		fmt.Fprintf(out, "Stage:    %s\n", job.Stage)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", job.Error)
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s (%s)\n", job.CompletedAt.Format(time.RFC3339),
			job.CompletedAt.Sub(job.CreatedAt).Round(time.Millisecond))
	}
	if len(events) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tSTATUS\tPROGRESS\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", e.CreatedAt.Format("15:04:05.000"), e.Status, e.Progress, e.Message)
	}
	w.Flush()
}
