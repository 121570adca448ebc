package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"clipd/internal/blobstore"
	"clipd/internal/queue"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [jobID]",
		Short: "Show job progress and rendered clips",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				if len(args) == 0 {
					return renderJobList(cmd, store)
				}
				return ctx.withGateway(cmd.Context(), func(gateway blobstore.Gateway) error {
					return renderJobDetail(cmd, store, gateway, args[0])
				})
			})
		},
	}
}

func renderJobList(cmd *cobra.Command, store *queue.Store) error {
	jobs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs in the queue")
		return nil
	}

	colorize := shouldColorize(out)
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.MediaKind),
			colorStage(job.Stage, colorize),
			job.CreatedAt.Local().Format(time.DateTime),
		})
	}
	table := renderTable(
		[]string{"Job", "Kind", "Stage", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	)
	fmt.Fprintln(out, table)
	return nil
}

func renderJobDetail(cmd *cobra.Command, store *queue.Store, gateway blobstore.Gateway, jobID string) error {
	ctx := cmd.Context()
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	fmt.Fprintf(out, "Job:    %s\n", job.ID)
	fmt.Fprintf(out, "Kind:   %s\n", job.MediaKind)
	fmt.Fprintf(out, "Stage:  %s\n", colorStage(job.Stage, colorize))
	if job.SourceDuration > 0 {
		fmt.Fprintf(out, "Length: %s\n", time.Duration(job.SourceDuration*float64(time.Second)).Round(time.Second))
	}
	if job.ErrorDetail != "" {
		fmt.Fprintf(out, "Error:  %s\n", job.ErrorDetail)
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "Done:   %s\n", job.CompletedAt.Local().Format(time.DateTime))
	}

	segments, err := store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		fmt.Fprintln(out, "No segments yet")
		return nil
	}

	rows := make([][]string, 0, len(segments))
	for _, segment := range segments {
		output := ""
		if segment.OutputKey != "" {
			output = gateway.PublicURL(segment.OutputKey)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", segment.DisplayIndex+1),
			segment.Title,
			formatTimeRange(segment.StartTime, segment.EndTime),
			colorRenderStatus(segment.RenderStatus, colorize),
			output,
		})
	}
	table := renderTable(
		[]string{"#", "Title", "Range", "Render", "Output"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
	fmt.Fprintln(out, table)
	return nil
}

func formatTimeRange(start, end float64) string {
	return fmt.Sprintf("%s - %s", formatClock(start), formatClock(end))
}

func formatClock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func colorStage(stage queue.Stage, colorize bool) string {
	if !colorize {
		return string(stage)
	}
	switch stage {
	case queue.StageCompleted:
		return ansiGreen + string(stage) + ansiReset
	case queue.StageFailed:
		return ansiRed + string(stage) + ansiReset
	case queue.StagePending:
		return string(stage)
	default:
		return ansiYellow + string(stage) + ansiReset
	}
}

func colorRenderStatus(status queue.RenderStatus, colorize bool) string {
	if !colorize {
		return string(status)
	}
	switch status {
	case queue.RenderCompleted:
		return ansiGreen + string(status) + ansiReset
	case queue.RenderFailed:
		return ansiRed + string(status) + ansiReset
	default:
		return ansiYellow + string(status) + ansiReset
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	if strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
