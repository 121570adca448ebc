package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clipd/internal/blobstore"
	"clipd/internal/queue"
	"clipd/internal/textutil"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var mediaKind string
	var segmentCount int
	var minDuration float64
	var maxDuration float64

	cmd := &cobra.Command{
		Use:   "submit <file-or-storage-key>",
		Short: "Submit a media file for clip extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := queue.ParseMediaKind(mediaKind)
			if !ok {
				return fmt.Errorf("media kind must be video or audio, got %q", mediaKind)
			}

			params := queue.NewJobParams{
				MediaKind:    kind,
				SegmentCount: segmentCount,
				MinDuration:  minDuration,
				MaxDuration:  maxDuration,
			}

			return ctx.withStore(func(store *queue.Store) error {
				return ctx.withGateway(cmd.Context(), func(gateway blobstore.Gateway) error {
					source := args[0]
					if info, err := os.Stat(source); err == nil && !info.IsDir() {
						jobID := uuid.NewString()
						key := blobstore.SourceKey(jobID, textutil.SanitizeFileName(filepath.Base(source)))
						file, err := os.Open(source)
						if err != nil {
							return fmt.Errorf("open source file: %w", err)
						}
						defer file.Close()
						contentType := mime.TypeByExtension(filepath.Ext(source))
						if _, err := gateway.Put(cmd.Context(), key, file, contentType); err != nil {
							return fmt.Errorf("upload source: %w", err)
						}
						params.ID = jobID
						params.SourceKey = key
					} else {
						params.SourceKey = source
						params.ID = jobIDFromSourceKey(source)
					}

					job, err := store.NewJob(cmd.Context(), params)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Submitted job %s\n", job.ID)
					fmt.Fprintf(out, "Source: %s\n", job.SourceKey)
					fmt.Fprintf(out, "Check progress with `clipd status %s`\n", job.ID)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVarP(&mediaKind, "kind", "k", "video", "Media kind: video or audio")
	cmd.Flags().IntVarP(&segmentCount, "segments", "n", 3, "Maximum number of clips to produce")
	cmd.Flags().Float64Var(&minDuration, "min-duration", 15, "Minimum clip length in seconds")
	cmd.Flags().Float64Var(&maxDuration, "max-duration", 90, "Maximum clip length in seconds")
	return cmd
}

// jobIDFromSourceKey recovers the job identifier embedded in a canonical
// source key so the job's blobs stay under its storage prefix.
func jobIDFromSourceKey(key string) string {
	prefix, rest, ok := strings.Cut(key, "/")
	if !ok || !strings.HasPrefix(rest, "source/") {
		return ""
	}
	if _, err := uuid.Parse(prefix); err != nil {
		return ""
	}
	return prefix
}
