package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/status"
)

type processFlags struct {
	videoID    string
	userID     string
	tags       []string
	maxFrames  int
	confidence float64
	jsonOut    bool
}

func newProcessCmd() *cobra.Command {
	var f processFlags

	cmd := &cobra.Command{
		Use:   "process <video>",
		Short: "Process one video in-process and print recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.videoID, "video-id", "", "video identifier (defaults to the job ID)")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "user the job runs for")
	cmd.Flags().StringSliceVarP(&f.tags, "tag", "t", nil, "user tag to boost matching (repeatable)")
	cmd.Flags().IntVar(&f.maxFrames, "max-frames", 0, "frames to extract (0 uses the config default)")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 0, "detection confidence threshold (0 uses the config default)")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the full result as JSON")
	return cmd
}

func runProcess(cmd *cobra.Command, videoPath string, f processFlags) error {
	if !fileExists(videoPath) {
		return fmt.Errorf("video file not found: %s", videoPath)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID := uuid.NewString()
	updates, cancel := a.hub.Subscribe(ctx, jobID)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		showProgress(cmd.ErrOrStderr(), updates)
	}()

	res, err := a.pipeline.ProcessVideo(ctx, jobID, videoPath, pipeline.Options{
		VideoID:             f.videoID,
		UserID:              f.userID,
		UserTags:            f.tags,
		MaxFrames:           f.maxFrames,
		ConfidenceThreshold: f.confidence,
	})
	cancel()
	<-done
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	out := cmd.OutOrStdout()
	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(out, res)
	return nil
}

// showProgress renders a progress bar when stderr is a terminal and drains
// updates otherwise.
func showProgress(w io.Writer, updates <-chan status.Update) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		for range updates {
		}
		return
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	for u := range updates {
		bar.Describe(u.Status)
		_ = bar.Set(u.Progress)
	}
	_ = bar.Finish()
}

func printResult(out io.Writer, res *pipeline.Result) {
	fmt.Fprintf(out, "Job %s (video %s)\n", res.JobID, res.VideoID)
	s := res.Summary
	fmt.Fprintf(out, "Frames: %d  Tracks: %d  Described: %d  Analysis calls: %d  Cache hit rate: %.0f%%\n",
		s.Frames, s.Tracks, s.Described, res.Telemetry.AnalysisCalls, res.Telemetry.CacheHitRate*100)
	if res.FallbackMode {
		fmt.Fprintf(out, "Degraded: fallback used in %v\n", res.Telemetry.FallbackStages)
	}
	if len(res.Recommendations) == 0 {
		fmt.Fprintln(out, "No recommendations.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tTRACK\tOBJECT\tPRODUCT\tPRICE\tRETAILERS")
	for _, m := range res.Recommendations {
		fmt.Fprintf(w, "%.2f\t%d\t%s\t%s\t%.2f\t%v\n",
			m.Score, m.TrackID, m.ClassName, m.Product.Title, m.Product.Price, m.Retailers)
	}
	w.Flush()
}
