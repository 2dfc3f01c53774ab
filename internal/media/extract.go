package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNoFrames is returned when extraction produced no images.
var ErrNoFrames = errors.New("media: no frames extracted")

// ExtractOptions bounds a single extraction run.
type ExtractOptions struct {
	MaxFrames int
	Interval  float64 // seconds between frames
	OutDir    string
}

// FrameExtractor turns a video file into still frames on disk.
type FrameExtractor interface {
	Extract(ctx context.Context, videoPath string, opts ExtractOptions) ([]Frame, error)
}

// runFunc executes an external command and returns its combined stderr on failure.
type runFunc func(ctx context.Context, name string, args ...string) error

// FFmpegExtractor samples frames with the ffmpeg CLI.
type FFmpegExtractor struct {
	Binary string // default "ffmpeg"

	run runFunc
}

// NewFFmpegExtractor returns an extractor that shells out to binary.
func NewFFmpegExtractor(binary string) *FFmpegExtractor {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegExtractor{Binary: binary, run: runCommand}
}

// Extract writes up to opts.MaxFrames JPEG frames into opts.OutDir and
// returns them in frame order.
func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath string, opts ExtractOptions) ([]Frame, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("media: video path is required")
	}
	if opts.OutDir == "" {
		return nil, fmt.Errorf("media: output dir is required")
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = 30
	}
	if opts.Interval <= 0 {
		opts.Interval = 0.5
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create %s: %w", opts.OutDir, err)
	}

	args := ffmpegArgs(videoPath, opts)
	if err := e.run(ctx, e.Binary, args...); err != nil {
		return nil, fmt.Errorf("media: extract frames from %s: %w", videoPath, err)
	}

	frames, err := ListFrames(opts.OutDir)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if len(frames) > opts.MaxFrames {
		frames = frames[:opts.MaxFrames]
	}
	return frames, nil
}

// ffmpegArgs builds the argument list for a sampled frame dump.
func ffmpegArgs(videoPath string, opts ExtractOptions) []string {
	fps := strconv.FormatFloat(1/opts.Interval, 'f', -1, 64)
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-vf", "fps=" + fps,
		"-frames:v", strconv.Itoa(opts.MaxFrames),
		filepath.Join(opts.OutDir, "frame_%04d.jpg"),
	}
}

// ListFrames returns the frame_NNNN.jpg files in dir sorted by frame number.
// Frame numbers are zero-based to match detector output.
func ListFrames(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("media: list frames in %s: %w", dir, err)
	}
	var frames []Frame
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "frame_") || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".jpg"))
		if err != nil {
			continue
		}
		frames = append(frames, Frame{Number: n - 1, Path: filepath.Join(dir, name)})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Number < frames[j].Number })
	return frames, nil
}

// runCommand runs name with args, terminating it with SIGTERM when ctx ends.
func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
