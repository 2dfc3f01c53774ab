package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lokalhq/lokal/internal/media"
)

// DefaultTimeout bounds a single detector run.
const DefaultTimeout = 5 * time.Minute

// execFunc runs a command and returns its stdout.
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// SubprocessDetector runs the tracking script as a child process and reads a
// single JSON document from its stdout.
type SubprocessDetector struct {
	Command string // interpreter, e.g. "python3"
	Script  string // path to the tracking script
	Timeout time.Duration

	exec execFunc
}

// NewSubprocessDetector returns a detector that runs `command script ...`.
func NewSubprocessDetector(command, script string, timeout time.Duration) *SubprocessDetector {
	if command == "" {
		command = "python3"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SubprocessDetector{Command: command, Script: script, Timeout: timeout, exec: runStdout}
}

// Args builds the script arguments for a run.
func (d *SubprocessDetector) Args(videoPath string, opts Options) []string {
	var args []string
	if d.Script != "" {
		args = append(args, d.Script)
	}
	args = append(args, videoPath)
	if opts.ConfidenceThreshold > 0 {
		args = append(args, "--confidence", strconv.FormatFloat(opts.ConfidenceThreshold, 'f', -1, 64))
	}
	if opts.MaxObjectsPerFrame > 0 {
		args = append(args, "--max-objects", strconv.Itoa(opts.MaxObjectsPerFrame))
	}
	if opts.IoUThreshold > 0 {
		args = append(args, "--iou-threshold", strconv.FormatFloat(opts.IoUThreshold, 'f', -1, 64))
	}
	return args
}

// Detect runs the detector once. The run either yields a complete result or
// an error; output of a killed process is discarded.
func (d *SubprocessDetector) Detect(ctx context.Context, videoPath string, opts Options) ([]media.TrackedObject, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("detector: video path is required")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, err := d.exec(runCtx, d.Command, d.Args(videoPath, opts)...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The script reports its own failures as {"error": ...} on stdout.
		if _, perr := Parse(stdout); errors.Is(perr, ErrReported) {
			return nil, perr
		}
		return nil, fmt.Errorf("detector: run %s: %w", d.Command, err)
	}

	out, err := Parse(stdout)
	if err != nil {
		return nil, err
	}
	return Aggregate(out.FrameResults), nil
}

// runStdout executes a command, returning stdout. Cancellation sends SIGTERM
// and escalates after WaitDelay.
func runStdout(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
