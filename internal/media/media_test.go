package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBoundingBox_Dimensions(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 70}
	if b.Width() != 100 || b.Height() != 50 || b.Area() != 5000 {
		t.Errorf("got %vx%v area %v, want 100x50 area 5000", b.Width(), b.Height(), b.Area())
	}
	inverted := BoundingBox{X1: 50, Y1: 50, X2: 10, Y2: 10}
	if inverted.Width() != 0 || inverted.Height() != 0 {
		t.Errorf("inverted box should have zero size, got %vx%v", inverted.Width(), inverted.Height())
	}
}

func TestTrackedObject_BestBox(t *testing.T) {
	obj := TrackedObject{Boxes: []FrameBox{
		{FrameNumber: 0, Confidence: 0.6, Box: BoundingBox{0, 0, 10, 10}},
		{FrameNumber: 2, Confidence: 0.9, Box: BoundingBox{0, 0, 10, 10}},
		{FrameNumber: 4, Confidence: 0.9, Box: BoundingBox{0, 0, 20, 20}},
	}}
	best, ok := obj.BestBox()
	if !ok {
		t.Fatal("expected a best box")
	}
	if best.FrameNumber != 4 {
		t.Errorf("best frame = %d, want 4 (larger box wins confidence tie)", best.FrameNumber)
	}
	if _, ok := (TrackedObject{}).BestBox(); ok {
		t.Error("empty object should have no best box")
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("/in/video.mp4", ExtractOptions{MaxFrames: 12, Interval: 0.5, OutDir: "/out"})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-i /in/video.mp4", "-vf fps=2", "-frames:v 12", "/out/frame_%04d.jpg"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
}

func TestFFmpegExtractor_Extract(t *testing.T) {
	dir := t.TempDir()
	e := NewFFmpegExtractor("")
	var gotName string
	e.run = func(ctx context.Context, name string, args ...string) error {
		gotName = name
		for i := 1; i <= 5; i++ {
			writeJPEG(t, filepath.Join(dir, fmt.Sprintf("frame_%04d.jpg", i)), 8, 8)
		}
		return nil
	}

	frames, err := e.Extract(context.Background(), "clip.mp4", ExtractOptions{MaxFrames: 3, OutDir: dir})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if gotName != "ffmpeg" {
		t.Errorf("binary = %q, want ffmpeg", gotName)
	}
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3 (capped)", len(frames))
	}
	for i, f := range frames {
		if f.Number != i {
			t.Errorf("frames[%d].Number = %d, want %d", i, f.Number, i)
		}
	}
}

func TestFFmpegExtractor_NoFrames(t *testing.T) {
	e := NewFFmpegExtractor("ffmpeg")
	e.run = func(ctx context.Context, name string, args ...string) error { return nil }

	_, err := e.Extract(context.Background(), "clip.mp4", ExtractOptions{OutDir: t.TempDir()})
	if !errors.Is(err, ErrNoFrames) {
		t.Errorf("err = %v, want ErrNoFrames", err)
	}
}

func TestFFmpegExtractor_CommandFailure(t *testing.T) {
	e := NewFFmpegExtractor("ffmpeg")
	e.run = func(ctx context.Context, name string, args ...string) error {
		return errors.New("exit status 1: moov atom not found")
	}
	_, err := e.Extract(context.Background(), "clip.mp4", ExtractOptions{OutDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "moov atom") {
		t.Errorf("err = %v, want wrapped command failure", err)
	}
}

func TestListFrames_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "frame_0002.jpg"), 4, 4)
	writeJPEG(t, filepath.Join(dir, "frame_0001.jpg"), 4, 4)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "frame_abc.jpg"), []byte("x"), 0o644)

	frames, err := ListFrames(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Number != 0 || frames[1].Number != 1 {
		t.Errorf("frame numbers = %d,%d want 0,1", frames[0].Number, frames[1].Number)
	}
}

func TestImageCropper_Crop(t *testing.T) {
	dir := t.TempDir()
	framePath := filepath.Join(dir, "frame_0001.jpg")
	writeJPEG(t, framePath, 200, 100)
	frames := []Frame{{Number: 0, Path: framePath}}

	objs := []TrackedObject{
		{TrackID: 1, ClassName: "sneakers", Boxes: []FrameBox{{FrameNumber: 0, Confidence: 0.9, Box: BoundingBox{10, 10, 90, 70}}}},
		// Extends past the right edge; clamped.
		{TrackID: 2, ClassName: "handbag", Boxes: []FrameBox{{FrameNumber: 0, Confidence: 0.8, Box: BoundingBox{150, 0, 400, 100}}}},
		// Frame not extracted.
		{TrackID: 3, ClassName: "watch", Boxes: []FrameBox{{FrameNumber: 7, Confidence: 0.8, Box: BoundingBox{0, 0, 10, 10}}}},
	}

	out, err := NewImageCropper(0).Crop(context.Background(), frames, objs, filepath.Join(dir, "crops"))
	if err != nil {
		t.Fatalf("Crop: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[0].CropWidth != 80 || out[0].CropHeight != 60 {
		t.Errorf("track 1 crop = %dx%d, want 80x60", out[0].CropWidth, out[0].CropHeight)
	}
	if _, err := os.Stat(out[0].CropPath); err != nil {
		t.Errorf("crop file missing: %v", err)
	}
	if out[1].CropWidth != 50 || out[1].CropHeight != 100 {
		t.Errorf("track 2 crop = %dx%d, want 50x100 (clamped)", out[1].CropWidth, out[1].CropHeight)
	}
	if out[2].Cropped() {
		t.Error("track 3 should stay uncropped without its frame")
	}
	if objs[0].Cropped() {
		t.Error("input objects must not be mutated")
	}
}
