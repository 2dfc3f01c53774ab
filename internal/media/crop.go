package media

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
)

// Cropper cuts each tracked object's best observation out of its frame.
type Cropper interface {
	Crop(ctx context.Context, frames []Frame, objs []TrackedObject, outDir string) ([]TrackedObject, error)
}

// ImageCropper crops with the standard image codecs and writes JPEG files.
type ImageCropper struct {
	Quality int
}

// NewImageCropper returns a cropper writing JPEGs at the given quality.
func NewImageCropper(quality int) *ImageCropper {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &ImageCropper{Quality: quality}
}

// Crop returns a copy of objs with CropPath and crop dimensions filled in for
// every object that could be cropped. Objects whose frame is missing or whose
// box falls outside the image are returned unchanged.
func (c *ImageCropper) Crop(ctx context.Context, frames []Frame, objs []TrackedObject, outDir string) ([]TrackedObject, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create %s: %w", outDir, err)
	}

	byNumber := make(map[int]Frame, len(frames))
	for _, f := range frames {
		byNumber[f.Number] = f
	}
	decoded := make(map[int]image.Image)

	out := make([]TrackedObject, len(objs))
	copy(out, objs)

	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obs, frame, ok := pickObservation(out[i], byNumber)
		if !ok {
			continue
		}
		img, ok := decoded[frame.Number]
		if !ok {
			var err error
			img, err = decodeFile(frame.Path)
			if err != nil {
				continue
			}
			decoded[frame.Number] = img
		}

		rect := clampRect(obs.Box, img.Bounds())
		if rect.Empty() {
			continue
		}
		path := filepath.Join(outDir, fmt.Sprintf("track_%d.jpg", out[i].TrackID))
		if err := writeCrop(path, img, rect, c.Quality); err != nil {
			continue
		}
		out[i].CropPath = path
		out[i].CropWidth = rect.Dx()
		out[i].CropHeight = rect.Dy()
	}
	return out, nil
}

// pickObservation returns the best observation that has an extracted frame.
func pickObservation(obj TrackedObject, frames map[int]Frame) (FrameBox, Frame, bool) {
	if best, ok := obj.BestBox(); ok {
		if f, ok := frames[best.FrameNumber]; ok {
			return best, f, true
		}
	}
	for _, b := range obj.Boxes {
		if f, ok := frames[b.FrameNumber]; ok {
			return b, f, true
		}
	}
	return FrameBox{}, Frame{}, false
}

// clampRect converts a float box to an integer rectangle inside bounds.
func clampRect(b BoundingBox, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
	return r.Intersect(bounds)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func writeCrop(path string, src image.Image, rect image.Rectangle, quality int) error {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, dst, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
