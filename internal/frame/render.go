package frame

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

const (
	TargetWidth     = 3840
	TargetHeight    = 2160
	TargetAspect    = float64(TargetWidth) / float64(TargetHeight)
	AspectTolerance = 0.1

	ThumbnailSize = 300
	OutputQuality = 95

	cropSlack = 1e-6
)

// AspectInfo describes how far an image is from the Frame's 16:9.
type AspectInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Aspect      float64 `json:"aspect"`
	Orientation string  `json:"orientation"`
	IsClose     bool    `json:"is_close_to_16_9"`
}

// AnalyzeAspect classifies w x h. Portrait images are never close, whatever
// their ratio.
func AnalyzeAspect(w, h int) AspectInfo {
	info := AspectInfo{Width: w, Height: h, Orientation: "landscape"}
	if w <= 0 || h <= 0 {
		return info
	}
	info.Aspect = float64(w) / float64(h)
	if h > w {
		info.Orientation = "portrait"
		return info
	}
	info.IsClose = math.Abs(info.Aspect-TargetAspect) <= AspectTolerance
	return info
}

func Analyze(path string) (AspectInfo, error) {
	p, err := Probe(path)
	if err != nil {
		return AspectInfo{}, err
	}
	return AnalyzeAspect(p.Width, p.Height), nil
}

// Crop is a box in normalized 0..1 image coordinates.
type Crop struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (c Crop) Validate() error {
	for _, v := range []float64{c.X, c.Y, c.Width, c.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Invalid("crop", "coordinates must be finite numbers")
		}
	}
	switch {
	case c.X < 0 || c.Y < 0:
		return apperr.Invalid("crop", "x and y must be >= 0")
	case c.Width <= 0 || c.Height <= 0:
		return apperr.Invalid("crop", "width and height must be > 0")
	case c.Width > 1+cropSlack || c.Height > 1+cropSlack:
		return apperr.Invalid("crop", "width and height must be <= 1")
	case c.X+c.Width > 1+cropSlack || c.Y+c.Height > 1+cropSlack:
		return apperr.Invalid("crop", "box must lie inside the image")
	}
	return nil
}

// Rect maps the box onto a w x h image, clamped to its bounds.
func (c Crop) Rect(w, h int) image.Rectangle {
	x0 := int(c.X * float64(w))
	y0 := int(c.Y * float64(h))
	x1 := x0 + int(c.Width*float64(w))
	y1 := y0 + int(c.Height*float64(h))
	r := image.Rect(x0, y0, max(x1, x0+1), max(y1, y0+1))
	return r.Intersect(image.Rect(0, 0, w, h))
}

// AutoCenter is the largest centered 16:9 box inside a w x h image.
func AutoCenter(w, h int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	if float64(w)/float64(h) > TargetAspect {
		cw := int(float64(h) * TargetAspect)
		x := (w - cw) / 2
		return image.Rect(x, 0, x+cw, h)
	}
	ch := int(float64(w) / TargetAspect)
	y := (h - ch) / 2
	return image.Rect(0, y, w, y+ch)
}

// Open decodes an image with EXIF orientation applied.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return img, nil
}

// Render crops src by crop (auto-centered 16:9 when nil) and scales the
// result to exactly TargetWidth x TargetHeight.
func Render(src image.Image, crop *Crop) (image.Image, error) {
	b := src.Bounds()
	var rect image.Rectangle
	if crop != nil {
		if err := crop.Validate(); err != nil {
			return nil, err
		}
		rect = crop.Rect(b.Dx(), b.Dy())
	} else {
		rect = AutoCenter(b.Dx(), b.Dy())
	}
	if rect.Empty() {
		return nil, apperr.Invalid("crop", "box is empty")
	}
	cropped := imaging.Crop(src, rect.Add(b.Min))
	return imaging.Resize(cropped, TargetWidth, TargetHeight, imaging.Lanczos), nil
}

// WriteJPEG encodes img next to dest and renames it into place so readers
// never see a partial file.
func WriteJPEG(img image.Image, dest string, quality int) error {
	return writeJPEG(img, dest, quality, nil)
}

// writeJPEG is WriteJPEG with an optional Exif segment placed after SOI.
func writeJPEG(img image.Image, dest string, quality int, exifSeg []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	data := buf.Bytes()
	if len(exifSeg) > 0 {
		spliced, err := spliceEXIF(data, exifSeg)
		if err != nil {
			return fmt.Errorf("encode %s: %w", dest, err)
		}
		data = spliced
	}
	tmp := filepath.Join(filepath.Dir(dest), ".tmp-"+uuid.NewString()+".jpg")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Export renders src and writes it to dest as a q95 JPEG. Exif from a JPEG
// source is carried over with the orientation reset, since the pixels are
// already upright.
func Export(srcPath, dest string, crop *Crop) error {
	src, err := Open(srcPath)
	if err != nil {
		return err
	}
	out, err := Render(src, crop)
	if err != nil {
		return err
	}
	seg, err := ReadEXIF(srcPath)
	if err != nil {
		return err
	}
	if seg != nil {
		seg = uprightEXIF(seg)
	}
	return writeJPEG(out, dest, OutputQuality, seg)
}

// ThumbnailDataURL returns a JPEG data URL fitting within size x size.
func ThumbnailDataURL(path string, size int) (string, error) {
	src, err := Open(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fit(src, size, size, imaging.Lanczos), imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
