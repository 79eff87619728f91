package frame

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Info is what the catalog records about an image without decoding pixels.
type Info struct {
	Width   int
	Height  int
	Format  string
	TakenAt *time.Time
}

// Probe reads the image header and, when present, EXIF capture time and
// orientation. Width and Height are as displayed, after EXIF rotation.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, fmt.Errorf("decode %s: %w", path, err)
	}
	info := Info{Width: cfg.Width, Height: cfg.Height, Format: format}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return info, nil
	}
	x, err := exif.Decode(f)
	if err != nil {
		return info, nil
	}
	if t, err := x.DateTime(); err == nil && !t.IsZero() {
		t = t.UTC()
		info.TakenAt = &t
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil && o >= 5 && o <= 8 {
			info.Width, info.Height = info.Height, info.Width
		}
	}
	return info, nil
}
