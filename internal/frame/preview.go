package frame

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/singleflight"
)

// PreviewSize is a named bounding box and JPEG quality for cached previews.
type PreviewSize struct {
	Name    string
	Px      int
	Quality int
}

var (
	SizeThumbnail = PreviewSize{Name: "thumb", Px: 100, Quality: 85}
	SizePreview   = PreviewSize{Name: "preview", Px: 600, Quality: 90}
)

// PreviewCache renders downscaled JPEGs on first request and serves them from
// disk afterwards. Entries are keyed by source mtime, so edits invalidate.
type PreviewCache struct {
	dir   string
	group singleflight.Group
}

func NewPreviewCache(dir string) *PreviewCache {
	return &PreviewCache{dir: dir}
}

// Get returns the path of a cached preview for the image at src.
func (c *PreviewCache) Get(id int64, src string, size PreviewSize) (string, error) {
	st, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d-%s-%d.jpg", id, size.Name, st.ModTime().UnixNano())
	dest := filepath.Join(c.dir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	_, err, _ = c.group.Do(name, func() (any, error) {
		img, err := Open(src)
		if err != nil {
			return nil, err
		}
		return nil, WriteJPEG(imaging.Fit(img, size.Px, size.Px, imaging.Lanczos), dest, size.Quality)
	})
	if err != nil {
		return "", err
	}
	c.prune(id, size, name)
	return dest, nil
}

// prune drops older renders of the same image and size.
func (c *PreviewCache) prune(id int64, size PreviewSize, keep string) {
	matches, err := filepath.Glob(filepath.Join(c.dir, fmt.Sprintf("%d-%s-*.jpg", id, size.Name)))
	if err != nil {
		return
	}
	for _, m := range matches {
		if filepath.Base(m) != keep {
			_ = os.Remove(m)
		}
	}
}
