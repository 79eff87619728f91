// Package frame prepares images for a 3840x2160 Frame TV: aspect analysis,
// crop rendering, thumbnails and the file helpers around them.
package frame

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxFilenameLen is the usual per-component filesystem limit in bytes.
const MaxFilenameLen = 255

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".webp": {}, ".tif": {}, ".tiff": {},
}

func IsImageFile(name string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OutputName is "<stem>_fr.jpg", with the stem cut so the whole name fits in
// MaxFilenameLen bytes without splitting a UTF-8 sequence.
func OutputName(original string) string {
	base := filepath.Base(original)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		stem = "image"
	}
	const suffix = "_fr.jpg"
	return truncateUTF8(stem, MaxFilenameLen-len(suffix)) + suffix
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// NextAvailablePath returns path if nothing exists there, otherwise the first
// free "<stem>_dupNN<ext>" sibling.
func NextAvailablePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	for i := 1; i < 1000; i++ {
		suffix := fmt.Sprintf("_dup%02d%s", i, ext)
		candidate := filepath.Join(dir, truncateUTF8(stem, MaxFilenameLen-len(suffix))+suffix)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}
