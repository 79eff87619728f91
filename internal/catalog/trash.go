package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var rename = os.Rename

// trash moves files aside before a destructive catalog change so the change
// can be undone if either the filesystem or the database side fails.
type trash struct {
	token string
	seq   int
	moved []stashedFile
}

type stashedFile struct {
	orig  string
	aside string
}

func newTrash() *trash {
	return &trash{token: uuid.NewString()[:8]}
}

// stash renames path to a hidden sibling. The aside name has a fixed length
// so it fits wherever the original did. Missing files are not an error.
func (t *trash) stash(path string) error {
	t.seq++
	aside := filepath.Join(filepath.Dir(path), fmt.Sprintf(".ft-del-%s-%d", t.token, t.seq))
	if err := rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	t.moved = append(t.moved, stashedFile{orig: path, aside: aside})
	return nil
}

func (t *trash) restore() []error {
	var errs []error
	for i := len(t.moved) - 1; i >= 0; i-- {
		m := t.moved[i]
		if err := rename(m.aside, m.orig); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", m.orig, err))
		}
	}
	t.moved = nil
	return errs
}

func (t *trash) purge() []error {
	var errs []error
	for _, m := range t.moved {
		if err := os.Remove(m.aside); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", m.orig, err))
		}
	}
	t.moved = nil
	return errs
}
