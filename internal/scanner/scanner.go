// Package scanner walks registered folders into the catalog and lists
// directories for the folder picker.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
)

const insertBatch = 200

// Catalog is the part of the catalog store the scanner writes to.
type Catalog interface {
	ListFolders(ctx context.Context) ([]catalog.Folder, error)
	KnownPaths(ctx context.Context, folderID int64) (map[string]struct{}, error)
	InsertImages(ctx context.Context, images []catalog.Image) (int, error)
}

type Options struct {
	Checksums   bool
	Concurrency int
	// Root limits Browse and CheckAllowed. Empty means unrestricted.
	Root string
}

type Scanner struct {
	store Catalog
	opts  Options
	log   *slog.Logger
}

type Result struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

func New(store Catalog, opts Options, log *slog.Logger) *Scanner {
	if log == nil {
		log = logging.Discard()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Scanner{store: store, opts: opts, log: log}
}

// ScanFolder adds every image file under folder that the catalog does not
// know yet. Files that cannot be read are counted as skipped.
func (s *Scanner) ScanFolder(ctx context.Context, folder catalog.Folder) (Result, error) {
	var res Result
	st, err := os.Stat(folder.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, apperr.NotFound("directory", folder.Path)
		}
		return res, fmt.Errorf("scanner.ScanFolder: %w", err)
	}
	if !st.IsDir() {
		return res, apperr.Invalid("path", folder.Path+" is not a directory")
	}

	known, err := s.store.KnownPaths(ctx, folder.ID)
	if err != nil {
		return res, err
	}

	batch := make([]catalog.Image, 0, insertBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		added, err := s.store.InsertImages(ctx, batch)
		if err != nil {
			return err
		}
		res.Added += added
		res.Skipped += len(batch) - added
		batch = batch[:0]
		return nil
	}

	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.log.Warn("scan walk error", "path", path, "err", err)
			if d != nil && d.IsDir() && path != folder.Path {
				return fs.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) && path != folder.Path {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !frame.IsImageFile(d.Name()) {
			return nil
		}
		if _, ok := known[path]; ok {
			return nil
		}
		img, err := s.describe(folder.ID, path)
		if err != nil {
			s.log.Warn("scan skipped unreadable file", "path", path, "err", err)
			res.Skipped++
			return nil
		}
		batch = append(batch, img)
		if len(batch) >= insertBatch {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("scanner.ScanFolder %s: %w", folder.Path, walkErr)
	}
	if err := flush(); err != nil {
		return res, fmt.Errorf("scanner.ScanFolder %s: %w", folder.Path, err)
	}
	s.log.Info("folder scanned", "folder_id", folder.ID, "path", folder.Path, "added", res.Added, "skipped", res.Skipped)
	return res, nil
}

func (s *Scanner) describe(folderID int64, path string) (catalog.Image, error) {
	st, err := os.Stat(path)
	if err != nil {
		return catalog.Image{}, err
	}
	info, err := frame.Probe(path)
	if err != nil {
		return catalog.Image{}, err
	}
	mod := st.ModTime().UTC()
	img := catalog.Image{
		FolderID:   folderID,
		Path:       path,
		Filename:   filepath.Base(path),
		Size:       st.Size(),
		Width:      info.Width,
		Height:     info.Height,
		ModifiedAt: &mod,
		TakenAt:    info.TakenAt,
	}
	if s.opts.Checksums {
		sum, err := frame.FileMD5(path)
		if err != nil {
			return catalog.Image{}, err
		}
		img.Checksum = sum
	}
	return img, nil
}

// RescanAll scans every registered folder, a few at a time. Folders whose
// directory has gone missing or is no longer a directory are skipped.
func (s *Scanner) RescanAll(ctx context.Context) (Result, error) {
	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		mu    sync.Mutex
		total Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, f := range folders {
		g.Go(func() error {
			res, err := s.ScanFolder(gctx, f)
			if apperr.IsNotFound(err) || apperr.IsValidation(err) {
				s.log.Warn("rescan skipped folder", "folder_id", f.ID, "path", f.Path, "err", err)
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			total.Added += res.Added
			total.Skipped += res.Skipped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
