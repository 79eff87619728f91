package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

const folderSelect = `
SELECT f.id, f.path, f.created_at,
       (SELECT COUNT(*) FROM images i WHERE i.folder_id = f.id)
FROM folders f`

func scanFolder(row interface{ Scan(...any) error }) (Folder, error) {
	var f Folder
	err := row.Scan(&f.ID, &f.Path, &f.CreatedAt, &f.ImageCount)
	f.CreatedAt = f.CreatedAt.UTC()
	return f, err
}

func (s *Store) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	err := withSQLiteRetry(func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, folderSelect+` ORDER BY f.path`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFolder(rows)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("catalog.ListFolders: %w", err)
	}
	return out, nil
}

func (s *Store) GetFolder(ctx context.Context, id int64) (Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, folderSelect+` WHERE f.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, apperr.NotFound("folder", id)
	}
	if err != nil {
		return Folder{}, fmt.Errorf("catalog.GetFolder: %w", err)
	}
	return f, nil
}

func (s *Store) GetFolderByPath(ctx context.Context, path string) (Folder, error) {
	clean := filepath.Clean(path)
	f, err := scanFolder(s.db.QueryRowContext(ctx, folderSelect+` WHERE f.path = ?`, clean))
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, apperr.NotFound("folder", clean)
	}
	if err != nil {
		return Folder{}, fmt.Errorf("catalog.GetFolderByPath: %w", err)
	}
	return f, nil
}

// AddFolder registers an absolute directory path. The caller is responsible
// for checking that the directory exists.
func (s *Store) AddFolder(ctx context.Context, path string) (Folder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Folder{}, apperr.Invalid("path", "must not be empty")
	}
	if !filepath.IsAbs(path) {
		return Folder{}, apperr.Invalid("path", "must be absolute")
	}
	clean := filepath.Clean(path)

	f := Folder{Path: clean, CreatedAt: now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO folders(path, created_at) VALUES(?, ?)`, f.Path, f.CreatedAt)
		if err != nil {
			return err
		}
		f.ID, err = res.LastInsertId()
		return err
	})
	if isUniqueViolation(err) {
		return Folder{}, apperr.Duplicate("folder", clean)
	}
	if err != nil {
		return Folder{}, fmt.Errorf("catalog.AddFolder: %w", err)
	}
	return f, nil
}

// DeleteFolder unregisters a folder and its image rows. With deleteFiles the
// image files are removed too, all or nothing.
func (s *Store) DeleteFolder(ctx context.Context, id int64, deleteFiles bool) (int, error) {
	if _, err := s.GetFolder(ctx, id); err != nil {
		return 0, err
	}
	paths, err := s.imagePaths(ctx, `SELECT path FROM images WHERE folder_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("catalog.DeleteFolder: %w", err)
	}

	bin := newTrash()
	if deleteFiles {
		if err := s.stashAll(bin, paths); err != nil {
			return 0, err
		}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("folder", id)
		}
		return nil
	})
	if err != nil {
		for _, rerr := range bin.restore() {
			s.log.Error("restore after failed folder delete", "folder_id", id, "err", rerr)
		}
		if apperr.IsNotFound(err) {
			return 0, err
		}
		return 0, fmt.Errorf("catalog.DeleteFolder: %w", err)
	}
	for _, perr := range bin.purge() {
		s.log.Warn("leftover file after folder delete", "folder_id", id, "err", perr)
	}
	s.log.Info("folder deleted", "folder_id", id, "images", len(paths), "delete_files", deleteFiles)
	return len(paths), nil
}

func (s *Store) CountFolders(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog.CountFolders: %w", err)
	}
	return n, nil
}

func (s *Store) imagePaths(ctx context.Context, query string, args ...any) ([]string, error) {
	var out []string
	err := withSQLiteRetry(func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// stashAll moves every path aside or none of them.
func (s *Store) stashAll(bin *trash, paths []string) error {
	for _, p := range paths {
		if err := bin.stash(p); err != nil {
			for _, rerr := range bin.restore() {
				s.log.Error("restore after failed stash", "path", p, "err", rerr)
			}
			return &apperr.PartialCascadeError{Paths: []string{p}, Err: err}
		}
	}
	return nil
}
