package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

const imageSelect = `
SELECT i.id, i.folder_id, f.path, i.path, i.filename, i.size, i.width, i.height,
       i.checksum, i.modified_at, i.taken_at, i.date_added
FROM images i JOIN folders f ON f.id = i.folder_id`

func scanImage(row interface{ Scan(...any) error }) (Image, error) {
	var (
		img      Image
		checksum sql.NullString
		modified sql.NullTime
		taken    sql.NullTime
	)
	err := row.Scan(&img.ID, &img.FolderID, &img.FolderPath, &img.Path, &img.Filename,
		&img.Size, &img.Width, &img.Height, &checksum, &modified, &taken, &img.DateAdded)
	if err != nil {
		return Image{}, err
	}
	img.Checksum = checksum.String
	img.ModifiedAt = timePtr(modified)
	img.TakenAt = timePtr(taken)
	img.DateAdded = img.DateAdded.UTC()
	return img, nil
}

func (s *Store) queryImages(ctx context.Context, query string, args ...any) ([]Image, error) {
	var out []Image
	err := withSQLiteRetry(func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			img, err := scanImage(rows)
			if err != nil {
				return err
			}
			out = append(out, img)
		}
		return rows.Err()
	})
	return out, err
}

var sortColumns = map[SortField]string{
	SortDate:  "i.date_added",
	SortName:  "i.filename COLLATE NOCASE",
	SortSize:  "i.size",
	SortTaken: "COALESCE(i.taken_at, i.modified_at, i.date_added)",
}

func buildImageFilter(q ImageQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.FolderID > 0 {
		where = append(where, "i.folder_id = ?")
		args = append(args, q.FolderID)
	}
	if ids := uniqueIDs(q.TagIDs); len(ids) > 0 {
		parts := make([]string, len(ids))
		for n, id := range ids {
			parts[n] = "SELECT image_id FROM image_tags WHERE tag_id = ?"
			args = append(args, id)
		}
		where = append(where, "i.id IN ("+strings.Join(parts, " INTERSECT ")+")")
	}
	if q.Untagged {
		where = append(where, "NOT EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = i.id)")
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		where = append(where, `i.filename LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ListImages returns the matching page of images with their tags attached,
// plus the total number of matches ignoring Limit/Offset.
func (s *Store) ListImages(ctx context.Context, q ImageQuery) ([]Image, int, error) {
	filter, args := buildImageFilter(q)

	var total int
	countSQL := `SELECT COUNT(*) FROM images i` + filter
	if err := withSQLiteRetry(func() error {
		return s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total)
	}); err != nil {
		return nil, 0, fmt.Errorf("catalog.ListImages count: %w", err)
	}

	col, ok := sortColumns[q.Sort]
	if !ok {
		col = sortColumns[SortDate]
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query := imageSelect + filter + fmt.Sprintf(" ORDER BY %s %s, i.id %s", col, dir, dir)
	pageArgs := append([]any{}, args...)
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, q.Limit, max(q.Offset, 0))
	}

	images, err := s.queryImages(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog.ListImages: %w", err)
	}
	if err := s.attachTags(ctx, images); err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

func (s *Store) GetImage(ctx context.Context, id int64) (Image, error) {
	images, err := s.queryImages(ctx, imageSelect+` WHERE i.id = ?`, id)
	if err != nil {
		return Image{}, fmt.Errorf("catalog.GetImage: %w", err)
	}
	if len(images) == 0 {
		return Image{}, apperr.NotFound("image", id)
	}
	if err := s.attachTags(ctx, images); err != nil {
		return Image{}, err
	}
	return images[0], nil
}

// ImagesByIDs returns the existing images among ids in the order given.
func (s *Store) ImagesByIDs(ctx context.Context, ids []int64) ([]Image, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[int64]Image, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]
		args := make([]any, len(chunk))
		for n, id := range chunk {
			args[n] = id
		}
		images, err := s.queryImages(ctx, imageSelect+` WHERE i.id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("catalog.ImagesByIDs: %w", err)
		}
		for _, img := range images {
			byID[img.ID] = img
		}
	}
	out := make([]Image, 0, len(byID))
	for _, id := range ids {
		if img, ok := byID[id]; ok {
			out = append(out, img)
		}
	}
	return out, nil
}

// FindImageByChecksum returns the oldest image with the given md5.
func (s *Store) FindImageByChecksum(ctx context.Context, checksum string) (Image, error) {
	if checksum == "" {
		return Image{}, apperr.NotFound("image checksum", checksum)
	}
	images, err := s.queryImages(ctx, imageSelect+` WHERE i.checksum = ? ORDER BY i.id LIMIT 1`, checksum)
	if err != nil {
		return Image{}, fmt.Errorf("catalog.FindImageByChecksum: %w", err)
	}
	if len(images) == 0 {
		return Image{}, apperr.NotFound("image checksum", checksum)
	}
	return images[0], nil
}

// KnownPaths returns every catalogued path under a folder.
func (s *Store) KnownPaths(ctx context.Context, folderID int64) (map[string]struct{}, error) {
	paths, err := s.imagePaths(ctx, `SELECT path FROM images WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, fmt.Errorf("catalog.KnownPaths: %w", err)
	}
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		out[p] = struct{}{}
	}
	return out, nil
}

const insertImageSQL = `
INSERT OR IGNORE INTO images(folder_id, path, filename, size, width, height, checksum, modified_at, taken_at, date_added)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func imageArgs(img *Image) []any {
	if img.Filename == "" {
		img.Filename = filepath.Base(img.Path)
	}
	if img.DateAdded.IsZero() {
		img.DateAdded = now()
	}
	return []any{img.FolderID, img.Path, img.Filename, img.Size, img.Width, img.Height,
		nullString(img.Checksum), nullTime(img.ModifiedAt), nullTime(img.TakenAt), img.DateAdded.UTC()}
}

// InsertImage adds img and sets its ID. It reports false without error when
// the path is already catalogued.
func (s *Store) InsertImage(ctx context.Context, img *Image) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertImageTx(ctx, tx, img)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("catalog.InsertImage: %w", err)
	}
	return inserted, nil
}

// InsertImages adds a batch in one transaction and returns how many rows were
// new.
func (s *Store) InsertImages(ctx context.Context, images []Image) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		added = 0
		stmt, err := tx.PrepareContext(ctx, insertImageSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for n := range images {
			res, err := stmt.ExecContext(ctx, imageArgs(&images[n])...)
			if err != nil {
				return err
			}
			if c, _ := res.RowsAffected(); c > 0 {
				images[n].ID, _ = res.LastInsertId()
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("catalog.InsertImages: %w", err)
	}
	return added, nil
}

func insertImageTx(ctx context.Context, tx *sql.Tx, img *Image) (bool, error) {
	res, err := tx.ExecContext(ctx, insertImageSQL, imageArgs(img)...)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed") {
			return false, apperr.NotFound("folder", img.FolderID)
		}
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	img.ID, err = res.LastInsertId()
	return true, err
}

// ReplaceImage swaps the row of oldID for img, carrying the old tags over. It
// returns the replaced image so the caller can remove its file.
//
// place, when set, runs inside the transaction once the new row is written;
// if it fails nothing is committed and the old row stays. It may run more
// than once when SQLite is busy.
func (s *Store) ReplaceImage(ctx context.Context, oldID int64, img *Image, place func() error) (Image, error) {
	old, err := s.GetImage(ctx, oldID)
	if err != nil {
		return Image{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, oldID); err != nil {
			return err
		}
		ok, err := insertImageTx(ctx, tx, img)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Duplicate("image", img.Path)
		}
		stamp := now()
		for _, t := range old.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO image_tags(image_id, tag_id, created_at) VALUES(?, ?, ?)`,
				img.ID, t.ID, stamp); err != nil {
				return err
			}
		}
		if place != nil {
			return place()
		}
		return nil
	})
	if err != nil {
		if apperr.IsDuplicate(err) || apperr.IsNotFound(err) {
			return Image{}, err
		}
		return Image{}, fmt.Errorf("catalog.ReplaceImage: %w", err)
	}
	return old, nil
}

// RemoveImage drops the catalog row and leaves the file on disk.
func (s *Store) RemoveImage(ctx context.Context, id int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("image", id)
		}
		return nil
	})
	if err != nil && !apperr.IsNotFound(err) {
		return fmt.Errorf("catalog.RemoveImage: %w", err)
	}
	return err
}

// DeleteImage drops the catalog row and the file.
func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	img, err := s.GetImage(ctx, id)
	if err != nil {
		return err
	}
	bin := newTrash()
	if err := s.stashAll(bin, []string{img.Path}); err != nil {
		return err
	}
	if err := s.RemoveImage(ctx, id); err != nil {
		for _, rerr := range bin.restore() {
			s.log.Error("restore after failed image delete", "image_id", id, "err", rerr)
		}
		return err
	}
	for _, perr := range bin.purge() {
		s.log.Warn("leftover file after image delete", "image_id", id, "err", perr)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := withSQLiteRetry(func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM folders),
			       (SELECT COUNT(*) FROM images),
			       (SELECT COUNT(*) FROM tags),
			       (SELECT COUNT(*) FROM images i WHERE NOT EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = i.id))`).
			Scan(&st.Folders, &st.Images, &st.Tags, &st.Untagged)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("catalog.Stats: %w", err)
	}
	return st, nil
}
