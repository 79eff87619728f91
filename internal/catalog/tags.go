package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

const (
	chunkSize     = 500
	maxTagNameLen = 100
)

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`)

const tagSelect = `
SELECT t.id, t.name, t.color, t.parent_id, t.created_at,
       (SELECT COUNT(*) FROM image_tags it WHERE it.tag_id = t.id)
FROM tags t`

func scanTag(row interface{ Scan(...any) error }) (Tag, error) {
	var (
		t      Tag
		parent sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Color, &parent, &t.CreatedAt, &t.ImageCount); err != nil {
		return Tag{}, err
	}
	if parent.Valid {
		p := parent.Int64
		t.ParentID = &p
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	var out []Tag
	err := withSQLiteRetry(func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, tagSelect+` ORDER BY t.name COLLATE NOCASE, t.id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTag(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("catalog.ListTags: %w", err)
	}
	return out, nil
}

func (s *Store) GetTag(ctx context.Context, id int64) (Tag, error) {
	t, err := scanTag(s.db.QueryRowContext(ctx, tagSelect+` WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, apperr.NotFound("tag", id)
	}
	if err != nil {
		return Tag{}, fmt.Errorf("catalog.GetTag: %w", err)
	}
	return t, nil
}

func normalizeTagName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Invalid("name", "must not be empty")
	}
	if len(name) > maxTagNameLen {
		return "", apperr.Invalid("name", fmt.Sprintf("must be at most %d bytes", maxTagNameLen))
	}
	return name, nil
}

func normalizeColor(color string) (string, error) {
	color = strings.TrimSpace(color)
	if color == "" {
		return DefaultTagColor, nil
	}
	if !colorPattern.MatchString(color) {
		return "", apperr.Invalid("color", "must be a hex color like #6366f1")
	}
	return strings.ToLower(color), nil
}

func parentKey(parentID *int64) int64 {
	if parentID == nil {
		return 0
	}
	return *parentID
}

// siblingNameTaken compares case-insensitively in Go so non-ASCII names fold
// the same way everywhere.
func siblingNameTaken(ctx context.Context, tx *sql.Tx, parentID *int64, name string, exceptID int64) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM tags WHERE COALESCE(parent_id, 0) = ?`, parentKey(parentID))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			sib string
		)
		if err := rows.Scan(&id, &sib); err != nil {
			return false, err
		}
		if id != exceptID && strings.EqualFold(sib, name) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func tagExistsTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tags WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) CreateTag(ctx context.Context, in TagInput) (Tag, error) {
	name, err := normalizeTagName(in.Name)
	if err != nil {
		return Tag{}, err
	}
	color, err := normalizeColor(in.Color)
	if err != nil {
		return Tag{}, err
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if in.ParentID != nil {
			ok, err := tagExistsTx(ctx, tx, *in.ParentID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.NotFound("tag", *in.ParentID)
			}
		}
		taken, err := siblingNameTaken(ctx, tx, in.ParentID, name, 0)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Duplicate("tag", name)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO tags(name, color, parent_id, created_at) VALUES(?, ?, ?, ?)`,
			name, color, in.ParentID, now())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Tag{}, tagError("catalog.CreateTag", name, err)
	}
	return s.GetTag(ctx, id)
}

func tagError(op, name string, err error) error {
	switch {
	case apperr.IsNotFound(err), apperr.IsDuplicate(err), apperr.IsValidation(err):
		return err
	case isUniqueViolation(err):
		return apperr.Duplicate("tag", name)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) UpdateTag(ctx context.Context, id int64, patch TagPatch) (Tag, error) {
	var name, color string
	if patch.Name != nil {
		n, err := normalizeTagName(*patch.Name)
		if err != nil {
			return Tag{}, err
		}
		name = n
	}
	if patch.Color != nil {
		c, err := normalizeColor(*patch.Color)
		if err != nil {
			return Tag{}, err
		}
		color = c
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanTag(tx.QueryRowContext(ctx, tagSelect+` WHERE t.id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("tag", id)
		}
		if err != nil {
			return err
		}
		if name == "" {
			name = cur.Name
		}
		if color == "" {
			color = cur.Color
		}
		parent := cur.ParentID
		if patch.SetParent {
			parent = patch.ParentID
			if parent != nil {
				if err := checkReparent(ctx, tx, id, *parent); err != nil {
					return err
				}
			}
		}
		if name != cur.Name || parentKey(parent) != parentKey(cur.ParentID) {
			taken, err := siblingNameTaken(ctx, tx, parent, name, id)
			if err != nil {
				return err
			}
			if taken {
				return apperr.Duplicate("tag", name)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE tags SET name = ?, color = ?, parent_id = ? WHERE id = ?`, name, color, parent, id)
		return err
	})
	if err != nil {
		return Tag{}, tagError("catalog.UpdateTag", name, err)
	}
	return s.GetTag(ctx, id)
}

// checkReparent rejects a missing parent and any move that would make id its
// own ancestor.
func checkReparent(ctx context.Context, tx *sql.Tx, id, parentID int64) error {
	if parentID == id {
		return apperr.Invalid("parent_id", "a tag cannot be its own parent")
	}
	parents := make(map[int64]int64)
	rows, err := tx.QueryContext(ctx, `SELECT id, COALESCE(parent_id, 0) FROM tags`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var tid, pid int64
		if err := rows.Scan(&tid, &pid); err != nil {
			rows.Close()
			return err
		}
		parents[tid] = pid
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if _, ok := parents[parentID]; !ok {
		return apperr.NotFound("tag", parentID)
	}
	for cur, steps := parentID, 0; cur != 0 && steps <= len(parents); cur, steps = parents[cur], steps+1 {
		if cur == id {
			return apperr.Invalid("parent_id", "a tag cannot become its own ancestor")
		}
	}
	return nil
}

// DeleteTag removes a tag and its image links. Children move up one level
// under ChildrenReparent and are deleted with it under ChildrenCascade.
func (s *Store) DeleteTag(ctx context.Context, id int64, policy ChildPolicy) error {
	if policy == "" {
		policy = ChildrenReparent
	}
	if policy != ChildrenReparent && policy != ChildrenCascade {
		return apperr.Invalid("children", "must be reparent or cascade")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanTag(tx.QueryRowContext(ctx, tagSelect+` WHERE t.id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("tag", id)
		}
		if err != nil {
			return err
		}
		if policy == ChildrenReparent {
			if err := reparentChildren(ctx, tx, cur); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return tagError("catalog.DeleteTag", "", err)
	}
	s.log.Info("tag deleted", "tag_id", id, "children", string(policy))
	return nil
}

func reparentChildren(ctx context.Context, tx *sql.Tx, t Tag) error {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM tags WHERE parent_id = ?`, t.ID)
	if err != nil {
		return err
	}
	var children []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		children = append(children, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, n := range children {
		taken, err := siblingNameTaken(ctx, tx, t.ParentID, n, t.ID)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Duplicate("tag", n)
		}
	}
	// Free the doomed tag's name so a child may take it over.
	if _, err := tx.ExecContext(ctx, `UPDATE tags SET name = ? WHERE id = ?`, fmt.Sprintf("\x00deleting-%d", t.ID), t.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tags SET parent_id = ? WHERE parent_id = ?`, t.ParentID, t.ID)
	return err
}

// TagImage links a tag to an image. Linking twice is a no-op; the result
// reports whether a new link was made.
func (s *Store) TagImage(ctx context.Context, imageID, tagID int64) (bool, error) {
	var added bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireImageAndTag(ctx, tx, imageID, tagID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO image_tags(image_id, tag_id, created_at) VALUES(?, ?, ?)`,
			imageID, tagID, now())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added = n > 0
		return nil
	})
	if err != nil {
		return false, tagError("catalog.TagImage", "", err)
	}
	return added, nil
}

func (s *Store) UntagImage(ctx context.Context, imageID, tagID int64) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireImageAndTag(ctx, tx, imageID, tagID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ? AND tag_id = ?`, imageID, tagID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, tagError("catalog.UntagImage", "", err)
	}
	return removed, nil
}

func requireImageAndTag(ctx context.Context, tx *sql.Tx, imageID, tagID int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM images WHERE id = ?`, imageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("image", imageID)
	}
	if err != nil {
		return err
	}
	ok, err := tagExistsTx(ctx, tx, tagID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("tag", tagID)
	}
	return nil
}

// BatchTag links tagID to every existing image in imageIDs and returns the
// number of new links. Unknown image ids are ignored.
func (s *Store) BatchTag(ctx context.Context, imageIDs []int64, tagID int64) (int, error) {
	return s.batchLink(ctx, "catalog.BatchTag", imageIDs, tagID,
		`INSERT OR IGNORE INTO image_tags(image_id, tag_id, created_at)
		 SELECT id, ?, ? FROM images WHERE id = ?`, true)
}

func (s *Store) BatchUntag(ctx context.Context, imageIDs []int64, tagID int64) (int, error) {
	return s.batchLink(ctx, "catalog.BatchUntag", imageIDs, tagID,
		`DELETE FROM image_tags WHERE tag_id = ? AND image_id = ?`, false)
}

func (s *Store) batchLink(ctx context.Context, op string, imageIDs []int64, tagID int64, query string, insert bool) (int, error) {
	ids := uniqueIDs(imageIDs)
	if len(ids) == 0 {
		return 0, apperr.Invalid("image_ids", "must not be empty")
	}
	affected := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		affected = 0
		ok, err := tagExistsTx(ctx, tx, tagID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("tag", tagID)
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		stamp := now()
		for _, id := range ids {
			var res sql.Result
			if insert {
				res, err = stmt.ExecContext(ctx, tagID, stamp, id)
			} else {
				res, err = stmt.ExecContext(ctx, tagID, id)
			}
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			affected += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, tagError(op, "", err)
	}
	return affected, nil
}

// TagsForImages returns the tags of each image id, sorted by name.
func (s *Store) TagsForImages(ctx context.Context, imageIDs []int64) (map[int64][]Tag, error) {
	out := make(map[int64][]Tag, len(imageIDs))
	ids := uniqueIDs(imageIDs)
	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]
		args := make([]any, len(chunk))
		for n, id := range chunk {
			args[n] = id
		}
		query := `
			SELECT it.image_id, t.id, t.name, t.color, t.parent_id, t.created_at, 0
			FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE it.image_id IN (` + placeholders(len(chunk)) + `)
			ORDER BY t.name COLLATE NOCASE`
		err := withSQLiteRetry(func() error {
			for _, id := range chunk {
				delete(out, id)
			}
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var imageID int64
				t, err := scanTag(prefixScanner{rows, &imageID})
				if err != nil {
					return err
				}
				out[imageID] = append(out[imageID], t)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("catalog.TagsForImages: %w", err)
		}
	}
	return out, nil
}

// prefixScanner scans a leading column into first and hands the rest on.
type prefixScanner struct {
	rows  *sql.Rows
	first any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}

func (s *Store) attachTags(ctx context.Context, images []Image) error {
	if len(images) == 0 {
		return nil
	}
	ids := make([]int64, len(images))
	for n := range images {
		ids[n] = images[n].ID
	}
	tags, err := s.TagsForImages(ctx, ids)
	if err != nil {
		return err
	}
	for n := range images {
		images[n].Tags = tags[images[n].ID]
		if images[n].Tags == nil {
			images[n].Tags = []Tag{}
		}
	}
	return nil
}
