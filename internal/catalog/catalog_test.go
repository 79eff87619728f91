package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addImage(t *testing.T, s *Store, folder Folder, name string) Image {
	t.Helper()
	img := Image{FolderID: folder.ID, Path: filepath.Join(folder.Path, name), Size: 10}
	ok, err := s.InsertImage(context.Background(), &img)
	require.NoError(t, err)
	require.True(t, ok)
	return img
}

func ids(images []Image) []int64 {
	out := make([]int64, len(images))
	for n, img := range images {
		out[n] = img.ID
	}
	return out
}

func TestOpen_MigratesTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.CountFolders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestFolders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("add and list", func(t *testing.T) {
		a := assert.New(t)
		f, err := s.AddFolder(ctx, "/photos/trips/")
		require.NoError(t, err)
		a.Equal("/photos/trips", f.Path)

		_, err = s.AddFolder(ctx, "/photos/trips")
		a.True(apperr.IsDuplicate(err))

		_, err = s.AddFolder(ctx, "relative/path")
		a.True(apperr.IsValidation(err))

		got, err := s.GetFolderByPath(ctx, "/photos/trips")
		require.NoError(t, err)
		a.Equal(f.ID, got.ID)

		list, err := s.ListFolders(ctx)
		require.NoError(t, err)
		a.Len(list, 1)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetFolder(ctx, 999)
		assert.True(t, apperr.IsNotFound(err))
		_, err = s.DeleteFolder(ctx, 999, false)
		assert.True(t, apperr.IsNotFound(err))
	})
}

func TestDeleteFolder_KeepsOrRemovesFiles(t *testing.T) {
	ctx := context.Background()

	for _, deleteFiles := range []bool{false, true} {
		s := openTestStore(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("a"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("b"), 0o644))

		f, err := s.AddFolder(ctx, dir)
		require.NoError(t, err)
		img := addImage(t, s, f, "a.jpg")
		addImage(t, s, f, "b.png")
		tag, err := s.CreateTag(ctx, TagInput{Name: "keep"})
		require.NoError(t, err)
		_, err = s.TagImage(ctx, img.ID, tag.ID)
		require.NoError(t, err)

		n, err := s.DeleteFolder(ctx, f.ID, deleteFiles)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, total, err := s.ListImages(ctx, ImageQuery{})
		require.NoError(t, err)
		assert.Zero(t, total)

		tag, err = s.GetTag(ctx, tag.ID)
		require.NoError(t, err)
		assert.Zero(t, tag.ImageCount)

		_, statErr := os.Stat(filepath.Join(dir, "a.jpg"))
		if deleteFiles {
			assert.True(t, os.IsNotExist(statErr))
		} else {
			assert.NoError(t, statErr)
		}
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".ft-del-")
		}
	}
}

// failRenameOf makes the trash fail to move path aside.
func failRenameOf(t *testing.T, path string) {
	t.Helper()
	rename = func(from, to string) error {
		if from == path {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EACCES}
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })
}

func TestDeleteFolder_RenameFailureLeavesRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("b"), 0o644))

	f, err := s.AddFolder(ctx, dir)
	require.NoError(t, err)
	addImage(t, s, f, "a.jpg")
	addImage(t, s, f, "b.jpg")
	failRenameOf(t, filepath.Join(dir, "b.jpg"))

	_, err = s.DeleteFolder(ctx, f.ID, true)
	require.Error(t, err)
	assert.True(t, apperr.IsPartialCascade(err))

	_, total, err := s.ListImages(ctx, ImageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.FileExists(t, filepath.Join(dir, "a.jpg"))
	assert.FileExists(t, filepath.Join(dir, "b.jpg"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeleteImage_RenameFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	f, err := s.AddFolder(ctx, dir)
	require.NoError(t, err)
	img := addImage(t, s, f, "a.jpg")
	failRenameOf(t, path)

	err = s.DeleteImage(ctx, img.ID)
	assert.True(t, apperr.IsPartialCascade(err))
	_, err = s.GetImage(ctx, img.ID)
	assert.NoError(t, err)
	assert.FileExists(t, path)
}

func TestDelete_MaxLengthNames(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()
	long := strings.Repeat("a", 251) + ".jpg"
	require.Len(t, long, 255)
	other := strings.Repeat("b", 251) + ".jpg"
	for _, name := range []string{long, other} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	f, err := s.AddFolder(ctx, dir)
	require.NoError(t, err)
	img := addImage(t, s, f, long)
	addImage(t, s, f, other)

	require.NoError(t, s.DeleteImage(ctx, img.ID))
	assert.NoFileExists(t, filepath.Join(dir, long))

	n, err := s.DeleteFolder(ctx, f.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(dir, other))
}

func TestInsertImage_DuplicatePathIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)

	img := Image{FolderID: f.ID, Path: "/lib/a.jpg", Checksum: "abc"}
	ok, err := s.InsertImage(ctx, &img)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a.jpg", img.Filename)

	again := Image{FolderID: f.ID, Path: "/lib/a.jpg"}
	ok, err = s.InsertImage(ctx, &again)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := s.FindImageByChecksum(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, img.ID, found.ID)
	assert.Equal(t, "/lib", found.FolderPath)

	_, err = s.FindImageByChecksum(ctx, "zzz")
	assert.True(t, apperr.IsNotFound(err))

	orphan := Image{FolderID: 42, Path: "/nowhere/x.jpg"}
	_, err = s.InsertImage(ctx, &orphan)
	assert.True(t, apperr.IsNotFound(err))
}

func TestListImages_TagFilterIsAND(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)

	both := addImage(t, s, f, "both.jpg")
	onlyA := addImage(t, s, f, "only-a.jpg")
	none := addImage(t, s, f, "none.jpg")

	ta, err := s.CreateTag(ctx, TagInput{Name: "A"})
	require.NoError(t, err)
	tb, err := s.CreateTag(ctx, TagInput{Name: "B"})
	require.NoError(t, err)

	for _, link := range [][2]int64{{both.ID, ta.ID}, {both.ID, tb.ID}, {onlyA.ID, ta.ID}} {
		_, err := s.TagImage(ctx, link[0], link[1])
		require.NoError(t, err)
	}

	a := assert.New(t)
	got, total, err := s.ListImages(ctx, ImageQuery{TagIDs: []int64{ta.ID, tb.ID}})
	require.NoError(t, err)
	a.Equal(1, total)
	a.Equal([]int64{both.ID}, ids(got))
	a.Len(got[0].Tags, 2)

	got, _, err = s.ListImages(ctx, ImageQuery{TagIDs: []int64{ta.ID}, Sort: SortName})
	require.NoError(t, err)
	a.Equal([]int64{both.ID, onlyA.ID}, ids(got))

	got, _, err = s.ListImages(ctx, ImageQuery{Untagged: true})
	require.NoError(t, err)
	a.Equal([]int64{none.ID}, ids(got))
	a.NotNil(got[0].Tags)

	got, _, err = s.ListImages(ctx, ImageQuery{Search: "ONLY"})
	require.NoError(t, err)
	a.Equal([]int64{onlyA.ID}, ids(got))

	got, total, err = s.ListImages(ctx, ImageQuery{Sort: SortName, Desc: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	a.Equal(3, total)
	a.Equal([]int64{none.ID, both.ID}, ids(got))
}

func TestTagImage_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)
	img := addImage(t, s, f, "a.jpg")
	tag, err := s.CreateTag(ctx, TagInput{Name: "sunset"})
	require.NoError(t, err)

	added, err := s.TagImage(ctx, img.ID, tag.ID)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.TagImage(ctx, img.ID, tag.ID)
	require.NoError(t, err)
	assert.False(t, added)

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Len(t, got.Tags, 1)

	_, err = s.TagImage(ctx, img.ID, 999)
	assert.True(t, apperr.IsNotFound(err))
	_, err = s.TagImage(ctx, 999, tag.ID)
	assert.True(t, apperr.IsNotFound(err))

	removed, err := s.UntagImage(ctx, img.ID, tag.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.UntagImage(ctx, img.ID, tag.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBatchTagAndUntag(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)
	one := addImage(t, s, f, "1.jpg")
	two := addImage(t, s, f, "2.jpg")
	tag, err := s.CreateTag(ctx, TagInput{Name: "frame"})
	require.NoError(t, err)
	_, err = s.TagImage(ctx, one.ID, tag.ID)
	require.NoError(t, err)

	n, err := s.BatchTag(ctx, []int64{one.ID, two.ID, two.ID, 404}, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.BatchUntag(ctx, []int64{one.ID, two.ID}, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.BatchTag(ctx, nil, tag.ID)
	assert.True(t, apperr.IsValidation(err))
	_, err = s.BatchTag(ctx, []int64{one.ID}, 404)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateTag_CaseInsensitiveSiblings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a := assert.New(t)

	art, err := s.CreateTag(ctx, TagInput{Name: "Art"})
	require.NoError(t, err)
	a.Equal(DefaultTagColor, art.Color)
	a.Nil(art.ParentID)

	_, err = s.CreateTag(ctx, TagInput{Name: "art"})
	a.True(apperr.IsDuplicate(err))

	people, err := s.CreateTag(ctx, TagInput{Name: "People"})
	require.NoError(t, err)
	child, err := s.CreateTag(ctx, TagInput{Name: "art", ParentID: &people.ID, Color: "#FF0000"})
	require.NoError(t, err)
	a.Equal("#ff0000", child.Color)
	a.Equal(people.ID, *child.ParentID)

	_, err = s.CreateTag(ctx, TagInput{Name: "ART", ParentID: &people.ID})
	a.True(apperr.IsDuplicate(err))

	_, err = s.CreateTag(ctx, TagInput{Name: "   "})
	a.True(apperr.IsValidation(err))
	_, err = s.CreateTag(ctx, TagInput{Name: "x", Color: "red"})
	a.True(apperr.IsValidation(err))
	missing := int64(999)
	_, err = s.CreateTag(ctx, TagInput{Name: "x", ParentID: &missing})
	a.True(apperr.IsNotFound(err))
}

func TestUpdateTag(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a := assert.New(t)

	root, err := s.CreateTag(ctx, TagInput{Name: "Places"})
	require.NoError(t, err)
	mid, err := s.CreateTag(ctx, TagInput{Name: "Europe", ParentID: &root.ID})
	require.NoError(t, err)
	leaf, err := s.CreateTag(ctx, TagInput{Name: "Paris", ParentID: &mid.ID})
	require.NoError(t, err)
	other, err := s.CreateTag(ctx, TagInput{Name: "paris"})
	require.NoError(t, err)

	t.Run("rename", func(t *testing.T) {
		name := "Île-de-France"
		got, err := s.UpdateTag(ctx, leaf.ID, TagPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, name, got.Name)
		assert.Equal(t, mid.ID, *got.ParentID)
	})

	t.Run("cycle rejected", func(t *testing.T) {
		_, err := s.UpdateTag(ctx, root.ID, TagPatch{SetParent: true, ParentID: &leaf.ID})
		a.True(apperr.IsValidation(err))
		_, err = s.UpdateTag(ctx, root.ID, TagPatch{SetParent: true, ParentID: &root.ID})
		a.True(apperr.IsValidation(err))
	})

	t.Run("move to root collides", func(t *testing.T) {
		name := "PARIS"
		_, err := s.UpdateTag(ctx, leaf.ID, TagPatch{Name: &name, SetParent: true})
		a.True(apperr.IsDuplicate(err))
	})

	t.Run("recolor keeps parent", func(t *testing.T) {
		color := "#123456"
		got, err := s.UpdateTag(ctx, other.ID, TagPatch{Color: &color})
		require.NoError(t, err)
		a.Equal(color, got.Color)
		a.Nil(got.ParentID)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.UpdateTag(ctx, 999, TagPatch{})
		a.True(apperr.IsNotFound(err))
	})
}

func TestDeleteTag_Policies(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, Tag, Tag, Tag) {
		s := openTestStore(t)
		root, err := s.CreateTag(ctx, TagInput{Name: "Animals"})
		require.NoError(t, err)
		mid, err := s.CreateTag(ctx, TagInput{Name: "Birds", ParentID: &root.ID})
		require.NoError(t, err)
		leaf, err := s.CreateTag(ctx, TagInput{Name: "Owls", ParentID: &mid.ID})
		require.NoError(t, err)
		return s, root, mid, leaf
	}

	t.Run("reparent", func(t *testing.T) {
		s, root, mid, leaf := setup(t)
		require.NoError(t, s.DeleteTag(ctx, mid.ID, ""))
		got, err := s.GetTag(ctx, leaf.ID)
		require.NoError(t, err)
		assert.Equal(t, root.ID, *got.ParentID)
	})

	t.Run("reparent child with the same name", func(t *testing.T) {
		s, root, mid, _ := setup(t)
		_, err := s.CreateTag(ctx, TagInput{Name: "birds", ParentID: &mid.ID})
		require.NoError(t, err)
		require.NoError(t, s.DeleteTag(ctx, mid.ID, ChildrenReparent))
		tags, err := s.ListTags(ctx)
		require.NoError(t, err)
		tree := BuildTagTree(tags)
		require.Len(t, tree, 1)
		assert.Equal(t, root.ID, tree[0].ID)
		assert.Len(t, tree[0].Children, 2)
	})

	t.Run("reparent collision", func(t *testing.T) {
		s, root, mid, _ := setup(t)
		_, err := s.CreateTag(ctx, TagInput{Name: "owls", ParentID: &root.ID})
		require.NoError(t, err)
		err = s.DeleteTag(ctx, mid.ID, ChildrenReparent)
		assert.True(t, apperr.IsDuplicate(err))
	})

	t.Run("cascade", func(t *testing.T) {
		s, root, mid, leaf := setup(t)
		require.NoError(t, s.DeleteTag(ctx, mid.ID, ChildrenCascade))
		_, err := s.GetTag(ctx, leaf.ID)
		assert.True(t, apperr.IsNotFound(err))
		_, err = s.GetTag(ctx, root.ID)
		assert.NoError(t, err)
	})

	t.Run("bad policy", func(t *testing.T) {
		s, root, _, _ := setup(t)
		assert.True(t, apperr.IsValidation(s.DeleteTag(ctx, root.ID, "orphan")))
		assert.True(t, apperr.IsNotFound(s.DeleteTag(ctx, 999, ChildrenCascade)))
	})
}

func TestReplaceImage_CarriesTags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)
	old := addImage(t, s, f, "sunset.jpg")
	tag, err := s.CreateTag(ctx, TagInput{Name: "sky"})
	require.NoError(t, err)
	_, err = s.TagImage(ctx, old.ID, tag.ID)
	require.NoError(t, err)

	taken := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	repl := Image{FolderID: f.ID, Path: "/lib/FrameReady/sunset_fr.jpg", Width: 3840, Height: 2160, TakenAt: &taken}
	replaced, err := s.ReplaceImage(ctx, old.ID, &repl, nil)
	require.NoError(t, err)
	assert.Equal(t, old.Path, replaced.Path)

	_, err = s.GetImage(ctx, old.ID)
	assert.True(t, apperr.IsNotFound(err))
	got, err := s.GetImage(ctx, repl.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, tag.ID, got.Tags[0].ID)
	require.NotNil(t, got.TakenAt)
	assert.True(t, taken.Equal(*got.TakenAt))
}

func TestReplaceImage_PlaceFailureKeepsOldRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f, err := s.AddFolder(ctx, "/lib")
	require.NoError(t, err)
	old := addImage(t, s, f, "sunset.jpg")
	tag, err := s.CreateTag(ctx, TagInput{Name: "sky"})
	require.NoError(t, err)
	_, err = s.TagImage(ctx, old.ID, tag.ID)
	require.NoError(t, err)

	repl := Image{FolderID: f.ID, Path: "/lib/FrameReady/sunset_fr.jpg"}
	_, err = s.ReplaceImage(ctx, old.ID, &repl, func() error { return os.ErrPermission })
	require.ErrorIs(t, err, os.ErrPermission)

	got, err := s.GetImage(ctx, old.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 1)
	_, total, err := s.ListImages(ctx, ImageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRemoveAndDeleteImage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()
	f, err := s.AddFolder(ctx, dir)
	require.NoError(t, err)
	for _, name := range []string{"keep.jpg", "gone.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	keep := addImage(t, s, f, "keep.jpg")
	gone := addImage(t, s, f, "gone.jpg")

	require.NoError(t, s.RemoveImage(ctx, keep.ID))
	assert.FileExists(t, keep.Path)
	assert.True(t, apperr.IsNotFound(s.RemoveImage(ctx, keep.ID)))

	require.NoError(t, s.DeleteImage(ctx, gone.ID))
	assert.NoFileExists(t, gone.Path)
	assert.True(t, apperr.IsNotFound(s.DeleteImage(ctx, gone.ID)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Folders: 1}, st)
}

func TestBuildTagTree(t *testing.T) {
	p := func(v int64) *int64 { return &v }
	tree := BuildTagTree([]Tag{
		{ID: 1, Name: "b"},
		{ID: 2, Name: "a"},
		{ID: 3, Name: "z", ParentID: p(1)},
		{ID: 4, Name: "y", ParentID: p(1)},
		{ID: 5, Name: "orphan", ParentID: p(99)},
	})
	require.Len(t, tree, 3)
	assert.Equal(t, "a", tree[0].Name)
	assert.Equal(t, "b", tree[1].Name)
	assert.Equal(t, "orphan", tree[2].Name)
	require.Len(t, tree[1].Children, 2)
	assert.Equal(t, "y", tree[1].Children[0].Name)
	assert.Empty(t, tree[0].Children)
}
