package upload

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/jobs"
)

type fixture struct {
	p       *Pipeline
	store   *catalog.Store
	folder  catalog.Folder
	staging string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	folder, err := store.AddFolder(context.Background(), t.TempDir())
	require.NoError(t, err)

	staging := t.TempDir()
	p := New(store, jobs.NewMemoryStore(time.Hour), Options{StagingDir: staging, JobTTL: time.Hour}, nil)
	mux := asynq.NewServeMux()
	p.Register(mux)
	p.SetQueue(jobs.NewLocalQueue(mux, true, nil))
	return fixture{p: p, store: store, folder: folder, staging: staging}
}

func pngBytes(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), imaging.PNG))
	return buf.Bytes()
}

// catalogFile writes data into the library and catalogs it with its md5.
func (f fixture) catalogFile(t *testing.T, name string, data []byte) catalog.Image {
	t.Helper()
	path := filepath.Join(f.folder.Path, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sum, err := frame.FileMD5(path)
	require.NoError(t, err)
	img := catalog.Image{FolderID: f.folder.ID, Path: path, Checksum: sum, Size: int64(len(data))}
	ok, err := f.store.InsertImage(context.Background(), &img)
	require.NoError(t, err)
	require.True(t, ok)
	return img
}

func (f fixture) start(t *testing.T, name string, data []byte) *jobs.Job {
	t.Helper()
	job, err := f.p.Start(context.Background(), f.folder.ID, []File{{Name: name, Body: bytes.NewReader(data)}})
	require.NoError(t, err)
	return f.status(t, job.ID)
}

func (f fixture) status(t *testing.T, jobID string) *jobs.Job {
	t.Helper()
	job, err := f.p.Status(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

var red = color.NRGBA{R: 255, A: 255}

func TestUpload_DuplicateThenSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 160, 90, red)
	existing := f.catalogFile(t, "existing.png", data)

	job := f.start(t, "copy.png", data)
	assert.Equal(t, jobs.StatusDuplicate, job.Status)
	r := job.Results[0]
	assert.Equal(t, jobs.FileDuplicate, r.Status)
	require.NotNil(t, r.DuplicateOf)
	assert.Equal(t, existing.ID, r.DuplicateOf.ImageID)
	assert.NotEmpty(t, r.Thumbnail)

	_, err := f.p.Position(ctx, job.ID, r.Filename, frame.Crop{Width: 1, Height: 1})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.p.ResolveDuplicate(ctx, job.ID, r.Filename, ActionSkip)
	require.NoError(t, err)
	job = f.status(t, job.ID)
	assert.Equal(t, jobs.StatusComplete, job.Status)
	assert.Equal(t, jobs.FileSkipped, job.Results[0].Status)
	assert.NoDirExists(t, filepath.Join(f.staging, job.ID))

	_, total, err := f.store.ListImages(ctx, catalog.ImageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUpload_SquareNeedsPositioningThenCrop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job := f.start(t, "square.png", pngBytes(t, 200, 200, red))
	assert.Equal(t, jobs.StatusNeedsPositioning, job.Status)
	r := job.Results[0]
	require.NotNil(t, r.Aspect)
	assert.False(t, r.Aspect.IsClose)
	assert.NotEmpty(t, r.Thumbnail)

	_, err := f.p.Position(ctx, job.ID, r.Filename, frame.Crop{X: 0.5, Width: 0.8, Height: 0.5})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.p.Position(ctx, job.ID, r.Filename, frame.Crop{X: 0, Y: 0.2, Width: 1, Height: 0.5625})
	require.NoError(t, err)

	job = f.status(t, job.ID)
	assert.Equal(t, jobs.StatusComplete, job.Status)
	r = job.Results[0]
	require.Equal(t, jobs.FileSuccess, r.Status, r.Error)

	want := filepath.Join(f.folder.Path, "FrameReady", "square_fr.jpg")
	assert.Equal(t, want, r.OutputPath)
	info, err := frame.Probe(want)
	require.NoError(t, err)
	assert.Equal(t, frame.TargetWidth, info.Width)
	assert.Equal(t, frame.TargetHeight, info.Height)

	img, err := f.store.GetImage(ctx, r.ImageID)
	require.NoError(t, err)
	assert.Equal(t, r.Checksum, img.Checksum)
	assert.Equal(t, want, img.Path)

	_, err = f.p.Position(ctx, job.ID, r.Filename, frame.Crop{Width: 1, Height: 1})
	assert.True(t, apperr.IsValidation(err))
}

func TestUpload_WideImageFinalizesAutomatically(t *testing.T) {
	f := newFixture(t)
	job := f.start(t, "wide.png", pngBytes(t, 320, 180, red))
	assert.Equal(t, jobs.StatusComplete, job.Status)
	r := job.Results[0]
	require.Equal(t, jobs.FileSuccess, r.Status, r.Error)
	assert.FileExists(t, r.OutputPath)
}

func TestUpload_SecondUploadGetsDupSuffix(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, "pic.png", pngBytes(t, 320, 180, red))
	second := f.start(t, "pic.png", pngBytes(t, 320, 180, color.NRGBA{B: 255, A: 255}))

	assert.Equal(t, "pic_fr.jpg", filepath.Base(first.Results[0].OutputPath))
	assert.Equal(t, "pic_fr_dup01.jpg", filepath.Base(second.Results[0].OutputPath))
}

func TestUpload_OverwriteReplacesImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 320, 180, red)
	existing := f.catalogFile(t, "orig.png", data)
	tag, err := f.store.CreateTag(ctx, catalog.TagInput{Name: "tv"})
	require.NoError(t, err)
	_, err = f.store.TagImage(ctx, existing.ID, tag.ID)
	require.NoError(t, err)

	job := f.start(t, "orig.png", data)
	require.Equal(t, jobs.StatusDuplicate, job.Status)

	_, err = f.p.ResolveDuplicate(ctx, job.ID, job.Results[0].Filename, ActionOverwrite)
	require.NoError(t, err)

	job = f.status(t, job.ID)
	r := job.Results[0]
	require.Equal(t, jobs.FileSuccess, r.Status, r.Error)
	assert.Equal(t, existing.ID, r.ReplaceImageID)

	_, err = f.store.GetImage(ctx, existing.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.NoFileExists(t, existing.Path)

	img, err := f.store.GetImage(ctx, r.ImageID)
	require.NoError(t, err)
	require.Len(t, img.Tags, 1)
	assert.Equal(t, tag.ID, img.Tags[0].ID)
}

func TestUpload_KeepBothThenSkipPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 300, 300, red)
	existing := f.catalogFile(t, "tile.png", data)

	job := f.start(t, "tile.png", data)
	r, err := f.p.ResolveDuplicate(ctx, job.ID, job.Results[0].Filename, ActionKeepBoth)
	require.NoError(t, err)
	assert.Equal(t, jobs.FileNeedsPositioning, r.Status)
	assert.Zero(t, r.ReplaceImageID)

	_, err = f.p.SkipPosition(ctx, job.ID, r.Filename)
	require.NoError(t, err)
	job = f.status(t, job.ID)
	require.Equal(t, jobs.FileSuccess, job.Results[0].Status, job.Results[0].Error)

	_, err = f.store.GetImage(ctx, existing.ID)
	assert.NoError(t, err)
	assert.FileExists(t, existing.Path)
}

func TestUpload_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.p.Start(ctx, f.folder.ID, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.p.Start(ctx, 999, []File{{Name: "a.png", Body: bytes.NewReader(nil)}})
	assert.True(t, apperr.IsNotFound(err))

	job := f.start(t, "notes.txt", []byte("hello"))
	assert.Equal(t, jobs.StatusComplete, job.Status)
	assert.Equal(t, jobs.FileFailed, job.Results[0].Status)

	job = f.start(t, "broken.jpg", []byte("not really a jpeg"))
	assert.Equal(t, jobs.FileFailed, job.Results[0].Status)
	assert.NoDirExists(t, filepath.Join(f.staging, job.ID))

	_, err = f.p.ResolveDuplicate(ctx, "missing-job", "x.png", ActionSkip)
	assert.True(t, apperr.IsNotFound(err))

	_, err = ParseDuplicateAction("delete")
	assert.True(t, apperr.IsValidation(err))
	a, err := ParseDuplicateAction("Keep_Both")
	require.NoError(t, err)
	assert.Equal(t, ActionKeepBoth, a)
}

func TestUpload_StagedNamesAreUnique(t *testing.T) {
	f := newFixture(t)
	data := pngBytes(t, 100, 100, red)
	job, err := f.p.Start(context.Background(), f.folder.ID, []File{
		{Name: "../../etc/a.png", Body: bytes.NewReader(data)},
		{Name: `C:\Users\me\a.png`, Body: bytes.NewReader(data)},
	})
	require.NoError(t, err)
	assert.Equal(t, "a.png", job.Results[0].Filename)
	assert.Equal(t, "a_dup01.png", job.Results[1].Filename)
	assert.Equal(t, "a.png", job.Results[1].OriginalName)
}

func TestCleanStaging(t *testing.T) {
	f := newFixture(t)
	oldDir := filepath.Join(f.staging, "old-job")
	newDir := filepath.Join(f.staging, "new-job")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	n, err := f.p.CleanStaging(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, newDir)
}

// failPlacement makes moving a rendered output into its final name fail.
func failPlacement(t *testing.T) {
	t.Helper()
	rename = func(from, to string) error {
		if strings.HasPrefix(filepath.Base(from), ".pending-") {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EIO}
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })
}

func assertNoHiddenLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), e.Name())
	}
}

func TestUpload_LongNameFinalizes(t *testing.T) {
	f := newFixture(t)
	name := strings.Repeat("b", 245) + ".png"
	job := f.start(t, name, pngBytes(t, 320, 180, red))

	r := job.Results[0]
	require.Equal(t, jobs.FileSuccess, r.Status, r.Error)
	assert.Equal(t, strings.Repeat("b", 245)+"_fr.jpg", filepath.Base(r.OutputPath))
	assert.FileExists(t, r.OutputPath)
	assertNoHiddenLeftovers(t, filepath.Dir(r.OutputPath))

	again := f.start(t, name, pngBytes(t, 320, 180, color.NRGBA{G: 255, A: 255}))
	r = again.Results[0]
	require.Equal(t, jobs.FileSuccess, r.Status, r.Error)
	assert.LessOrEqual(t, len(filepath.Base(r.OutputPath)), frame.MaxFilenameLen)
	assert.Contains(t, r.OutputPath, "_dup01.jpg")
}

func TestUpload_OverwriteFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 320, 180, red)
	existing := f.catalogFile(t, "orig.png", data)
	tag, err := f.store.CreateTag(ctx, catalog.TagInput{Name: "tv"})
	require.NoError(t, err)
	_, err = f.store.TagImage(ctx, existing.ID, tag.ID)
	require.NoError(t, err)

	job := f.start(t, "orig.png", data)
	failPlacement(t)
	_, err = f.p.ResolveDuplicate(ctx, job.ID, job.Results[0].Filename, ActionOverwrite)
	require.NoError(t, err)

	r := f.status(t, job.ID).Results[0]
	assert.Equal(t, jobs.FileFailed, r.Status)
	assert.NotEmpty(t, r.Error)

	img, err := f.store.GetImage(ctx, existing.ID)
	require.NoError(t, err)
	require.Len(t, img.Tags, 1)
	assert.FileExists(t, existing.Path)
	_, total, err := f.store.ListImages(ctx, catalog.ImageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assertNoHiddenLeftovers(t, filepath.Join(f.folder.Path, "FrameReady"))
}

func TestUpload_OverwriteSameOutputName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 320, 180, red)
	first := f.start(t, "pic.png", data).Results[0]
	require.Equal(t, jobs.FileSuccess, first.Status, first.Error)
	original, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)

	t.Run("placement fails", func(t *testing.T) {
		job := f.start(t, "pic.png", data)
		require.Equal(t, jobs.StatusDuplicate, job.Status)
		failPlacement(t)
		_, err := f.p.ResolveDuplicate(ctx, job.ID, job.Results[0].Filename, ActionOverwrite)
		require.NoError(t, err)
		assert.Equal(t, jobs.FileFailed, f.status(t, job.ID).Results[0].Status)

		img, err := f.store.GetImage(ctx, first.ImageID)
		require.NoError(t, err)
		assert.Equal(t, first.OutputPath, img.Path)
		got, err := os.ReadFile(first.OutputPath)
		require.NoError(t, err)
		assert.Equal(t, original, got)
		assertNoHiddenLeftovers(t, filepath.Dir(first.OutputPath))
	})

	t.Run("succeeds", func(t *testing.T) {
		job := f.start(t, "pic.png", data)
		require.Equal(t, jobs.StatusDuplicate, job.Status)
		_, err := f.p.ResolveDuplicate(ctx, job.ID, job.Results[0].Filename, ActionOverwrite)
		require.NoError(t, err)
		r := f.status(t, job.ID).Results[0]
		require.Equal(t, jobs.FileSuccess, r.Status, r.Error)
		assert.Equal(t, first.OutputPath, r.OutputPath)

		_, err = f.store.GetImage(ctx, first.ImageID)
		assert.True(t, apperr.IsNotFound(err))
		_, err = f.store.GetImage(ctx, r.ImageID)
		require.NoError(t, err)
		assert.FileExists(t, r.OutputPath)
		assertNoHiddenLeftovers(t, filepath.Dir(r.OutputPath))
	})
}
