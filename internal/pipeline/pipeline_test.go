package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/blob"
	"sitemark/api/internal/export"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
	"sitemark/api/internal/store"
	"sitemark/api/internal/versions"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type flakyBlobs struct {
	*blob.Memory
	mu       sync.Mutex
	failPuts bool
	deleted  []string
}

func (f *flakyBlobs) Put(ctx context.Context, path string, data []byte, contentType string) (blob.Object, error) {
	f.mu.Lock()
	fail := f.failPuts
	f.mu.Unlock()
	if fail {
		return blob.Object{}, errors.New("minio unavailable")
	}
	return f.Memory.Put(ctx, path, data, contentType)
}

func (f *flakyBlobs) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, path)
	f.mu.Unlock()
	return f.Memory.Delete(ctx, path)
}

func (f *flakyBlobs) setFailing(v bool) {
	f.mu.Lock()
	f.failPuts = v
	f.mu.Unlock()
}

type fakePDF struct{}

func (fakePDF) RenderPDF(_ context.Context, html string, _ export.PageSize) ([]byte, error) {
	return []byte("%PDF " + Digest([]byte(html))), nil
}

type recordingEnqueuer struct {
	ids []string
}

func (r *recordingEnqueuer) EnqueueRegenerate(_ context.Context, documentID, _ string) error {
	r.ids = append(r.ids, documentID)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	blobs    *flakyBlobs
	retries  *recordingEnqueuer
	versions *versions.Service
	doc      markup.Document
}

func bluePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, store.DriverSQLite))

	f := &fixture{
		store:    store.New(db, store.DriverSQLite),
		blobs:    &flakyBlobs{Memory: blob.NewMemory("http://blobs.local")},
		retries:  &recordingEnqueuer{},
		versions: versions.New(t.TempDir()),
	}
	clock := t0
	f.pipeline = New(Options{
		Documents: f.store,
		Blobs:     f.blobs,
		Renderer:  export.NewService(fakePDF{}, nil),
		Versions:  f.versions,
		Retries:   f.retries,
		Clock: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	})

	ref, w, h, err := f.pipeline.UploadBlueprint(ctx, "mkp_1", bluePNG(t))
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	f.doc = markup.Document{
		ID:              "mkp_1",
		OriginalFileRef: ref,
		Metadata:        markup.Metadata{Title: "Slab", SiteID: "site-1", CreatedBy: "u-1", CreatedAt: t0, ModifiedAt: t0},
		Permissions:     rbac.Permissions{EditorIDs: []string{"u-1"}},
		Status:          markup.StatusActive,
		ImageWidth:      w,
		ImageHeight:     h,
	}.WithObjects(nil)
	require.NoError(t, f.store.InsertDocument(ctx, f.doc))
	return f
}

func withBox(t *testing.T, doc markup.Document, id string, x float64) markup.Document {
	t.Helper()
	box, err := annotation.NewBox(id, annotation.Point{X: x, Y: 4}, 10, 10, annotation.CategoryBlue, t0)
	require.NoError(t, err)
	return doc.WithObjects(append(annotation.CloneList(doc.Objects), box))
}

func TestSaveWritesRowVersionAndArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.pipeline.Save(ctx, withBox(t, f.doc, "b1", 4), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Revision)
	assert.NotEmpty(t, saved.ContentDigest)
	require.NotNil(t, saved.Preview)
	require.NotNil(t, saved.SnapshotPDF)
	assert.Regexp(t, `^markups/mkp_1/preview-[0-9a-f]{24}\.png$`, saved.Preview.Path)
	assert.Regexp(t, `^markups/mkp_1/snapshot-[0-9a-f]{24}\.pdf$`, saved.SnapshotPDF.Path)
	assert.Equal(t, "image/png", f.blobs.ContentType(saved.Preview.Path))

	row, err := f.store.GetDocument(ctx, "mkp_1")
	require.NoError(t, err)
	assert.Equal(t, 1, row.Metadata.ObjectCount)
	assert.Equal(t, saved.Preview.Path, row.Preview.Path)
	assert.Equal(t, saved.ContentDigest, row.ContentDigest)

	history, err := f.versions.History("mkp_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Empty(t, f.retries.ids)
}

func TestSaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := withBox(t, f.doc, "b1", 4)

	first, err := f.pipeline.Save(ctx, doc, "u-1")
	require.NoError(t, err)
	firstPreview, err := f.blobs.Get(ctx, first.Preview.Path)
	require.NoError(t, err)

	second, err := f.pipeline.Save(ctx, first, "u-1")
	require.NoError(t, err)
	assert.Equal(t, first.ContentDigest, second.ContentDigest)
	assert.Equal(t, first.Preview.Path, second.Preview.Path)
	assert.NotContains(t, f.blobs.deleted, first.Preview.Path, "unchanged paths are never deleted")

	secondPreview, err := f.blobs.Get(ctx, second.Preview.Path)
	require.NoError(t, err)
	assert.Equal(t, firstPreview, secondPreview)

	history, err := f.versions.History("mkp_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "identical content is not versioned twice")
}

func TestSaveRemovesSupersededArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Save(ctx, withBox(t, f.doc, "b1", 4), "u-1")
	require.NoError(t, err)
	second, err := f.pipeline.Save(ctx, withBox(t, first, "b2", 30), "u-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.Preview.Path, second.Preview.Path)
	assert.ElementsMatch(t, []string{first.Preview.Path, first.SnapshotPDF.Path}, f.blobs.deleted)
	_, err = f.blobs.Get(ctx, first.Preview.Path)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestUploadFailureKeepsMetadataAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Save(ctx, withBox(t, f.doc, "b1", 4), "u-1")
	require.NoError(t, err)

	f.blobs.setFailing(true)
	changed := withBox(t, first, "b2", 30)
	got, err := f.pipeline.Save(ctx, changed, "u-1")
	require.Error(t, err)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageArtifacts, perr.Stage)
	assert.True(t, perr.MetadataSaved)
	assert.Equal(t, []string{"mkp_1"}, f.retries.ids)
	assert.Equal(t, 2, got.Revision)

	row, err := f.store.GetDocument(ctx, "mkp_1")
	require.NoError(t, err)
	assert.Len(t, row.Objects, 2, "content is saved")
	assert.Equal(t, markup.StatusActive, row.Status)
	assert.Equal(t, first.Preview.Path, row.Preview.Path, "previous artifacts stay referenced")
	_, err = f.blobs.Get(ctx, first.Preview.Path)
	assert.NoError(t, err, "previous artifacts are not deleted on failure")
	assert.Empty(t, f.blobs.deleted)

	f.blobs.setFailing(false)
	require.NoError(t, f.pipeline.RegenerateArtifacts(ctx, "mkp_1"))
	row, err = f.store.GetDocument(ctx, "mkp_1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Preview.Path, row.Preview.Path)
	assert.Contains(t, f.blobs.deleted, first.Preview.Path)
}

func TestDatabaseFailureSavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ghost := f.doc
	ghost.ID = "mkp_missing"
	_, err := f.pipeline.Save(ctx, ghost, "u-1")
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageNothingSaved, perr.Stage)
	assert.False(t, perr.MetadataSaved)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.retries.ids)
}

func TestSaveSurvivesCancelledRequestAfterWrite(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	docs := &cancelAfterSave{Documents: f.store, cancel: cancel}
	f.pipeline.docs = docs

	saved, err := f.pipeline.Save(ctx, withBox(t, f.doc, "b1", 4), "u-1")
	require.NoError(t, err)
	require.NotNil(t, saved.Preview)
	_, err = f.blobs.Get(context.Background(), saved.Preview.Path)
	assert.NoError(t, err)
}

// cancelAfterSave cancels the request as soon as the row is written.
type cancelAfterSave struct {
	Documents
	cancel context.CancelFunc
}

func (c *cancelAfterSave) SaveContent(ctx context.Context, update store.ContentUpdate) (int, error) {
	rev, err := c.Documents.SaveContent(ctx, update)
	c.cancel()
	return rev, err
}

func TestUploadBlueprintRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	_, _, _, err := f.pipeline.UploadBlueprint(context.Background(), "mkp_2", []byte("nope"))
	assert.ErrorIs(t, err, export.ErrBlueprintUnreadable)
}

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, "markups/d/preview-abc.png", ArtifactPath("d", "preview", "abc", "image/png"))
	assert.Equal(t, "markups/d/blueprint-abc.bin", ArtifactPath("d", "blueprint", "abc", "application/octet-stream"))
}
