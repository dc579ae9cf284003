package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/auth"
	"sitemark/api/internal/blob"
	"sitemark/api/internal/editor"
	"sitemark/api/internal/export"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/pipeline"
	"sitemark/api/internal/rbac"
	"sitemark/api/internal/search"
	"sitemark/api/internal/session"
	"sitemark/api/internal/store"
	"sitemark/api/internal/versions"
)

const (
	owner   = "u-owner"
	crew    = "u-crew"
	partner = "u-partner"
	outside = "u-outside"
)

type switchableBlobs struct {
	*blob.Memory
	mu   sync.Mutex
	fail bool
}

func (b *switchableBlobs) Put(ctx context.Context, path string, data []byte, contentType string) (blob.Object, error) {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return blob.Object{}, errors.New("blob store unavailable")
	}
	return b.Memory.Put(ctx, path, data, contentType)
}

func (b *switchableBlobs) setFailing(v bool) {
	b.mu.Lock()
	b.fail = v
	b.mu.Unlock()
}

// gatedSaves holds every Save until gate is closed.
type gatedSaves struct {
	*pipeline.Pipeline
	gate    chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func (g *gatedSaves) Save(ctx context.Context, doc markup.Document, author string) (markup.Document, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.gate
	return g.Pipeline.Save(ctx, doc, author)
}

type harness struct {
	svc      *Service
	store    *store.Store
	blobs    *switchableBlobs
	pipeline *pipeline.Pipeline
	tokens   *auth.Tokens
	leases   *session.MemoryLeases
	closeDB  func() error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, wrap func(*pipeline.Pipeline) persister) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(ctx, db, store.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		store:   store.New(db, store.DriverSQLite),
		blobs:   &switchableBlobs{Memory: blob.NewMemory("http://blobs.local")},
		tokens:  auth.NewTokens("test-secret"),
		leases:  session.NewMemoryLeases(),
		closeDB: db.Close,
	}
	vs := versions.New(t.TempDir())
	h.pipeline = pipeline.New(pipeline.Options{
		Documents: h.store,
		Blobs:     h.blobs,
		Renderer:  export.NewService(nil, nil),
		Versions:  vs,
	})
	var saves persister = h.pipeline
	if wrap != nil {
		saves = wrap(h.pipeline)
	}
	h.svc = New(Options{
		Store:    h.store,
		Pipeline: saves,
		Versions: vs,
		Leases:   h.leases,
		Search:   search.NewService(nil, h.store, nil),
		Tokens:   h.tokens,
	})
	t.Cleanup(h.svc.Drain)

	for _, a := range []struct{ user, site string }{
		{owner, "site-1"},
		{crew, "site-1"},
		{partner, "site-2"},
	} {
		if err := h.store.AssignSite(ctx, a.user, a.site); err != nil {
			t.Fatalf("assign site: %v", err)
		}
	}
	return h
}

func blueprintPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (h *harness) createDocument(t *testing.T, input CreateDocumentInput) DocumentView {
	t.Helper()
	if input.Title == "" {
		input.Title = "Level 2 slab"
	}
	if input.SiteID == "" {
		input.SiteID = "site-1"
	}
	input.Blueprint = blueprintPNG(t)
	doc, err := h.svc.CreateDocument(context.Background(), owner, input)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func (h *harness) open(t *testing.T, userID, documentID string) SessionView {
	t.Helper()
	view, err := h.svc.OpenSession(context.Background(), userID, documentID, OpenSessionInput{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return view
}

func (h *harness) apply(userID, sessionID string, cmds ...editor.Command) (SessionView, error) {
	var view SessionView
	for _, cmd := range cmds {
		var err error
		view, err = h.svc.ApplyMutation(context.Background(), userID, sessionID, cmd)
		if err != nil {
			return view, err
		}
	}
	return view, nil
}

func drawBox(x, y, w, hgt float64) []editor.Command {
	return []editor.Command{
		editor.SelectTool{Tool: editor.ToolBoxRed},
		editor.PointerDown{X: x, Y: y},
		editor.PointerMove{X: x + w/2, Y: y + hgt/2},
		editor.PointerUp{X: x + w, Y: y + hgt},
	}
}

func objectCount(t *testing.T, view SessionView) int {
	t.Helper()
	objects, err := annotation.UnmarshalObjects(view.Objects)
	if err != nil {
		t.Fatalf("decode objects: %v", err)
	}
	return len(objects)
}

func codeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func TestCreateAndLoadDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{Tags: []string{"slab"}})

	if doc.Access != rbac.AccessEditor {
		t.Fatalf("expected creator to be editor, got %q", doc.Access)
	}
	if doc.ImageWidth != 400 || doc.ImageHeight != 300 {
		t.Fatalf("unexpected image size %dx%d", doc.ImageWidth, doc.ImageHeight)
	}
	if _, err := h.blobs.Get(ctx, doc.OriginalFileRef); err != nil {
		t.Fatalf("blueprint not uploaded: %v", err)
	}

	loaded, err := h.svc.LoadDocument(ctx, crew, doc.ID)
	if err != nil {
		t.Fatalf("site member load: %v", err)
	}
	if loaded.Access != rbac.AccessViewer {
		t.Fatalf("expected site member to be viewer, got %q", loaded.Access)
	}

	if _, err := h.svc.LoadDocument(ctx, outside, doc.ID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for outsider, got %v", err)
	}
	if _, err := h.svc.LoadDocument(ctx, owner, "missing"); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		input  CreateDocumentInput
		code   string
	}{
		{name: "missing title", userID: owner, input: CreateDocumentInput{SiteID: "site-1", Blueprint: blueprintPNG(t)}, code: CodeInvalidInput},
		{name: "missing blueprint", userID: owner, input: CreateDocumentInput{Title: "x", SiteID: "site-1"}, code: CodeInvalidInput},
		{name: "garbage blueprint", userID: owner, input: CreateDocumentInput{Title: "x", SiteID: "site-1", Blueprint: []byte("nope")}, code: CodeInvalidInput},
		{name: "site not visible", userID: partner, input: CreateDocumentInput{Title: "x", SiteID: "site-1", Blueprint: blueprintPNG(t)}, code: CodeAccessDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.CreateDocument(ctx, tc.userID, tc.input); codeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestBoxUndoRedoAndSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)

	view, err := h.apply(owner, sess.SessionID, drawBox(50, 40, 120, 80)...)
	if err != nil {
		t.Fatalf("draw box: %v", err)
	}
	if objectCount(t, view) != 1 || !view.CanUndo {
		t.Fatalf("expected one undoable box, got %d objects", objectCount(t, view))
	}

	view, err = h.svc.Undo(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if objectCount(t, view) != 0 || !view.CanRedo {
		t.Fatalf("expected empty redoable state after undo")
	}

	view, err = h.svc.Redo(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if objectCount(t, view) != 1 {
		t.Fatalf("expected box back after redo")
	}

	saved, err := h.svc.SaveDocument(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Revision != 1 || saved.Metadata.ObjectCount != 1 {
		t.Fatalf("unexpected saved state revision=%d count=%d", saved.Revision, saved.Metadata.ObjectCount)
	}
	if saved.Preview == nil {
		t.Fatalf("expected preview artifact after save")
	}

	loaded, err := h.svc.LoadDocument(ctx, crew, doc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Objects, saved.Objects) {
		t.Fatalf("loaded objects differ from saved objects")
	}
}

func TestViewerCannotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, crew, doc.ID)
	if sess.Access != rbac.AccessViewer {
		t.Fatalf("expected viewer session, got %q", sess.Access)
	}

	if _, err := h.apply(crew, sess.SessionID, drawBox(10, 10, 40, 40)...); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED drawing as viewer, got %v", err)
	}
	if _, err := h.svc.Undo(ctx, crew, sess.SessionID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED on undo, got %v", err)
	}
	if _, err := h.svc.SaveDocument(ctx, crew, sess.SessionID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED on save, got %v", err)
	}

	view, err := h.apply(crew, sess.SessionID, editor.Wheel{X: 10, Y: 10, Delta: -1})
	if err != nil {
		t.Fatalf("viewer zoom: %v", err)
	}
	if view.Viewport.Zoom <= 1 {
		t.Fatalf("expected zoom in, got %v", view.Viewport.Zoom)
	}
	if objectCount(t, view) != 0 {
		t.Fatalf("viewer changed objects")
	}
}

func TestPermissionsAreReadOnEveryMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{EditorIDs: []string{partner}})
	sess := h.open(t, partner, doc.ID)

	if _, err := h.apply(partner, sess.SessionID, drawBox(10, 10, 40, 40)...); err != nil {
		t.Fatalf("editor draw: %v", err)
	}

	if _, err := h.svc.UpdatePermissions(ctx, owner, doc.ID, rbac.Permissions{ViewerIDs: []string{partner}}); err != nil {
		t.Fatalf("update permissions: %v", err)
	}

	if _, err := h.apply(partner, sess.SessionID, drawBox(100, 100, 40, 40)...); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED after demotion, got %v", err)
	}
	if _, err := h.svc.SaveDocument(ctx, partner, sess.SessionID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED saving after demotion, got %v", err)
	}
}

func TestOneEditingSessionPerDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{EditorIDs: []string{partner}})
	first := h.open(t, owner, doc.ID)

	_, err := h.svc.OpenSession(ctx, partner, doc.ID, OpenSessionInput{})
	if codeOf(err) != CodeEditSessionActive {
		t.Fatalf("expected EDIT_SESSION_ACTIVE, got %v", err)
	}

	readOnly, err := h.svc.OpenSession(ctx, partner, doc.ID, OpenSessionInput{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	if readOnly.Access != rbac.AccessViewer {
		t.Fatalf("expected read-only session to be viewer, got %q", readOnly.Access)
	}

	if err := h.svc.CloseSession(ctx, partner, first.SessionID); codeOf(err) != CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND closing someone else's session, got %v", err)
	}
	if err := h.svc.CloseSession(ctx, owner, first.SessionID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.svc.ApplyMutation(ctx, owner, first.SessionID, editor.Blur{}); codeOf(err) != CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND after close, got %v", err)
	}

	h.open(t, partner, doc.ID)
}

func TestReadOnlySessionNeverEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{EditorIDs: []string{partner}})

	sess, err := h.svc.OpenSession(ctx, owner, doc.ID, OpenSessionInput{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED drawing in a read-only session, got %v", err)
	}
	if _, err := h.svc.SaveDocument(ctx, owner, sess.SessionID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED saving a read-only session, got %v", err)
	}
	state, err := h.svc.SessionState(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("session state: %v", err)
	}
	if state.Access != rbac.AccessViewer || objectCount(t, state) != 0 {
		t.Fatalf("expected an untouched viewer session, got access=%q objects=%d", state.Access, objectCount(t, state))
	}
	if _, held, err := h.leases.Holder(ctx, doc.ID); err != nil || held {
		t.Fatalf("read-only session must not hold the lease, held=%v err=%v", held, err)
	}

	other := h.open(t, partner, doc.ID)
	if other.Access != rbac.AccessEditor {
		t.Fatalf("expected partner to edit, got %q", other.Access)
	}
}

func TestLeaseTakenOverDowngradesToViewer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)

	holder, ok, err := h.leases.Holder(ctx, doc.ID)
	if err != nil || !ok {
		t.Fatalf("expected a lease holder, got ok=%v err=%v", ok, err)
	}
	if err := h.leases.Release(ctx, holder); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := h.leases.Acquire(ctx, session.Lease{DocumentID: doc.ID, SessionID: "other", UserID: "u-other"}, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED without the lease, got %v", err)
	}
	if _, err := h.svc.SaveDocument(ctx, owner, sess.SessionID); codeOf(err) != CodeEditSessionActive {
		t.Fatalf("expected EDIT_SESSION_ACTIVE on save, got %v", err)
	}
}

func TestSaveWhileSavingQueuesOneRerun(t *testing.T) {
	var gated *gatedSaves
	h := newHarnessWith(t, func(p *pipeline.Pipeline) persister {
		gated = &gatedSaves{Pipeline: p, gate: make(chan struct{}), entered: make(chan struct{}, 4)}
		return gated
	})
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)
	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); err != nil {
		t.Fatalf("draw: %v", err)
	}

	type result struct {
		doc DocumentView
		err error
	}
	done := make(chan result, 1)
	go func() {
		saved, err := h.svc.SaveDocument(ctx, owner, sess.SessionID)
		done <- result{saved, err}
	}()
	<-gated.entered

	view, err := h.apply(owner, sess.SessionID, drawBox(100, 100, 40, 40)...)
	if err != nil {
		t.Fatalf("mutation during save: %v", err)
	}
	if !view.IsSaving {
		t.Fatalf("expected IsSaving during save")
	}
	for i := 0; i < 2; i++ {
		if _, err := h.svc.SaveDocument(ctx, owner, sess.SessionID); codeOf(err) != CodeSaveInProgress {
			t.Fatalf("expected SAVE_IN_PROGRESS, got %v", err)
		}
	}

	close(gated.gate)
	first := <-done
	if first.err != nil {
		t.Fatalf("first save: %v", first.err)
	}
	h.svc.Drain()

	if got := gated.calls.Load(); got != 2 {
		t.Fatalf("expected one queued rerun, got %d saves", got)
	}
	stored, err := h.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Revision != 2 || len(stored.Objects) != 2 {
		t.Fatalf("expected rerun to persist both boxes, revision=%d objects=%d", stored.Revision, len(stored.Objects))
	}
	state, err := h.svc.SessionState(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.IsSaving {
		t.Fatalf("expected IsSaving cleared after rerun")
	}
}

func TestSaveReportsArtifactFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)
	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); err != nil {
		t.Fatalf("draw: %v", err)
	}

	h.blobs.setFailing(true)
	_, err := h.svc.SaveDocument(ctx, owner, sess.SessionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != CodePersistence {
		t.Fatalf("expected PERSISTENCE_ERROR, got %v", err)
	}
	details, _ := domainErr.Details.(map[string]any)
	if details["metadataSaved"] != true || details["stage"] != string(pipeline.StageArtifacts) {
		t.Fatalf("unexpected details %#v", domainErr.Details)
	}

	stored, err := h.svc.LoadDocument(ctx, owner, doc.ID)
	if err != nil {
		t.Fatalf("document should stay loadable: %v", err)
	}
	if stored.Metadata.ObjectCount != 1 || stored.Status != markup.StatusActive {
		t.Fatalf("expected saved content on active document")
	}

	h.blobs.setFailing(false)
	saved, err := h.svc.SaveDocument(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("retry save: %v", err)
	}
	if saved.Preview == nil {
		t.Fatalf("expected preview after retry")
	}
}

func TestLinkToWorklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"wl-1", "wl-2"} {
		if err := h.store.InsertWorklog(ctx, id, "site-1"); err != nil {
			t.Fatalf("insert worklog: %v", err)
		}
	}
	doc := h.createDocument(t, CreateDocumentInput{})

	for i := 0; i < 2; i++ {
		linked, err := h.svc.LinkToWorklog(ctx, owner, doc.ID, "wl-1")
		if err != nil {
			t.Fatalf("link attempt %d: %v", i, err)
		}
		if linked.LinkedWorklogID == nil || *linked.LinkedWorklogID != "wl-1" {
			t.Fatalf("expected link to wl-1")
		}
	}

	_, err := h.svc.LinkToWorklog(ctx, owner, doc.ID, "wl-2")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != CodeAlreadyLinked {
		t.Fatalf("expected ALREADY_LINKED_ELSEWHERE, got %v", err)
	}
	if details, _ := domainErr.Details.(map[string]any); details["worklogId"] != "wl-1" {
		t.Fatalf("expected existing work log in details, got %#v", domainErr.Details)
	}

	if _, err := h.svc.LinkToWorklog(ctx, owner, doc.ID, "wl-missing"); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown work log, got %v", err)
	}
	if _, err := h.svc.LinkToWorklog(ctx, crew, doc.ID, "wl-1"); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for viewer, got %v", err)
	}

	for i := 0; i < 2; i++ {
		unlinked, err := h.svc.UnlinkWorklog(ctx, owner, doc.ID)
		if err != nil {
			t.Fatalf("unlink attempt %d: %v", i, err)
		}
		if unlinked.LinkedWorklogID != nil {
			t.Fatalf("expected link cleared")
		}
	}
	if _, err := h.svc.LinkToWorklog(ctx, owner, doc.ID, "wl-2"); err != nil {
		t.Fatalf("relink: %v", err)
	}
}

func TestSoftDeleteHidesDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)

	if err := h.svc.SoftDelete(ctx, crew, doc.ID); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected viewer delete to be denied, got %v", err)
	}
	if err := h.svc.SoftDelete(ctx, owner, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.LoadDocument(ctx, owner, doc.ID); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND after delete, got %v", err)
	}
	if err := h.svc.SoftDelete(ctx, owner, doc.ID); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND deleting twice, got %v", err)
	}
	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND mutating a deleted document, got %v", err)
	}
}

func TestCloneDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})
	sess := h.open(t, owner, doc.ID)
	if _, err := h.apply(owner, sess.SessionID, drawBox(10, 10, 40, 40)...); err != nil {
		t.Fatalf("draw: %v", err)
	}
	source, err := h.svc.SaveDocument(ctx, owner, sess.SessionID)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	clone, err := h.svc.CloneDocument(ctx, crew, doc.ID, "Level 2 slab (crew copy)")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.ID == doc.ID || clone.Access != rbac.AccessEditor {
		t.Fatalf("expected new document owned by the cloner")
	}
	if clone.OriginalFileRef != doc.OriginalFileRef {
		t.Fatalf("clone should reuse the blueprint")
	}
	if !bytes.Equal(clone.Objects, source.Objects) {
		t.Fatalf("clone objects differ from source")
	}
	if clone.Metadata.Title != "Level 2 slab (crew copy)" || clone.Metadata.CreatedBy != crew {
		t.Fatalf("unexpected clone metadata %+v", clone.Metadata)
	}
	if clone.Revision != 1 || clone.Preview == nil {
		t.Fatalf("expected clone saved with preview, revision=%d", clone.Revision)
	}

	if _, err := h.svc.CloneDocument(ctx, outside, doc.ID, ""); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED cloning unreadable document, got %v", err)
	}
}

func TestListVersions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.createDocument(t, CreateDocumentInput{})

	items, err := h.svc.ListVersions(ctx, crew, doc.ID, 10)
	if err != nil {
		t.Fatalf("list unsaved: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no versions before first save")
	}

	sess := h.open(t, owner, doc.ID)
	for i := 0; i < 2; i++ {
		if _, err := h.apply(owner, sess.SessionID, drawBox(float64(10+i*60), 10, 40, 40)...); err != nil {
			t.Fatalf("draw: %v", err)
		}
		if _, err := h.svc.SaveDocument(ctx, owner, sess.SessionID); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	items, err = h.svc.ListVersions(ctx, crew, doc.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(items))
	}
	if _, err := h.svc.ListVersions(ctx, outside, doc.ID, 10); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}

	first, err := h.svc.VersionAt(ctx, crew, doc.ID, items[1].Hash)
	if err != nil {
		t.Fatalf("version at first save: %v", err)
	}
	decoded, err := annotation.UnmarshalObjects(first.Objects)
	if err != nil {
		t.Fatalf("decode version objects: %v", err)
	}
	if first.ObjectCount != 1 || len(decoded) != 1 || first.Title != "Level 2 slab" {
		t.Fatalf("unexpected first version: count=%d objects=%d title=%q", first.ObjectCount, len(decoded), first.Title)
	}
	if _, err := h.svc.VersionAt(ctx, crew, doc.ID, "0123456789012345678901234567890123456789"); codeOf(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown revision, got %v", err)
	}
	if _, err := h.svc.VersionAt(ctx, outside, doc.ID, items[1].Hash); codeOf(err) != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}
}

func TestSearchIsScopedToVisibleDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createDocument(t, CreateDocumentInput{Title: "North wing slab", SiteID: "site-1"})

	resp, err := h.svc.Search(ctx, crew, "north", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("expected one hit for site member, got %d", resp.Total)
	}

	resp, err = h.svc.Search(ctx, partner, "north", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 0 {
		t.Fatalf("expected no hits for other site, got %d", resp.Total)
	}
}
