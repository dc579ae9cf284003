package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/auth"
	"sitemark/api/internal/editor"
	"sitemark/api/internal/export"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/metrics"
	"sitemark/api/internal/pipeline"
	"sitemark/api/internal/rbac"
	"sitemark/api/internal/search"
	"sitemark/api/internal/session"
	"sitemark/api/internal/store"
	"sitemark/api/internal/util"
	"sitemark/api/internal/versions"
	"sitemark/api/internal/viewport"
)

type CreateDocumentInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	SiteID      string   `json:"siteId"`
	Tags        []string `json:"tags"`
	ViewerIDs   []string `json:"viewerIds"`
	EditorIDs   []string `json:"editorIds"`
	Blueprint   []byte   `json:"blueprint"`
}

type OpenSessionInput struct {
	ScreenWidth  float64 `json:"screenWidth"`
	ScreenHeight float64 `json:"screenHeight"`
	// ReadOnly opens the session without taking the editing lease.
	ReadOnly bool `json:"readOnly"`
}

type dataStore interface {
	InsertDocument(context.Context, markup.Document) error
	GetDocument(context.Context, string) (markup.Document, error)
	GetAccess(context.Context, string) (store.DocumentAccess, error)
	LinkWorklog(context.Context, string, string) error
	UnlinkWorklog(context.Context, string) error
	SoftDelete(context.Context, string, time.Time) error
	UpdatePermissions(context.Context, string, rbac.Permissions) error
	SiteIDsVisibleTo(context.Context, string) ([]string, error)
	WorklogExists(context.Context, string) (bool, error)
	Ping(context.Context) error
}

type persister interface {
	Save(ctx context.Context, doc markup.Document, author string) (markup.Document, error)
	UploadBlueprint(ctx context.Context, documentID string, data []byte) (string, int, int, error)
}

type versionLog interface {
	History(documentID string, limit int) ([]versions.Version, error)
	ContentAt(documentID, hash string) (versions.Content, error)
	Tag(documentID, name string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	Index(doc markup.Document)
	Delete(id string)
}

type Options struct {
	Store     dataStore
	Pipeline  persister
	Versions  versionLog
	Leases    session.LeaseStore
	Search    searchIndex
	Tokens    *auth.Tokens
	Logger    *zap.SugaredLogger
	UndoLimit int
	LeaseTTL  time.Duration
	Clock     func() time.Time
}

// editSession is one open editor plus the lease that lets it write.
type editSession struct {
	editor   *editor.Session
	userID   string
	readOnly bool

	mu          sync.Mutex
	lease       *session.Lease
	rerun       bool
	rerunAuthor string
}

type Service struct {
	store     dataStore
	pipeline  persister
	versions  versionLog
	leases    session.LeaseStore
	search    searchIndex
	tokens    *auth.Tokens
	logger    *zap.SugaredLogger
	undoLimit int
	leaseTTL  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*editSession

	background sync.WaitGroup
}

func New(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		pipeline:  opts.Pipeline,
		versions:  opts.Versions,
		leases:    opts.Leases,
		search:    opts.Search,
		tokens:    opts.Tokens,
		logger:    opts.Logger,
		undoLimit: opts.UndoLimit,
		leaseTTL:  opts.LeaseTTL,
		now:       opts.Clock,
		sessions:  make(map[string]*editSession),
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.leases == nil {
		s.leases = session.NewMemoryLeases()
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = session.DefaultLeaseTTL
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CurrentUserID resolves the caller behind a bearer token.
func (s *Service) CurrentUserID(token string) (string, error) {
	if s.tokens == nil {
		return "", auth.ErrInvalidToken
	}
	userID, err := s.tokens.CurrentUserID(token)
	if err != nil {
		return "", translate(err)
	}
	return userID, nil
}

func (s *Service) subject(ctx context.Context, userID string) (rbac.Subject, error) {
	sites, err := s.store.SiteIDsVisibleTo(ctx, userID)
	if err != nil {
		return rbac.Subject{}, fmt.Errorf("load visible sites: %w", err)
	}
	return rbac.Subject{UserID: userID, VisibleSiteIDs: sites}, nil
}

// resolve reads the grant lists fresh and evaluates them for userID.
func (s *Service) resolve(ctx context.Context, documentID, userID string) (rbac.Access, error) {
	if userID == "" {
		return rbac.AccessNone, errAccessDenied()
	}
	grants, err := s.store.GetAccess(ctx, documentID)
	if err != nil {
		return rbac.AccessNone, translate(err)
	}
	subject, err := s.subject(ctx, userID)
	if err != nil {
		return rbac.AccessNone, err
	}
	return rbac.Resolve(grants.Permissions, grants.SiteID, subject), nil
}

func (s *Service) require(ctx context.Context, documentID, userID string, action rbac.Action) (rbac.Access, error) {
	access, err := s.resolve(ctx, documentID, userID)
	if err != nil {
		return access, err
	}
	if !rbac.Can(access, action) {
		return access, errAccessDenied()
	}
	return access, nil
}

// CreateDocument uploads the blueprint and stores an empty markup owned by userID.
func (s *Service) CreateDocument(ctx context.Context, userID string, input CreateDocumentInput) (DocumentView, error) {
	if userID == "" {
		return DocumentView{}, errAccessDenied()
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return DocumentView{}, errInvalidInput("title is required")
	}
	if len(input.Blueprint) == 0 {
		return DocumentView{}, errInvalidInput("blueprint image is required")
	}
	if input.SiteID != "" {
		subject, err := s.subject(ctx, userID)
		if err != nil {
			return DocumentView{}, err
		}
		if !containsID(subject.VisibleSiteIDs, input.SiteID) {
			return DocumentView{}, errAccessDenied()
		}
	}

	id := util.NewID("")
	ref, width, height, err := s.pipeline.UploadBlueprint(ctx, id, input.Blueprint)
	if errors.Is(err, export.ErrBlueprintUnreadable) {
		return DocumentView{}, errInvalidInput("blueprint image could not be decoded")
	}
	if err != nil {
		return DocumentView{}, err
	}

	now := s.now()
	perms := rbac.Permissions{ViewerIDs: input.ViewerIDs, EditorIDs: input.EditorIDs}.Grant(userID, rbac.AccessEditor)
	doc := markup.Document{
		ID:              id,
		OriginalFileRef: ref,
		Objects:         []annotation.Object{},
		Metadata: markup.Metadata{
			Title:       title,
			Description: strings.TrimSpace(input.Description),
			SiteID:      input.SiteID,
			CreatedBy:   userID,
			CreatedAt:   now,
			ModifiedAt:  now,
			Tags:        nonNilStrings(input.Tags),
		},
		Permissions: perms,
		Status:      markup.StatusActive,
		ImageWidth:  width,
		ImageHeight: height,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return DocumentView{}, err
	}
	s.logger.Infow("markup created", "document_id", id, "user_id", userID, "site_id", input.SiteID)
	s.search.Index(doc)
	return newDocumentView(doc, rbac.AccessEditor)
}

// CloneDocument copies a readable markup into a new document owned by userID.
func (s *Service) CloneDocument(ctx context.Context, userID, sourceID, title string) (DocumentView, error) {
	if _, err := s.require(ctx, sourceID, userID, rbac.ActionView); err != nil {
		return DocumentView{}, err
	}
	source, err := s.store.GetDocument(ctx, sourceID)
	if err != nil {
		return DocumentView{}, translate(err)
	}
	clone := source.CloneAs(util.NewID(""), userID, s.now())
	if title = strings.TrimSpace(title); title != "" {
		clone.Metadata.Title = title
	}
	if err := s.store.InsertDocument(ctx, clone); err != nil {
		return DocumentView{}, err
	}

	saved, err := s.pipeline.Save(ctx, clone, userID)
	var persistErr *pipeline.PersistenceError
	switch {
	case err == nil:
		clone = saved
	case errors.As(err, &persistErr) && persistErr.MetadataSaved:
		clone = saved
		s.logger.Warnw("clone artifacts pending", "document_id", clone.ID, "error", err)
	default:
		s.logger.Warnw("clone initial save failed", "document_id", clone.ID, "error", err)
	}
	s.logger.Infow("markup cloned", "document_id", clone.ID, "source_id", sourceID, "user_id", userID)
	s.search.Index(clone)
	return newDocumentView(clone, rbac.AccessEditor)
}

func (s *Service) LoadDocument(ctx context.Context, userID, documentID string) (DocumentView, error) {
	access, err := s.require(ctx, documentID, userID, rbac.ActionView)
	if err != nil {
		return DocumentView{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, translate(err)
	}
	return newDocumentView(doc, access)
}

// OpenSession starts an editor over the stored document. Editors take the
// document's editing lease unless they ask for a read-only session.
func (s *Service) OpenSession(ctx context.Context, userID, documentID string, input OpenSessionInput) (SessionView, error) {
	access, err := s.require(ctx, documentID, userID, rbac.ActionView)
	if err != nil {
		return SessionView{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return SessionView{}, translate(err)
	}
	vp, err := viewport.New(float64(doc.ImageWidth), float64(doc.ImageHeight), input.ScreenWidth, input.ScreenHeight)
	if err != nil {
		return SessionView{}, errInvalidInput(err.Error())
	}
	if input.ScreenWidth > 0 && input.ScreenHeight > 0 {
		vp = vp.Fit()
	}

	es := &editSession{
		userID:   userID,
		readOnly: input.ReadOnly,
		editor: editor.NewSession(doc, editor.Options{
			ID:        util.NewID("ses"),
			UserID:    userID,
			Viewport:  vp,
			UndoLimit: s.undoLimit,
			Clock:     s.now,
			Logger:    s.logger,
		}),
	}
	access = es.limit(access)
	if access == rbac.AccessEditor {
		lease, err := s.leases.Acquire(ctx, s.leaseFor(es), s.leaseTTL)
		if err != nil {
			return SessionView{}, translate(err)
		}
		es.lease = &lease
	}

	s.mu.Lock()
	s.sessions[es.editor.ID] = es
	s.mu.Unlock()
	metrics.SessionOpened()
	s.logger.Infow("editor session opened", "session_id", es.editor.ID, "document_id", documentID, "user_id", userID, "access", access)
	return newSessionView(es.editor.View(), access)
}

// CloseSession drops the editor and releases its lease. A save already in
// flight still completes.
func (s *Service) CloseSession(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	es, ok := s.sessions[sessionID]
	if !ok || es.userID != userID {
		s.mu.Unlock()
		return errSessionNotFound()
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.release(context.WithoutCancel(ctx), es)
	metrics.SessionClosed()
	s.logger.Infow("editor session closed", "session_id", sessionID, "document_id", es.editor.DocumentID())
	return nil
}

func (s *Service) SessionState(ctx context.Context, userID, sessionID string) (SessionView, error) {
	es, err := s.sessionFor(userID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	access, err := s.resolve(ctx, es.editor.DocumentID(), userID)
	if err != nil {
		return SessionView{}, err
	}
	return newSessionView(es.editor.View(), es.limit(access))
}

// ApplyMutation feeds one input event to the session. Access is resolved
// again for every event; an editor whose lease was taken over is treated
// as a viewer.
func (s *Service) ApplyMutation(ctx context.Context, userID, sessionID string, cmd editor.Command) (SessionView, error) {
	es, access, err := s.prepare(ctx, userID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	view, err := es.editor.Apply(ctx, access, cmd)
	metrics.RecordMutation(editor.CommandType(cmd), err)
	if err != nil {
		return SessionView{}, translate(err)
	}
	return newSessionView(view, access)
}

func (s *Service) Undo(ctx context.Context, userID, sessionID string) (SessionView, error) {
	return s.step(ctx, userID, sessionID, "undo", (*editor.Session).Undo)
}

func (s *Service) Redo(ctx context.Context, userID, sessionID string) (SessionView, error) {
	return s.step(ctx, userID, sessionID, "redo", (*editor.Session).Redo)
}

func (s *Service) step(ctx context.Context, userID, sessionID, name string, move func(*editor.Session, context.Context, rbac.Access) (bool, error)) (SessionView, error) {
	es, access, err := s.prepare(ctx, userID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	_, err = move(es.editor, ctx, access)
	metrics.RecordMutation(name, err)
	if err != nil {
		return SessionView{}, translate(err)
	}
	return newSessionView(es.editor.View(), access)
}

func (s *Service) prepare(ctx context.Context, userID, sessionID string) (*editSession, rbac.Access, error) {
	es, err := s.sessionFor(userID, sessionID)
	if err != nil {
		return nil, rbac.AccessNone, err
	}
	access, err := s.resolve(ctx, es.editor.DocumentID(), userID)
	if err != nil {
		return nil, rbac.AccessNone, err
	}
	if access == rbac.AccessNone {
		return nil, access, errAccessDenied()
	}
	access = es.limit(access)
	if access == rbac.AccessEditor {
		if err := s.claim(ctx, es); err != nil {
			s.logger.Warnw("editing lease unavailable", "session_id", sessionID, "error", err)
			access = rbac.AccessViewer
		}
	}
	return es, access, nil
}

// SaveDocument persists the session's objects. While a save is in flight a
// second request is refused with SAVE_IN_PROGRESS and one rerun is queued.
func (s *Service) SaveDocument(ctx context.Context, userID, sessionID string) (DocumentView, error) {
	es, err := s.sessionFor(userID, sessionID)
	if err != nil {
		return DocumentView{}, err
	}
	access, err := s.require(ctx, es.editor.DocumentID(), userID, rbac.ActionEdit)
	if err != nil {
		return DocumentView{}, err
	}
	if es.readOnly {
		return DocumentView{}, errAccessDenied()
	}
	if err := s.claim(ctx, es); err != nil {
		return DocumentView{}, translate(err)
	}

	es.mu.Lock()
	started := es.editor.BeginSave()
	if !started {
		es.rerun = true
		es.rerunAuthor = userID
	}
	es.mu.Unlock()
	if !started {
		return DocumentView{}, domainError(http.StatusConflict, CodeSaveInProgress, "A save is already in progress", map[string]any{"queued": true})
	}

	saved, err := s.saveOnce(ctx, es, userID)
	s.settleSave(es)
	if err != nil {
		return DocumentView{}, translate(err)
	}
	return newDocumentView(saved, access)
}

func (s *Service) saveOnce(ctx context.Context, es *editSession, author string) (markup.Document, error) {
	saved, err := s.pipeline.Save(ctx, es.editor.Document(), author)
	var persistErr *pipeline.PersistenceError
	if err == nil || (errors.As(err, &persistErr) && persistErr.MetadataSaved) {
		es.editor.MarkSaved(saved)
		s.search.Index(saved)
	}
	if err != nil {
		s.logger.Warnw("markup save failed", "document_id", saved.ID, "session_id", es.editor.ID, "error", err)
	}
	return saved, err
}

// settleSave ends the in-flight save or runs the queued one in the background.
func (s *Service) settleSave(es *editSession) {
	es.mu.Lock()
	if !es.rerun {
		es.editor.EndSave()
		es.mu.Unlock()
		return
	}
	author := es.rerunAuthor
	es.rerun = false
	es.rerunAuthor = ""
	es.mu.Unlock()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, _ = s.saveOnce(context.Background(), es, author)
		s.settleSave(es)
	}()
}

// LinkToWorklog attaches the markup to a work-log entry and tags the
// current revision. Linking to the same entry again is a no-op.
func (s *Service) LinkToWorklog(ctx context.Context, userID, documentID, worklogID string) (DocumentView, error) {
	worklogID = strings.TrimSpace(worklogID)
	if worklogID == "" {
		return DocumentView{}, errInvalidInput("worklogId is required")
	}
	access, err := s.require(ctx, documentID, userID, rbac.ActionEdit)
	if err != nil {
		return DocumentView{}, err
	}
	exists, err := s.store.WorklogExists(ctx, worklogID)
	if err != nil {
		return DocumentView{}, err
	}
	if !exists {
		return DocumentView{}, domainError(http.StatusNotFound, CodeNotFound, "Work log not found", map[string]any{"worklogId": worklogID})
	}
	if err := s.store.LinkWorklog(ctx, documentID, worklogID); err != nil {
		return DocumentView{}, translate(err)
	}
	if s.versions != nil {
		if err := s.versions.Tag(documentID, "worklog-"+worklogID); err != nil && !errors.Is(err, versions.ErrNoHistory) {
			s.logger.Warnw("tag linked revision failed", "document_id", documentID, "worklog_id", worklogID, "error", err)
		}
	}
	s.logger.Infow("markup linked to work log", "document_id", documentID, "worklog_id", worklogID)
	return s.reload(ctx, documentID, access)
}

func (s *Service) UnlinkWorklog(ctx context.Context, userID, documentID string) (DocumentView, error) {
	access, err := s.require(ctx, documentID, userID, rbac.ActionEdit)
	if err != nil {
		return DocumentView{}, err
	}
	if err := s.store.UnlinkWorklog(ctx, documentID); err != nil {
		return DocumentView{}, translate(err)
	}
	return s.reload(ctx, documentID, access)
}

// UpdatePermissions replaces the grant lists. The requester always stays an editor.
func (s *Service) UpdatePermissions(ctx context.Context, userID, documentID string, perms rbac.Permissions) (DocumentView, error) {
	access, err := s.require(ctx, documentID, userID, rbac.ActionEdit)
	if err != nil {
		return DocumentView{}, err
	}
	perms = perms.Grant(userID, rbac.AccessEditor)
	for _, id := range perms.EditorIDs {
		perms.ViewerIDs = removeID(perms.ViewerIDs, id)
	}
	if err := s.store.UpdatePermissions(ctx, documentID, perms); err != nil {
		return DocumentView{}, translate(err)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, translate(err)
	}
	s.search.Index(doc)
	return newDocumentView(doc, access)
}

// SoftDelete hides the markup. Open sessions fail with NOT_FOUND from then on.
func (s *Service) SoftDelete(ctx context.Context, userID, documentID string) error {
	if _, err := s.require(ctx, documentID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if err := s.store.SoftDelete(ctx, documentID, s.now()); err != nil {
		return translate(err)
	}
	s.search.Delete(documentID)
	s.logger.Infow("markup deleted", "document_id", documentID, "user_id", userID)
	return nil
}

func (s *Service) ListVersions(ctx context.Context, userID, documentID string, limit int) ([]versions.Version, error) {
	if _, err := s.require(ctx, documentID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	if s.versions == nil {
		return []versions.Version{}, nil
	}
	return s.versions.History(documentID, limit)
}

// VersionAt returns the document as it was saved at the given revision.
func (s *Service) VersionAt(ctx context.Context, userID, documentID, hash string) (VersionView, error) {
	if _, err := s.require(ctx, documentID, userID, rbac.ActionView); err != nil {
		return VersionView{}, err
	}
	if s.versions == nil {
		return VersionView{}, errNotFound()
	}
	content, err := s.versions.ContentAt(documentID, hash)
	if err != nil {
		return VersionView{}, translate(err)
	}
	objects, err := annotation.UnmarshalObjects(content.Objects)
	if err != nil {
		return VersionView{}, fmt.Errorf("decode version %s: %w", hash, err)
	}
	return newVersionView(hash, content, objects)
}

func (s *Service) Search(ctx context.Context, userID, text string, limit, offset int) (search.Response, error) {
	if userID == "" {
		return search.Response{}, errAccessDenied()
	}
	subject, err := s.subject(ctx, userID)
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{
		Text:    strings.TrimSpace(text),
		Subject: subject,
		Limit:   limit,
		Offset:  offset,
	}), nil
}

// Drain waits for queued background saves.
func (s *Service) Drain() {
	s.background.Wait()
}

// Shutdown waits for background saves and releases every lease this process holds.
func (s *Service) Shutdown(ctx context.Context) {
	s.Drain()
	s.mu.Lock()
	open := make([]*editSession, 0, len(s.sessions))
	for id, es := range s.sessions {
		open = append(open, es)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, es := range open {
		s.release(ctx, es)
		metrics.SessionClosed()
	}
}

func (s *Service) reload(ctx context.Context, documentID string, access rbac.Access) (DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, translate(err)
	}
	return newDocumentView(doc, access)
}

func (s *Service) sessionFor(userID, sessionID string) (*editSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.sessions[sessionID]
	if !ok || es.userID != userID {
		return nil, errSessionNotFound()
	}
	return es, nil
}

func (s *Service) leaseFor(es *editSession) session.Lease {
	return session.Lease{
		DocumentID: es.editor.DocumentID(),
		SessionID:  es.editor.ID,
		UserID:     es.userID,
	}
}

// limit caps access for sessions opened read-only.
func (es *editSession) limit(access rbac.Access) rbac.Access {
	if es.readOnly && access == rbac.AccessEditor {
		return rbac.AccessViewer
	}
	return access
}

// claim renews the session's lease, or takes it if the session has none or
// lost it while the document was free.
func (s *Service) claim(ctx context.Context, es *editSession) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.lease != nil {
		lease, err := s.leases.Renew(ctx, *es.lease, s.leaseTTL)
		if err == nil {
			es.lease = &lease
			return nil
		}
		if !errors.Is(err, session.ErrLeaseLost) {
			return err
		}
		es.lease = nil
	}
	lease, err := s.leases.Acquire(ctx, s.leaseFor(es), s.leaseTTL)
	if err != nil {
		return err
	}
	es.lease = &lease
	return nil
}

func (s *Service) release(ctx context.Context, es *editSession) {
	es.mu.Lock()
	lease := es.lease
	es.lease = nil
	es.mu.Unlock()
	if lease == nil {
		return
	}
	if err := s.leases.Release(ctx, *lease); err != nil {
		s.logger.Warnw("release editing lease failed", "document_id", lease.DocumentID, "session_id", lease.SessionID, "error", err)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
