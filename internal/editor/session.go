// Package editor turns discrete input events into object-list mutations.
//
// A Session owns one document's editing state: the tool state machine, the
// viewport and the undo history. Sessions share nothing, so any number can run
// side by side.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/history"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
	"sitemark/api/internal/util"
	"sitemark/api/internal/viewport"
)

var (
	// ErrEditDenied is returned when a mutating input arrives from a caller
	// without edit access. The object list is left unchanged.
	ErrEditDenied     = errors.New("edit access denied")
	ErrInvalidCommand = errors.New("invalid command")
)

// PasteOffset is how far pasted copies are shifted from their source, in image pixels.
const PasteOffset = 10.0

// Style holds the defaults applied to newly drawn objects.
type Style struct {
	StrokeColor string
	StrokeWidth float64
	FontSize    float64
	FontColor   string
}

var DefaultStyle = Style{StrokeColor: "#dc2626", StrokeWidth: 3, FontSize: 16, FontColor: "#111827"}

type Options struct {
	ID        string
	UserID    string
	Viewport  viewport.State
	UndoLimit int
	Style     Style
	Clock     func() time.Time
	NewID     func() string
	Logger    *zap.SugaredLogger
}

// draftID marks the preview of an in-progress shape in View.Draft.
const draftID = "draft"

// draft is the uncommitted work of the current gesture. It never reaches history.
type draft struct {
	start      annotation.Point
	last       annotation.Point
	lastScreen annotation.Point
	path       []annotation.Point
	text       string
}

type Session struct {
	ID     string
	UserID string

	docID string

	mu       sync.Mutex
	doc      markup.Document
	tools    ToolState
	view     viewport.State
	history  *history.History
	isSaving bool
	machine  *fsm.FSM
	draft    *draft
	style    Style
	clock    func() time.Time
	newID    func() string
	logger   *zap.SugaredLogger
}

func NewSession(doc markup.Document, opts Options) *Session {
	s := &Session{
		ID:      opts.ID,
		UserID:  opts.UserID,
		docID:   doc.ID,
		doc:     doc,
		tools:   newToolState(),
		view:    opts.Viewport,
		history: history.New(doc.Objects, opts.UndoLimit),
		style:   opts.Style,
		clock:   opts.Clock,
		newID:   opts.NewID,
		logger:  opts.Logger,
	}
	if s.ID == "" {
		s.ID = util.NewID("ses")
	}
	if s.style == (Style{}) {
		s.style = DefaultStyle
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return util.NewID("") }
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.view.Zoom == 0 {
		s.view.Zoom = 1
	}
	s.machine = newMachine(s)
	return s
}

// View is a point-in-time copy of the session for rendering.
type View struct {
	SessionID  string
	DocumentID string
	State      string
	Tools      ToolState
	Viewport   viewport.State
	Objects    []annotation.Object
	Draft      annotation.Object
	CanUndo    bool
	CanRedo    bool
	IsSaving   bool
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	return View{
		SessionID:  s.ID,
		DocumentID: s.doc.ID,
		State:      s.machine.Current(),
		Tools:      s.tools.clone(),
		Viewport:   s.view,
		Objects:    s.history.Current(),
		Draft:      s.draftObject(),
		CanUndo:    s.history.CanUndo(),
		CanRedo:    s.history.CanRedo(),
		IsSaving:   s.isSaving,
	}
}

// Document returns the session's document carrying the current object list.
func (s *Session) Document() markup.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.WithObjects(s.history.Current())
}

// DocumentID needs no lock: the id is copied out of the document at creation.
func (s *Session) DocumentID() string { return s.docID }

// MarkSaved records persistence bookkeeping after a save without touching objects.
func (s *Session) MarkSaved(saved markup.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects := s.doc.Objects
	s.doc = saved
	s.doc.Objects = objects
}

// BeginSave flips IsSaving. It reports false when a save is already in flight.
func (s *Session) BeginSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSaving {
		return false
	}
	s.isSaving = true
	return true
}

func (s *Session) EndSave() {
	s.mu.Lock()
	s.isSaving = false
	s.mu.Unlock()
}

// Apply feeds one input event through the tool machine. access is evaluated
// by the caller for this event only.
func (s *Session) Apply(ctx context.Context, access rbac.Access, cmd Command) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rbac.Can(access, rbac.ActionView) {
		return View{}, ErrEditDenied
	}
	var err error
	switch c := cmd.(type) {
	case PointerDown:
		err = s.pointerDown(ctx, access, annotation.Point{X: c.X, Y: c.Y})
	case PointerMove:
		s.pointerMove(annotation.Point{X: c.X, Y: c.Y})
	case PointerUp:
		err = s.pointerUp(ctx, access, annotation.Point{X: c.X, Y: c.Y})
	case KeyPress:
		err = s.keyPress(ctx, access, c.Key)
	case TypeText:
		if s.machine.Current() == StateEditing {
			s.draft.text += c.Text
		}
	case Blur:
		if s.machine.Current() == StateEditing {
			err = s.commitText(ctx, access)
		}
	case SelectTool:
		err = s.selectTool(ctx, access, c.Tool)
	case Wheel:
		pivot := annotation.Point{X: c.X, Y: c.Y}
		if c.Delta < 0 {
			s.view = s.view.ZoomIn(pivot)
		} else if c.Delta > 0 {
			s.view = s.view.ZoomOut(pivot)
		}
	case DeleteSelection:
		err = s.deleteSelection(access)
	case CopySelection:
		s.copySelection()
	case Paste:
		err = s.paste(access)
	case ResizeBox:
		err = s.resizeBox(access, c)
	case UpdateText:
		err = s.updateText(access, c)
	case SetScreen:
		s.view = s.view.Resize(c.Width, c.Height)
	default:
		err = fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	if err != nil {
		return View{}, err
	}
	return s.viewLocked(), nil
}

// Undo restores the previous object list. Any in-progress gesture is dropped
// and the selection cleared. It reports false when there was nothing to undo.
func (s *Session) Undo(ctx context.Context, access rbac.Access) (bool, error) {
	return s.step(ctx, access, s.history.Undo)
}

func (s *Session) Redo(ctx context.Context, access rbac.Access) (bool, error) {
	return s.step(ctx, access, s.history.Redo)
}

func (s *Session) step(ctx context.Context, access rbac.Access, move func() bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !rbac.Can(access, rbac.ActionEdit) {
		return false, ErrEditDenied
	}
	if err := s.cancel(ctx, access); err != nil {
		return false, err
	}
	s.tools.selectOnly()
	return move(), nil
}

func (s *Session) pointerDown(ctx context.Context, access rbac.Access, screen annotation.Point) error {
	switch s.machine.Current() {
	case StateIdle:
	case StateEditing:
		if err := s.commitText(ctx, access); err != nil {
			return err
		}
	default:
		if err := s.cancel(ctx, access); err != nil {
			return err
		}
	}

	at := s.view.ScreenToImage(screen)
	switch tool := s.tools.ActiveTool; tool {
	case ToolBoxGray, ToolBoxRed, ToolBoxBlue, ToolPen:
		if err := s.fire(ctx, eventDraw, access); err != nil {
			return err
		}
		s.draft = &draft{start: at, last: at, path: []annotation.Point{at}}
		s.tools.IsDrawing = true
	case ToolText:
		if err := s.fire(ctx, eventEditText, access); err != nil {
			return err
		}
		s.draft = &draft{start: at}
	case ToolSelect:
		hit, ok := annotation.TopmostAt(s.history.Current(), at, s.view.Zoom)
		if !ok {
			if err := s.fire(ctx, eventSelectArea, access); err != nil {
				return err
			}
			s.tools.selectOnly()
			s.draft = &draft{start: at, last: at}
			s.tools.IsDrawing = true
			return nil
		}
		if !s.tools.isSelected(hit.Meta().ID) {
			s.tools.selectOnly(hit.Meta().ID)
		}
		// viewers may select but not drag
		err := s.fire(ctx, eventMove, access)
		if errors.Is(err, ErrEditDenied) {
			return nil
		}
		if err != nil {
			return err
		}
		s.draft = &draft{start: at, last: at}
		s.tools.IsDrawing = true
	case ToolPan, ToolZoomIn, ToolZoomOut:
		event := eventPan
		if tool != ToolPan {
			event = eventZoom
		}
		if err := s.fire(ctx, event, access); err != nil {
			return err
		}
		s.draft = &draft{lastScreen: screen}
		s.tools.IsDrawing = tool == ToolPan
	}
	return nil
}

func (s *Session) pointerMove(screen annotation.Point) {
	if s.draft == nil {
		return
	}
	at := s.view.ScreenToImage(screen)
	switch s.machine.Current() {
	case StateDrawing:
		if s.tools.ActiveTool == ToolPen && at != s.draft.path[len(s.draft.path)-1] {
			s.draft.path = append(s.draft.path, at)
		}
		s.draft.last = at
	case StateSelecting, StateMoving:
		s.draft.last = at
	case StatePanning:
		s.view = s.view.PanBy(screen.X-s.draft.lastScreen.X, screen.Y-s.draft.lastScreen.Y)
		s.draft.lastScreen = screen
	}
}

func (s *Session) pointerUp(ctx context.Context, access rbac.Access, screen annotation.Point) error {
	state := s.machine.Current()
	if state == StateIdle || state == StateEditing {
		return nil
	}
	s.pointerMove(screen)
	at := s.view.ScreenToImage(screen)

	switch state {
	case StateDrawing:
		if !rbac.Can(access, rbac.ActionEdit) {
			_ = s.cancel(ctx, access)
			return ErrEditDenied
		}
		obj, err := s.finishShape(s.newID())
		if err != nil {
			_ = s.cancel(ctx, access)
			return err
		}
		s.history.Commit(append(s.history.Current(), obj))
	case StateMoving:
		if !rbac.Can(access, rbac.ActionEdit) {
			_ = s.cancel(ctx, access)
			return ErrEditDenied
		}
		delta := at.Sub(s.draft.start)
		if delta != (annotation.Point{}) {
			now := s.clock()
			objects := s.history.Current()
			for i, obj := range objects {
				if !s.tools.isSelected(obj.Meta().ID) {
					continue
				}
				moved := annotation.Translate(obj, delta.X, delta.Y)
				if err := annotation.Validate(moved); err != nil {
					_ = s.cancel(ctx, access)
					return err
				}
				objects[i] = annotation.Touch(moved, now)
			}
			s.history.Commit(objects)
		}
	case StateSelecting:
		area := annotation.RectFromCorners(s.draft.start, at)
		s.tools.selectOnly(annotation.Intersecting(s.history.Current(), area)...)
	case StateZooming:
		if s.tools.ActiveTool == ToolZoomOut {
			s.view = s.view.ZoomOut(screen)
		} else {
			s.view = s.view.ZoomIn(screen)
		}
	}

	s.draft = nil
	s.tools.IsDrawing = false
	return s.fire(ctx, eventCommit, access)
}

// finishShape builds the committed box or stroke. Degenerate boxes are
// clamped to MinBoxSize and single-point strokes are doubled.
func (s *Session) finishShape(id string) (annotation.Object, error) {
	now := s.clock()
	if category, ok := s.tools.ActiveTool.category(); ok {
		r := annotation.RectFromCorners(s.draft.start, s.draft.last)
		if r.Width < annotation.MinBoxSize {
			r.Width = annotation.MinBoxSize
		}
		if r.Height < annotation.MinBoxSize {
			r.Height = annotation.MinBoxSize
		}
		return annotation.NewBox(id, annotation.Point{X: r.X, Y: r.Y}, r.Width, r.Height, category, now)
	}
	path := s.draft.path
	if len(path) == 1 {
		path = append(path, path[0])
	}
	return annotation.NewDrawing(id, path, s.style.StrokeColor, s.style.StrokeWidth, now)
}

func (s *Session) draftObject() annotation.Object {
	if s.draft == nil || s.machine.Current() != StateDrawing {
		return nil
	}
	obj, err := s.finishShape(draftID)
	if err != nil {
		return nil
	}
	return obj
}

func (s *Session) keyPress(ctx context.Context, access rbac.Access, key Key) error {
	editing := s.machine.Current() == StateEditing
	switch key {
	case KeyEscape:
		if s.machine.Current() == StateIdle {
			s.tools.selectOnly()
		}
		return s.cancel(ctx, access)
	case KeyEnter:
		if editing {
			return s.commitText(ctx, access)
		}
	case KeyBackspace:
		if editing {
			if _, size := utf8.DecodeLastRuneInString(s.draft.text); size > 0 {
				s.draft.text = s.draft.text[:len(s.draft.text)-size]
			}
			return nil
		}
		return s.deleteSelection(access)
	case KeyDelete:
		if !editing {
			return s.deleteSelection(access)
		}
	default:
		return fmt.Errorf("%w: unsupported key %q", ErrInvalidCommand, key)
	}
	return nil
}

// cancel discards the current gesture without touching history.
func (s *Session) cancel(ctx context.Context, access rbac.Access) error {
	s.draft = nil
	s.tools.IsDrawing = false
	return s.fire(ctx, eventCancel, access)
}

func (s *Session) commitText(ctx context.Context, access rbac.Access) error {
	content := s.draft.text
	at := s.draft.start
	if strings.TrimSpace(content) == "" {
		return s.cancel(ctx, access)
	}
	if !rbac.Can(access, rbac.ActionEdit) {
		_ = s.cancel(ctx, access)
		return ErrEditDenied
	}
	text, err := annotation.NewText(s.newID(), at, content, s.style.FontSize, s.style.FontColor, s.clock())
	if err != nil {
		_ = s.cancel(ctx, access)
		return err
	}
	s.history.Commit(append(s.history.Current(), text))
	s.draft = nil
	return s.fire(ctx, eventCommit, access)
}

func (s *Session) selectTool(ctx context.Context, access rbac.Access, tool Tool) error {
	if !tool.Valid() {
		return fmt.Errorf("%w: unknown tool %q", ErrInvalidCommand, tool)
	}
	switch s.machine.Current() {
	case StateIdle:
	case StateEditing:
		if err := s.commitText(ctx, access); err != nil {
			return err
		}
	default:
		if err := s.cancel(ctx, access); err != nil {
			return err
		}
	}
	s.tools.ActiveTool = tool
	return nil
}

func (s *Session) deleteSelection(access rbac.Access) error {
	if len(s.tools.SelectedIDs) == 0 {
		return nil
	}
	if !rbac.Can(access, rbac.ActionEdit) {
		return ErrEditDenied
	}
	current := s.history.Current()
	kept := make([]annotation.Object, 0, len(current))
	for _, obj := range current {
		if !s.tools.isSelected(obj.Meta().ID) {
			kept = append(kept, obj)
		}
	}
	s.tools.selectOnly()
	if len(kept) == len(current) {
		return nil
	}
	s.history.Commit(kept)
	return nil
}

func (s *Session) copySelection() {
	var copied []annotation.Object
	for _, obj := range s.history.Current() {
		if s.tools.isSelected(obj.Meta().ID) {
			copied = append(copied, obj)
		}
	}
	s.tools.Clipboard = copied
}

// paste appends reissued copies of the clipboard shifted by PasteOffset and
// selects them. The clipboard then holds the shifted copies, so repeated
// pastes cascade.
func (s *Session) paste(access rbac.Access) error {
	if len(s.tools.Clipboard) == 0 {
		return nil
	}
	if !rbac.Can(access, rbac.ActionEdit) {
		return ErrEditDenied
	}
	now := s.clock()
	objects := s.history.Current()
	pasted := make([]annotation.Object, 0, len(s.tools.Clipboard))
	for _, obj := range s.tools.Clipboard {
		moved := annotation.Reissue(annotation.Translate(obj, PasteOffset, PasteOffset), s.newID(), now)
		if err := annotation.Validate(moved); err != nil {
			return err
		}
		pasted = append(pasted, moved)
	}
	s.history.Commit(append(objects, pasted...))
	s.tools.Clipboard = pasted
	s.tools.selectOnly(annotation.IDs(pasted)...)
	return nil
}

func (s *Session) resizeBox(access rbac.Access, c ResizeBox) error {
	if !rbac.Can(access, rbac.ActionEdit) {
		return ErrEditDenied
	}
	objects := s.history.Current()
	i := annotation.IndexOf(objects, c.ID)
	if i < 0 {
		return fmt.Errorf("%w: object %q not found", ErrInvalidCommand, c.ID)
	}
	b, ok := objects[i].(annotation.Box)
	if !ok {
		return fmt.Errorf("%w: object %q is not a box", ErrInvalidCommand, c.ID)
	}
	resized, err := annotation.Resize(b, c.DX, c.DY)
	if errors.Is(err, annotation.ErrInvalidGeometry) {
		resized = annotation.ClampResize(b, c.DX, c.DY)
	}
	if resized.Width == b.Width && resized.Height == b.Height {
		return nil
	}
	objects[i] = annotation.Touch(resized, s.clock())
	s.history.Commit(objects)
	return nil
}

func (s *Session) updateText(access rbac.Access, c UpdateText) error {
	if !rbac.Can(access, rbac.ActionEdit) {
		return ErrEditDenied
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidCommand)
	}
	objects := s.history.Current()
	i := annotation.IndexOf(objects, c.ID)
	if i < 0 {
		return fmt.Errorf("%w: object %q not found", ErrInvalidCommand, c.ID)
	}
	t, ok := objects[i].(annotation.Text)
	if !ok {
		return fmt.Errorf("%w: object %q is not text", ErrInvalidCommand, c.ID)
	}
	if t.Content == c.Content {
		return nil
	}
	t.Content = c.Content
	objects[i] = annotation.Touch(t, s.clock())
	s.history.Commit(objects)
	return nil
}
