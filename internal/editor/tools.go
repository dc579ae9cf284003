package editor

import (
	"context"
	"errors"
	"sort"

	"github.com/looplab/fsm"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/rbac"
)

type Tool string

const (
	ToolSelect  Tool = "select"
	ToolBoxGray Tool = "box-gray"
	ToolBoxRed  Tool = "box-red"
	ToolBoxBlue Tool = "box-blue"
	ToolText    Tool = "text"
	ToolPen     Tool = "pen"
	ToolPan     Tool = "pan"
	ToolZoomIn  Tool = "zoom-in"
	ToolZoomOut Tool = "zoom-out"
)

func (t Tool) Valid() bool {
	switch t {
	case ToolSelect, ToolBoxGray, ToolBoxRed, ToolBoxBlue, ToolText, ToolPen, ToolPan, ToolZoomIn, ToolZoomOut:
		return true
	}
	return false
}

// category maps a box tool to its color category.
func (t Tool) category() (annotation.ColorCategory, bool) {
	switch t {
	case ToolBoxGray:
		return annotation.CategoryGray, true
	case ToolBoxRed:
		return annotation.CategoryRed, true
	case ToolBoxBlue:
		return annotation.CategoryBlue, true
	}
	return "", false
}

// Machine states.
const (
	StateIdle      = "idle"
	StateDrawing   = "drawing"
	StateEditing   = "editing"
	StateSelecting = "selecting"
	StateMoving    = "moving"
	StatePanning   = "panning"
	StateZooming   = "zooming"
)

// Machine events. The first argument of every event is the caller's rbac.Access.
const (
	eventDraw       = "draw"
	eventEditText   = "edit_text"
	eventSelectArea = "select_area"
	eventMove       = "move"
	eventPan        = "pan"
	eventZoom       = "zoom"
	eventCommit     = "commit"
	eventCancel     = "cancel"
)

// mutatingEvents lead to states whose exit commits to the object list.
var mutatingEvents = map[string]bool{
	eventDraw:     true,
	eventEditText: true,
	eventMove:     true,
}

var busyStates = []string{StateDrawing, StateEditing, StateSelecting, StateMoving, StatePanning, StateZooming}

// ToolState is the per-session tool selection. It is never part of undo history.
type ToolState struct {
	ActiveTool  Tool
	IsDrawing   bool
	SelectedIDs map[string]struct{}
	Clipboard   []annotation.Object
}

func newToolState() ToolState {
	return ToolState{ActiveTool: ToolSelect, SelectedIDs: map[string]struct{}{}}
}

// Selected returns the selected ids in sorted order.
func (t ToolState) Selected() []string {
	ids := make([]string, 0, len(t.SelectedIDs))
	for id := range t.SelectedIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *ToolState) selectOnly(ids ...string) {
	t.SelectedIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t.SelectedIDs[id] = struct{}{}
	}
}

func (t ToolState) isSelected(id string) bool {
	_, ok := t.SelectedIDs[id]
	return ok
}

func (t ToolState) clone() ToolState {
	out := t
	out.SelectedIDs = make(map[string]struct{}, len(t.SelectedIDs))
	for id := range t.SelectedIDs {
		out.SelectedIDs[id] = struct{}{}
	}
	out.Clipboard = annotation.CloneList(t.Clipboard)
	return out
}

func newMachine(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventDraw, Src: []string{StateIdle}, Dst: StateDrawing},
			{Name: eventEditText, Src: []string{StateIdle}, Dst: StateEditing},
			{Name: eventSelectArea, Src: []string{StateIdle}, Dst: StateSelecting},
			{Name: eventMove, Src: []string{StateIdle}, Dst: StateMoving},
			{Name: eventPan, Src: []string{StateIdle}, Dst: StatePanning},
			{Name: eventZoom, Src: []string{StateIdle}, Dst: StateZooming},
			{Name: eventCommit, Src: busyStates, Dst: StateIdle},
			{Name: eventCancel, Src: append([]string{StateIdle}, busyStates...), Dst: StateIdle},
		},
		fsm.Callbacks{
			"before_event": func(_ context.Context, e *fsm.Event) {
				if !mutatingEvents[e.Event] {
					return
				}
				access := rbac.AccessNone
				if len(e.Args) > 0 {
					if a, ok := e.Args[0].(rbac.Access); ok {
						access = a
					}
				}
				if !rbac.Can(access, rbac.ActionEdit) {
					e.Cancel(ErrEditDenied)
				}
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugw("tool state changed", "session_id", s.ID, "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// fire sends an event, folding the library's no-op and cancel errors into
// the package's own errors.
func (s *Session) fire(ctx context.Context, event string, access rbac.Access) error {
	err := s.machine.Event(ctx, event, access)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && errors.Is(canceled.Err, ErrEditDenied) {
		return ErrEditDenied
	}
	return err
}
