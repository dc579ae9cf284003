// Package history implements undo and redo over whole object-list snapshots.
package history

import "sitemark/api/internal/annotation"

// DefaultCapacity bounds the undo stack. Older snapshots are dropped silently.
const DefaultCapacity = 50

// History is not safe for concurrent use; the owning session serializes access.
type History struct {
	current  []annotation.Object
	undo     [][]annotation.Object
	redo     [][]annotation.Object
	capacity int
}

func New(initial []annotation.Object, capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{current: snapshot(initial), capacity: capacity}
}

func snapshot(objects []annotation.Object) []annotation.Object {
	out := annotation.CloneList(objects)
	if out == nil {
		out = []annotation.Object{}
	}
	return out
}

// Current returns a copy of the current object list.
func (h *History) Current() []annotation.Object {
	return snapshot(h.current)
}

// Len is the number of objects in the current list.
func (h *History) Len() int { return len(h.current) }

// Commit makes next the current list, pushing the previous one onto the undo
// stack and discarding any redo entries.
func (h *History) Commit(next []annotation.Object) {
	h.undo = append(h.undo, h.current)
	if len(h.undo) > h.capacity {
		drop := len(h.undo) - h.capacity
		h.undo = append([][]annotation.Object(nil), h.undo[drop:]...)
	}
	h.current = snapshot(next)
	h.redo = nil
}

// Undo restores the previous list. It reports false when there is nothing to undo.
func (h *History) Undo() bool {
	if len(h.undo) == 0 {
		return false
	}
	last := len(h.undo) - 1
	h.redo = append(h.redo, h.current)
	h.current = h.undo[last]
	h.undo = h.undo[:last]
	return true
}

// Redo reapplies the last undone list. It reports false when there is nothing to redo.
func (h *History) Redo() bool {
	if len(h.redo) == 0 {
		return false
	}
	last := len(h.redo) - 1
	h.undo = append(h.undo, h.current)
	h.current = h.redo[last]
	h.redo = h.redo[:last]
	return true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Depth returns the sizes of the undo and redo stacks.
func (h *History) Depth() (undo, redo int) {
	return len(h.undo), len(h.redo)
}
