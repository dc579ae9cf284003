package history

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemark/api/internal/annotation"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func box(t *testing.T, id string, x float64) annotation.Box {
	t.Helper()
	b, err := annotation.NewBox(id, annotation.Point{X: x, Y: x}, 50, 50, annotation.CategoryRed, t0)
	require.NoError(t, err)
	return b
}

func appendObj(list []annotation.Object, obj annotation.Object) []annotation.Object {
	out := annotation.CloneList(list)
	return append(out, obj)
}

func TestBoxUndoRedoScenario(t *testing.T) {
	h := New(nil, 0)
	b := box(t, "b1", 10)
	h.Commit(appendObj(h.Current(), b))

	require.True(t, h.Undo())
	assert.Empty(t, h.Current())

	require.True(t, h.Redo())
	got := h.Current()
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0])
}

func TestNoOpsOnEmptyStacks(t *testing.T) {
	h := New([]annotation.Object{box(t, "a", 0)}, 5)
	assert.False(t, h.Undo())
	assert.False(t, h.Redo())
	assert.Len(t, h.Current(), 1)
}

func TestNMutationsThenNUndosRestoresInitial(t *testing.T) {
	initial := []annotation.Object{box(t, "seed", 0)}
	rng := rand.New(rand.NewSource(3))
	for n := 1; n <= 20; n++ {
		h := New(initial, DefaultCapacity)
		for i := 0; i < n; i++ {
			cur := h.Current()
			switch rng.Intn(3) {
			case 0:
				h.Commit(appendObj(cur, box(t, fmt.Sprintf("n%d-%d", n, i), float64(i))))
			case 1:
				if len(cur) > 0 {
					h.Commit(cur[1:])
				} else {
					h.Commit(cur)
				}
			default:
				moved := annotation.CloneList(cur)
				for j := range moved {
					moved[j] = annotation.Translate(moved[j], 1, 2)
				}
				h.Commit(moved)
			}
		}
		for i := 0; i < n; i++ {
			require.True(t, h.Undo())
		}
		assert.Equal(t, initial, h.Current(), "n=%d", n)
	}
}

func TestUndoRedoIsIdentity(t *testing.T) {
	h := New(nil, 10)
	h.Commit([]annotation.Object{box(t, "a", 0)})
	h.Commit([]annotation.Object{box(t, "a", 0), box(t, "b", 5)})
	before := h.Current()

	require.True(t, h.Undo())
	require.True(t, h.Redo())
	assert.Equal(t, before, h.Current())
}

func TestCommitClearsRedo(t *testing.T) {
	h := New(nil, 10)
	h.Commit([]annotation.Object{box(t, "a", 0)})
	require.True(t, h.Undo())
	assert.True(t, h.CanRedo())

	h.Commit([]annotation.Object{box(t, "b", 0)})
	assert.False(t, h.CanRedo())
}

func TestCapacityDropsOldest(t *testing.T) {
	h := New(nil, 3)
	for i := 0; i < 5; i++ {
		h.Commit([]annotation.Object{box(t, fmt.Sprintf("b%d", i), 0)})
	}
	undo, _ := h.Depth()
	assert.Equal(t, 3, undo)

	for h.Undo() {
	}
	got := h.Current()
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].Meta().ID)
}

func TestCurrentIsACopy(t *testing.T) {
	pen, err := annotation.NewDrawing("d", []annotation.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}, "#000", 1, t0)
	require.NoError(t, err)
	h := New([]annotation.Object{pen}, 0)

	got := h.Current()
	got[0].(annotation.Drawing).Path[0] = annotation.Point{X: 99, Y: 99}
	assert.Equal(t, annotation.Point{}, h.Current()[0].(annotation.Drawing).Path[0])
}
