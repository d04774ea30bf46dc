package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxipair/pairing-server/internal/spatial"
)

func newTestRegistry() (*Registry, *spatial.Grid) {
	grid := spatial.NewGrid(0.0015)
	return NewRegistry(grid, 1.0), grid
}

func TestRegistry_UpdateIndexesConnection(t *testing.T) {
	r, grid := newTestRegistry()
	r.Connect("c1")

	_, ok := r.Get("a")
	assert.False(t, ok, "device without a report is not live")

	prev, ok := r.Update("c1", rep("a", 45, 21, 0))
	require.True(t, ok)
	assert.Nil(t, prev)

	cell, ok := grid.Locate("c1")
	require.True(t, ok)
	assert.Equal(t, grid.CellOf(rep("a", 45, 21, 0).Point()), cell)

	st, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "c1", st.ConnID)
	assert.True(t, st.Moved)
}

func TestRegistry_UpdateUnknownConnection(t *testing.T) {
	r, grid := newTestRegistry()
	_, ok := r.Update("ghost", rep("a", 45, 21, 0))
	assert.False(t, ok)
	assert.Equal(t, 0, grid.Len())
}

func TestRegistry_MovementThreshold(t *testing.T) {
	r, _ := newTestRegistry()
	r.Connect("c1")
	r.Update("c1", rep("a", 45, 21, 0))

	// About 0.5 m.
	r.Update("c1", rep("a", 45.0000045, 21, 0))
	st, _ := r.State("c1")
	assert.False(t, st.Moved)

	// About 11 m.
	r.Update("c1", rep("a", 45.0001, 21, 0))
	st, _ = r.State("c1")
	assert.True(t, st.Moved)
}

func TestRegistry_UpdateMovesGridEntry(t *testing.T) {
	r, grid := newTestRegistry()
	r.Connect("c1")
	r.Update("c1", rep("a", 45, 21, 0))
	r.Update("c1", rep("a", 46, 22, 0))

	cell, ok := grid.Locate("c1")
	require.True(t, ok)
	assert.Equal(t, grid.CellOf(rep("a", 46, 22, 0).Point()), cell)
	assert.Equal(t, 1, grid.Len())
}

func TestRegistry_DeviceChangeReleasesOldID(t *testing.T) {
	r, _ := newTestRegistry()
	r.Connect("c1")
	r.Update("c1", rep("a", 45, 21, 0))

	prev, ok := r.Update("c1", rep("b", 45, 21, 0))
	require.True(t, ok)
	require.NotNil(t, prev)
	assert.Equal(t, "a", prev.DeviceID)

	_, ok = r.Get("a")
	assert.False(t, ok)
	_, ok = r.Get("b")
	assert.True(t, ok)
}

func TestRegistry_DisconnectOwnership(t *testing.T) {
	r, grid := newTestRegistry()
	r.Connect("old")
	r.Connect("new")
	r.Update("old", rep("a", 45, 21, 0))
	r.Update("new", rep("a", 45, 21, 0))

	_, owned, ok := r.Disconnect("old")
	require.True(t, ok)
	assert.False(t, owned)
	st, live := r.Get("a")
	require.True(t, live)
	assert.Equal(t, "new", st.ConnID)

	_, owned, ok = r.Disconnect("new")
	require.True(t, ok)
	assert.True(t, owned)
	_, live = r.Get("a")
	assert.False(t, live)
	assert.Equal(t, 0, grid.Len())
	assert.Equal(t, 0, r.Len())

	_, _, ok = r.Disconnect("new")
	assert.False(t, ok)
}
