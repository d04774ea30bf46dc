// Package spatial implements the uniform latitude/longitude grid used to
// bound candidate lookup for pairing.
//
// Cells are obtained by dividing coordinates by a fixed cell size in degrees
// and flooring: (floor(lat/size), floor(lon/size)). A lookup returns the
// members of the query cell and its 8 neighbors. When the cell size is at
// least the pairing distance on both axes, every device within that distance
// of the query point is inside the 3x3 window; at smaller sizes or high
// latitudes (where a degree of longitude shrinks) devices near the window
// edge can be missed. The grid is an approximation, not an exhaustive search.
package spatial

import (
	"math"

	"github.com/paulmach/orb"
)

// Cell is a quantized (lat, lon) grid coordinate.
type Cell struct {
	Lat int64
	Lon int64
}

// Grid buckets connection ids by cell. It is not safe for concurrent use;
// callers serialize access.
type Grid struct {
	size    float64
	buckets map[Cell]map[string]struct{}
	where   map[string]Cell // connID -> cell it is currently filed under
}

// NewGrid creates an empty grid with the given cell size in degrees.
func NewGrid(cellSize float64) *Grid {
	return &Grid{
		size:    cellSize,
		buckets: make(map[Cell]map[string]struct{}),
		where:   make(map[string]Cell),
	}
}

// CellOf returns the cell containing p.
func (g *Grid) CellOf(p orb.Point) Cell {
	return Cell{
		Lat: int64(math.Floor(p.Lat() / g.size)),
		Lon: int64(math.Floor(p.Lon() / g.size)),
	}
}

// Bound returns the geographic extent of a cell.
func (g *Grid) Bound(c Cell) orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(c.Lon) * g.size, float64(c.Lat) * g.size},
		Max: orb.Point{float64(c.Lon+1) * g.size, float64(c.Lat+1) * g.size},
	}
}

// Insert files connID under cell. If connID was already filed elsewhere it is
// moved.
func (g *Grid) Insert(connID string, cell Cell) {
	if old, ok := g.where[connID]; ok {
		g.Move(connID, old, cell)
		return
	}
	g.add(connID, cell)
}

// Remove takes connID out of whatever cell it is in. Removing an unknown id
// is a no-op.
func (g *Grid) Remove(connID string) {
	cell, ok := g.where[connID]
	if !ok {
		return
	}
	delete(g.where, connID)
	g.removeFrom(connID, cell)
}

// Move refiles connID from oldCell to newCell. It does nothing when connID is
// already filed under newCell.
func (g *Grid) Move(connID string, oldCell, newCell Cell) {
	cur, ok := g.where[connID]
	if ok && cur == newCell {
		return
	}
	g.removeFrom(connID, oldCell)
	if ok && cur != oldCell {
		g.removeFrom(connID, cur)
	}
	g.add(connID, newCell)
}

// Locate returns the cell connID is filed under.
func (g *Grid) Locate(connID string) (Cell, bool) {
	c, ok := g.where[connID]
	return c, ok
}

// Candidates returns the ids filed in cell and its 8 neighbors. The order of
// the returned slice is unspecified.
func (g *Grid) Candidates(cell Cell) []string {
	var out []string
	for dLat := int64(-1); dLat <= 1; dLat++ {
		for dLon := int64(-1); dLon <= 1; dLon++ {
			for id := range g.buckets[Cell{Lat: cell.Lat + dLat, Lon: cell.Lon + dLon}] {
				out = append(out, id)
			}
		}
	}
	return out
}

// Len returns the number of indexed ids.
func (g *Grid) Len() int {
	return len(g.where)
}

// Cells returns the number of non-empty cells.
func (g *Grid) Cells() int {
	return len(g.buckets)
}

func (g *Grid) add(connID string, cell Cell) {
	bucket, ok := g.buckets[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.buckets[cell] = bucket
	}
	bucket[connID] = struct{}{}
	g.where[connID] = cell
}

// removeFrom deletes connID from the bucket for cell and prunes the bucket
// when it becomes empty.
func (g *Grid) removeFrom(connID string, cell Cell) {
	bucket, ok := g.buckets[cell]
	if !ok {
		return
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(g.buckets, cell)
	}
}
