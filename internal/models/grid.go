// Package models defines the core data structures shared by the LKF
// detection pipeline: scalar grids, binary feature maps, and the pixel
// chain segments produced by tracing.
package models

import (
	"fmt"
	"math"
)

// Grid represents a 2D scalar field on a regular grid, stored row-major.
// Cells without valid data hold NaN, and every operation in the pipeline
// is expected to propagate NaN rather than treat it as zero.
type Grid struct {
	// Width is the number of columns in the grid.
	Width int

	// Height is the number of rows in the grid.
	Height int

	// Data contains the cell values in row-major order, indexed as
	// Data[row*Width+col].
	Data []float64
}

// NewGrid creates a zero-filled grid with the given dimensions.
//
// Parameters:
//   - width: Number of columns (must be positive)
//   - height: Number of rows (must be positive)
//
// Returns:
//   - A new Grid with all cells set to zero
func NewGrid(width, height int) *Grid {
	return &Grid{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
	}
}

// At returns the value at (row, col). Coordinates outside the grid read
// as NaN, so callers can scan neighborhoods without bounds checks.
func (g *Grid) At(row, col int) float64 {
	if row < 0 || row >= g.Height || col < 0 || col >= g.Width {
		return math.NaN()
	}
	return g.Data[row*g.Width+col]
}

// Set stores a value at (row, col). Writes outside the grid are ignored.
func (g *Grid) Set(row, col int, v float64) {
	if row < 0 || row >= g.Height || col < 0 || col >= g.Width {
		return
	}
	g.Data[row*g.Width+col] = v
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	out := NewGrid(g.Width, g.Height)
	copy(out.Data, g.Data)
	return out
}

// Fill sets every cell to the given value.
func (g *Grid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// CountFinite returns the number of cells holding a finite value.
func (g *Grid) CountFinite() int {
	n := 0
	for _, v := range g.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n++
		}
	}
	return n
}

// MinMaxFinite returns the smallest and largest finite cell values.
// The boolean result is false when the grid holds no finite cell.
func (g *Grid) MinMaxFinite() (lo, hi float64, ok bool) {
	lo = math.Inf(1)
	hi = math.Inf(-1)
	for _, v := range g.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		ok = true
	}
	if !ok {
		return math.NaN(), math.NaN(), false
	}
	return lo, hi, true
}

// ApplyMargin sets the n outermost cells on every edge to NaN. Detection
// runs use a small margin to suppress boundary artifacts from gridded
// model output.
func (g *Grid) ApplyMargin(n int) {
	if n <= 0 {
		return
	}
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			if r < n || r >= g.Height-n || c < n || c >= g.Width-n {
				g.Data[r*g.Width+c] = math.NaN()
			}
		}
	}
}

// SameSize reports whether two grids share dimensions.
func (g *Grid) SameSize(o *Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// BinaryGrid represents a 2D boolean feature map with the same row-major
// layout as Grid.
type BinaryGrid struct {
	// Width is the number of columns in the map.
	Width int

	// Height is the number of rows in the map.
	Height int

	// Data contains the cell states in row-major order, indexed as
	// Data[row*Width+col].
	Data []bool
}

// NewBinaryGrid creates an all-unset map with the given dimensions.
func NewBinaryGrid(width, height int) *BinaryGrid {
	return &BinaryGrid{
		Width:  width,
		Height: height,
		Data:   make([]bool, width*height),
	}
}

// At reports whether the cell at (row, col) is set. Coordinates outside
// the map read as unset.
func (b *BinaryGrid) At(row, col int) bool {
	if row < 0 || row >= b.Height || col < 0 || col >= b.Width {
		return false
	}
	return b.Data[row*b.Width+col]
}

// Set stores a cell state at (row, col). Writes outside the map are
// ignored.
func (b *BinaryGrid) Set(row, col int, v bool) {
	if row < 0 || row >= b.Height || col < 0 || col >= b.Width {
		return
	}
	b.Data[row*b.Width+col] = v
}

// Clone returns a deep copy of the map.
func (b *BinaryGrid) Clone() *BinaryGrid {
	out := NewBinaryGrid(b.Width, b.Height)
	copy(out.Data, b.Data)
	return out
}

// Count returns the number of set cells.
func (b *BinaryGrid) Count() int {
	n := 0
	for _, v := range b.Data {
		if v {
			n++
		}
	}
	return n
}

// SumNeighborhood counts the set cells in the 3x3 block centered at
// (row, col), the center cell included. Cells outside the map count as
// unset.
func (b *BinaryGrid) SumNeighborhood(row, col int) int {
	n := 0
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if b.At(row+dr, col+dc) {
				n++
			}
		}
	}
	return n
}

// Or merges another map into this one cell by cell.
//
// Parameters:
//   - o: The map to merge; must have the same dimensions
//
// Returns:
//   - An error if the dimensions differ
func (b *BinaryGrid) Or(o *BinaryGrid) error {
	if b.Width != o.Width || b.Height != o.Height {
		return fmt.Errorf("dimension mismatch: %dx%d vs %dx%d", o.Width, o.Height, b.Width, b.Height)
	}
	for i, v := range o.Data {
		if v {
			b.Data[i] = true
		}
	}
	return nil
}
