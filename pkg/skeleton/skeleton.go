// Package skeleton reduces binary feature maps to one-pixel-wide,
// 8-connected skeletons by Zhang-Suen thinning. The tracer consumes the
// skeleton, so thinning runs between thresholding and segment
// detection.
package skeleton

import "lkfdetect/internal/models"

// neighbors lists the 8-neighborhood offsets in the circular order
// used by the thinning conditions: N, NE, E, SE, S, SW, W, NW.
var neighbors = [8][2]int{
	{-1, 0}, {-1, 1}, {0, 1}, {1, 1},
	{1, 0}, {1, -1}, {0, -1}, {-1, -1},
}

// Thin returns the Zhang-Suen skeleton of the map. Each pass runs two
// subiterations that peel boundary pixels from opposite sides; the pass
// repeats until nothing is deleted. The input is not modified, pixels
// outside the map read as unset, and thinning an already thin line is a
// no-op.
//
// Parameters:
//   - b: Binary feature map; not modified
//
// Returns:
//   - A new map holding the one-pixel-wide skeleton
func Thin(b *models.BinaryGrid) *models.BinaryGrid {
	cur := b.Clone()
	for {
		n1 := subiteration(cur, 0)
		n2 := subiteration(cur, 1)
		if n1+n2 == 0 {
			return cur
		}
	}
}

// subiteration deletes every pixel satisfying the phase's conditions,
// evaluated against a frozen snapshot, and returns the deletion count.
func subiteration(b *models.BinaryGrid, phase int) int {
	snap := b.Clone()
	deleted := 0
	for r := 0; r < b.Height; r++ {
		for c := 0; c < b.Width; c++ {
			if snap.At(r, c) && deletable(snap, r, c, phase) {
				b.Set(r, c, false)
				deleted++
			}
		}
	}
	return deleted
}

// deletable evaluates the Zhang-Suen conditions at (r, c): between 2
// and 6 set neighbors, exactly one 0-to-1 transition around the
// neighbor ring, and the phase's directional products zero.
func deletable(b *models.BinaryGrid, r, c, phase int) bool {
	var p [8]int
	count := 0
	for i, off := range neighbors {
		if b.At(r+off[0], c+off[1]) {
			p[i] = 1
			count++
		}
	}
	if count < 2 || count > 6 {
		return false
	}

	transitions := 0
	for i := 0; i < 8; i++ {
		if p[i] == 0 && p[(i+1)%8] == 1 {
			transitions++
		}
	}
	if transitions != 1 {
		return false
	}

	// p[0]=N p[2]=E p[4]=S p[6]=W
	if phase == 0 {
		return p[0]*p[2]*p[4] == 0 && p[2]*p[4]*p[6] == 0
	}
	return p[0]*p[2]*p[6] == 0 && p[0]*p[4]*p[6] == 0
}
