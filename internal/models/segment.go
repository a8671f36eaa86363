package models

import "math"

// Pixel is a single grid cell position.
type Pixel struct {
	// Row is the cell's row index (slow axis).
	Row int

	// Col is the cell's column index (fast axis).
	Col int
}

// Neighborhood8 lists the Moore neighborhood offsets in row-major scan
// order from (-1,-1) to (+1,+1), center excluded. Tracing and junction
// checks iterate this table in order, so the last matching offset has
// the highest preference.
var Neighborhood8 = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// Segment is an ordered chain of grid pixels tracing one linear feature.
// Consecutive points are 8-connected and a pixel appears at most once in
// at most one segment.
type Segment struct {
	// Points holds the chain in trace order.
	Points []Pixel
}

// NewSegment creates a segment seeded with a single starting pixel.
func NewSegment(p Pixel) *Segment {
	return &Segment{Points: []Pixel{p}}
}

// Len returns the number of points in the chain.
func (s *Segment) Len() int {
	return len(s.Points)
}

// Head returns the first point of the chain.
func (s *Segment) Head() Pixel {
	return s.Points[0]
}

// Tail returns the last point of the chain.
func (s *Segment) Tail() Pixel {
	return s.Points[len(s.Points)-1]
}

// Append extends the chain with one pixel.
func (s *Segment) Append(p Pixel) {
	s.Points = append(s.Points, p)
}

// Reverse flips the chain order in place.
func (s *Segment) Reverse() {
	for i, j := 0, len(s.Points)-1; i < j; i, j = i+1, j-1 {
		s.Points[i], s.Points[j] = s.Points[j], s.Points[i]
	}
}

// Clone returns a deep copy of the segment.
func (s *Segment) Clone() *Segment {
	out := &Segment{Points: make([]Pixel, len(s.Points))}
	copy(out.Points, s.Points)
	return out
}

// EndpointDistance returns the Euclidean distance between the first and
// last points of the chain. A chain shorter than 2 points has distance
// zero.
func (s *Segment) EndpointDistance() float64 {
	if len(s.Points) < 2 {
		return 0
	}
	h := s.Points[0]
	t := s.Points[len(s.Points)-1]
	dr := float64(t.Row - h.Row)
	dc := float64(t.Col - h.Col)
	return math.Sqrt(dr*dr + dc*dc)
}
