// Package trace converts skeletonized feature maps into pixel chain
// segments. Chains grow one at a time from a queue of seed pixels,
// claiming pixels as they go, splitting at junctions and sharp turns,
// and re-seeding until every reachable pixel belongs to at most one
// chain.
package trace

import (
	"io"
	"math"

	"github.com/charmbracelet/log"

	"lkfdetect/internal/models"
)

// Default tracer parameters.
const (
	// DefaultAngleWindow is the number of trailing points used for the
	// running direction of a chain.
	DefaultAngleWindow = 5

	// DefaultMaxIterations caps the length of a single chain.
	DefaultMaxIterations = 500

	// DefaultSeedStride subsamples mid-line pixels when tracing has to
	// restart inside unclaimed lines or loops.
	DefaultSeedStride = 100
)

// Tracer detects pixel chain segments in a skeletonized binary map.
type Tracer struct {
	// AngleWindow is the number of trailing points, including the tip,
	// that define a chain's running direction for the sharp-turn
	// check.
	AngleWindow int

	// MaxIterations bounds the pixel count of one chain. A chain that
	// reaches the cap is cut; leftover pixels are picked up by later
	// seeds.
	MaxIterations int

	// SeedStride is the subsampling stride applied to mid-line pixels
	// when re-seeding after the seed queue has drained.
	SeedStride int

	// Logger receives warnings about iteration caps and stranded
	// pixels. Nil discards them.
	Logger *log.Logger
}

// NewTracer returns a tracer with default parameters.
func NewTracer() *Tracer {
	return &Tracer{
		AngleWindow:   DefaultAngleWindow,
		MaxIterations: DefaultMaxIterations,
		SeedStride:    DefaultSeedStride,
	}
}

// run holds the mutable state of one tracing pass.
type run struct {
	t          *Tracer
	undetected *models.BinaryGrid
	remaining  int
	pending    []models.Pixel
	segs       []*models.Segment
	capHits    int
}

// Trace detects all segments in the map and returns the chains with at
// least two points, in creation order. Every set pixel joins at most
// one chain at most once; single-pixel chains are discarded. A free
// line of N pixels comes back as one N-point chain traced end to end.
//
// Parameters:
//   - b: Skeletonized binary map; not modified
//
// Returns:
//   - The detected segments
func (t *Tracer) Trace(b *models.BinaryGrid) []*models.Segment {
	logger := t.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	r := &run{
		t:          t,
		undetected: b.Clone(),
		remaining:  b.Count(),
	}
	r.seedInitial(b)

	for {
		r.drain()
		if r.remaining == 0 {
			break
		}
		if !r.forceSeed() {
			// Pixels too densely packed to look like lines from any
			// side stay unclaimed.
			logger.Warn("tracing stopped with unclaimed pixels", "remaining", r.remaining)
			break
		}
		logger.Debug("re-seeded tracing", "seeds", len(r.pending), "remaining", r.remaining)
	}
	if r.capHits > 0 {
		logger.Warn("chain length cap hit during tracing", "chains", r.capHits, "cap", t.MaxIterations)
	}

	var out []*models.Segment
	for _, s := range r.segs {
		if s.Len() >= 2 {
			out = append(out, s)
		}
	}
	return out
}

// seedInitial queues the natural starting points in scan order: every
// set pixel with at most one set neighbor, which picks out line
// endpoints and isolated pixels. Seeds are not claimed up front; a
// seed consumed by another chain before its turn is skipped, so a free
// line is traced once from its first endpoint through its last.
func (r *run) seedInitial(b *models.BinaryGrid) {
	for row := 0; row < b.Height; row++ {
		for col := 0; col < b.Width; col++ {
			if b.At(row, col) && b.SumNeighborhood(row, col) <= 2 {
				r.pending = append(r.pending, models.Pixel{Row: row, Col: col})
			}
		}
	}
}

// drain grows one chain per queued seed until the queue is empty.
// Seeds whose pixel has been claimed in the meantime are dropped.
func (r *run) drain() {
	for len(r.pending) > 0 {
		p := r.pending[0]
		r.pending = r.pending[1:]
		if !r.undetected.At(p.Row, p.Col) {
			continue
		}
		r.traceChain(p)
	}
}

// traceChain claims the start pixel and extends the chain pixel by
// pixel until it terminates, breaks at a sharp turn, stops at a
// junction, or hits the length cap.
func (r *run) traceChain(start models.Pixel) {
	r.claim(start)
	seg := models.NewSegment(start)
	r.segs = append(r.segs, seg)

	for {
		if seg.Len() >= r.t.MaxIterations {
			r.capHits++
			return
		}
		cand, ok := r.pickCandidate(seg.Tail())
		if !ok {
			return
		}
		if r.sharpTurn(seg, cand) {
			// The corner becomes a chain boundary: this chain ends
			// and the candidate restarts as its own seed.
			r.pending = append(r.pending, cand)
			return
		}
		seg.Append(cand)
		r.claim(cand)
		if r.undetectedNeighbors(cand) > 1 {
			r.fanOut(cand)
			return
		}
	}
}

// pickCandidate scans the 8-neighborhood of the tip for unclaimed set
// pixels. Later offsets overwrite earlier ones, so the scan prefers
// the bottom-right-most candidate when several remain.
func (r *run) pickCandidate(tip models.Pixel) (models.Pixel, bool) {
	var cand models.Pixel
	found := false
	for _, off := range models.Neighborhood8 {
		row, col := tip.Row+off[0], tip.Col+off[1]
		if r.undetected.At(row, col) {
			cand = models.Pixel{Row: row, Col: col}
			found = true
		}
	}
	return cand, found
}

// sharpTurn reports whether stepping from the chain tip to the
// candidate bends away from the running direction by more than one
// cell. The running direction is the mean step over the trailing
// AngleWindow points.
func (r *run) sharpTurn(seg *models.Segment, cand models.Pixel) bool {
	if seg.Len() < 2 {
		return false
	}
	n := seg.Len()
	if n > r.t.AngleWindow {
		n = r.t.AngleWindow
	}
	tip := seg.Tail()
	back := seg.Points[seg.Len()-n]
	meanRow := float64(tip.Row-back.Row) / float64(n-1)
	meanCol := float64(tip.Col-back.Col) / float64(n-1)
	dRow := meanRow - float64(cand.Row-tip.Row)
	dCol := meanCol - float64(cand.Col-tip.Col)
	return math.Abs(dRow)+math.Abs(dCol) > 1
}

// fanOut queues the line ends around a junction pixel: every unclaimed
// neighbor that has at most one further unclaimed neighbor of its own.
// Denser neighbors are left for chains arriving from their far side or
// for re-seeding.
func (r *run) fanOut(p models.Pixel) {
	for _, off := range models.Neighborhood8 {
		row, col := p.Row+off[0], p.Col+off[1]
		if r.undetected.At(row, col) && r.undetected.SumNeighborhood(row, col) <= 2 {
			r.pending = append(r.pending, models.Pixel{Row: row, Col: col})
		}
	}
}

// forceSeed queues new starts when claimed-out chains left unclaimed
// pixels behind, which happens for closed loops and cap-cut lines with
// no degree-1 pixel. Mid-line pixels are queued at a coarse stride,
// then any leftover line ends. Reports whether anything was queued.
func (r *run) forceSeed() bool {
	var mids []models.Pixel
	for row := 0; row < r.undetected.Height; row++ {
		for col := 0; col < r.undetected.Width; col++ {
			if r.undetected.At(row, col) && r.undetected.SumNeighborhood(row, col) == 3 {
				mids = append(mids, models.Pixel{Row: row, Col: col})
			}
		}
	}
	queued := 0
	for i := 0; i < len(mids); i += r.t.SeedStride {
		r.pending = append(r.pending, mids[i])
		queued++
	}
	for i := 1; i < len(mids); i += r.t.SeedStride {
		r.pending = append(r.pending, mids[i])
		queued++
	}
	for row := 0; row < r.undetected.Height; row++ {
		for col := 0; col < r.undetected.Width; col++ {
			if r.undetected.At(row, col) && r.undetected.SumNeighborhood(row, col) <= 2 {
				r.pending = append(r.pending, models.Pixel{Row: row, Col: col})
				queued++
			}
		}
	}
	return queued > 0
}

// Helper functions

// claim marks a pixel as belonging to a chain. Claiming an already
// claimed pixel is a no-op.
func (r *run) claim(p models.Pixel) {
	if r.undetected.At(p.Row, p.Col) {
		r.undetected.Set(p.Row, p.Col, false)
		r.remaining--
	}
}

// undetectedNeighbors counts the unclaimed set pixels in the
// 8-neighborhood of p.
func (r *run) undetectedNeighbors(p models.Pixel) int {
	n := 0
	for _, off := range models.Neighborhood8 {
		if r.undetected.At(p.Row+off[0], p.Col+off[1]) {
			n++
		}
	}
	return n
}
