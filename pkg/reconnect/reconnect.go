// Package reconnect merges traced segments that plausibly belong to the
// same linear kinematic feature. Pairs of segments are scored on
// deformation-rate similarity, relative orientation, and an elliptical
// endpoint distance, then greedily fused starting from the best score.
package reconnect

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"lkfdetect/internal/models"
)

const (
	// directionWindow is the maximum number of trailing points used to
	// estimate a segment's direction at an endpoint.
	directionWindow = 5

	// DefaultMaxMerges bounds the merge loop of a single pass.
	DefaultMaxMerges = 500
)

// Params holds the thresholds of one reconnection pass.
type Params struct {
	// DistanceThreshold is the maximum endpoint separation in grid cells.
	DistanceThreshold float64

	// AngleThreshold is the maximum angle in degrees between the
	// directions of the two segments at the joining endpoints.
	AngleThreshold float64

	// EpsThreshold is the maximum difference in mean log10 deformation
	// rate between the two segments.
	EpsThreshold float64

	// EllipseFactor weights endpoint offsets perpendicular to a
	// segment's direction. Values above 1 favor collinear continuations.
	EllipseFactor float64

	// MaxMerges bounds the number of merges in one pass. Zero or
	// negative selects DefaultMaxMerges.
	MaxMerges int
}

// TightPass returns the short-range, angle-tolerant parameters the
// detection pipeline runs first to heal splits introduced during
// tracing.
func TightPass(epsThreshold float64) Params {
	return Params{
		DistanceThreshold: 1.5,
		AngleThreshold:    50,
		EpsThreshold:      epsThreshold,
		EllipseFactor:     1,
	}
}

// Engine reconnects segments with a fixed set of parameters.
type Engine struct {
	params Params
}

// NewEngine validates the parameters and creates a reconnection engine.
func NewEngine(params Params) (*Engine, error) {
	if params.DistanceThreshold <= 0 {
		return nil, fmt.Errorf("distance threshold must be positive, got %v", params.DistanceThreshold)
	}
	if params.AngleThreshold <= 0 {
		return nil, fmt.Errorf("angle threshold must be positive, got %v", params.AngleThreshold)
	}
	if params.EpsThreshold <= 0 {
		return nil, fmt.Errorf("eps threshold must be positive, got %v", params.EpsThreshold)
	}
	if params.EllipseFactor <= 0 {
		return nil, fmt.Errorf("ellipse factor must be positive, got %v", params.EllipseFactor)
	}
	if params.MaxMerges <= 0 {
		params.MaxMerges = DefaultMaxMerges
	}
	return &Engine{params: params}, nil
}

// pairScore is one entry of the pair matrix: the composite merge
// probability (lower is better) and the endpoints that would join,
// 0 for the head and 1 for the tail. A NaN probability marks the pair
// as impossible to merge.
type pairScore struct {
	prob float64
	endI int
	endJ int
}

// endpointPairs lists the candidate joins as (endpoint of i, endpoint
// of j). Distance ties keep the earliest combination.
var endpointPairs = [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

// Reconnect merges compatible segments until no pair scores below 1 or
// the merge budget is exhausted.
//
// Parameters:
//   - segs: traced segments; the slice and its segments are not modified
//   - logEps: log10 mean deformation rate, sampled at segment pixels
//
// Returns:
//   - the surviving segments, fewer but longer than the input
func (e *Engine) Reconnect(segs []*models.Segment, logEps *models.Grid) []*models.Segment {
	n := len(segs)
	work := make([]*models.Segment, n)
	for i, s := range segs {
		work[i] = s.Clone()
	}
	if n < 2 {
		return work
	}

	eps := make([]float64, n)
	for i, s := range work {
		eps[i] = meanAlong(s, logEps)
	}

	// Upper triangle of the pair matrix: rows[i][j-i-1] scores (i, j)
	// for j > i. Indices stay stable across merges; absorbed segments
	// are flagged dead instead of being removed.
	rows := make([][]pairScore, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]pairScore, n-i-1)
		for j := i + 1; j < n; j++ {
			rows[i][j-i-1] = e.scorePair(work[i], work[j], eps[i], eps[j])
		}
	}
	alive := make([]bool, n)
	for i := range alive {
		alive[i] = true
	}

	for merges := 0; merges < e.params.MaxMerges; merges++ {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !alive[j] {
					continue
				}
				if p := rows[i][j-i-1].prob; p < best {
					best = p
					bi, bj = i, j
				}
			}
		}
		if bi < 0 || best >= 1 {
			break
		}

		sc := rows[bi][bj-bi-1]
		a, b := work[bi], work[bj]
		if sc.endI == 0 {
			a.Reverse()
		}
		if sc.endJ == 1 {
			b.Reverse()
		}
		la, lb := float64(a.Len()), float64(b.Len())
		a.Points = append(a.Points, b.Points...)
		eps[bi] = (eps[bi]*la + eps[bj]*lb) / (la + lb)
		alive[bj] = false

		// Only pairs involving the merged segment changed; refresh its
		// row and column.
		for k := 0; k < n; k++ {
			if k == bi || !alive[k] {
				continue
			}
			i, j := k, bi
			if i > j {
				i, j = j, i
			}
			rows[i][j-i-1] = e.scorePair(work[i], work[j], eps[i], eps[j])
		}
	}

	out := make([]*models.Segment, 0, n)
	for i, s := range work {
		if alive[i] {
			out = append(out, s)
		}
	}
	return out
}

// RunPasses applies successive reconnection passes, rescoring the
// per-segment deformation statistic at the start of each pass.
func RunPasses(segs []*models.Segment, logEps *models.Grid, passes []Params) ([]*models.Segment, error) {
	out := segs
	for _, p := range passes {
		engine, err := NewEngine(p)
		if err != nil {
			return nil, err
		}
		out = engine.Reconnect(out, logEps)
	}
	return out, nil
}

// FilterMinLength keeps segments whose endpoint span is at least lmin
// grid cells. The boundary is inclusive and input order is preserved.
func FilterMinLength(segs []*models.Segment, lmin float64) []*models.Segment {
	out := make([]*models.Segment, 0, len(segs))
	for _, s := range segs {
		if s.EndpointDistance() >= lmin {
			out = append(out, s)
		}
	}
	return out
}

// scorePair evaluates the compatibility of segments si and sj.
func (e *Engine) scorePair(si, sj *models.Segment, epsI, epsJ float64) pairScore {
	invalid := pairScore{prob: math.NaN()}

	pEps := math.Abs(epsI-epsJ) / e.params.EpsThreshold
	if math.IsNaN(pEps) || pEps > 1 {
		return invalid
	}

	// The closest pair of endpoints decides how the segments would join.
	endI, endJ := 0, 0
	minDist := math.Inf(1)
	for _, c := range endpointPairs {
		d := endpointDistance(si, c[0], sj, c[1])
		if d < minDist {
			minDist = d
			endI, endJ = c[0], c[1]
		}
	}
	if minDist > e.params.DistanceThreshold {
		return invalid
	}

	di, okI := direction(si, endI)
	dj, okJ := direction(sj, endJ)
	if !okI || !okJ {
		return invalid
	}

	// Angle between the incoming direction of si and the reversed
	// direction of sj.
	cos := -(di[0]*dj[0] + di[1]*dj[1])
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	pAng := math.Acos(cos) / math.Pi * 180 / e.params.AngleThreshold
	if pAng > 1 {
		return invalid
	}

	pi := endpoint(si, endI)
	pj := endpoint(sj, endJ)
	d := [2]float64{float64(pj.Row - pi.Row), float64(pj.Col - pi.Col)}
	d1 := e.frameDistance(di, d)
	if math.IsNaN(d1) || d1 > e.params.DistanceThreshold {
		return invalid
	}
	d2 := e.frameDistance(dj, [2]float64{-d[0], -d[1]})
	pDis := 0.5 * (d1 + d2) / e.params.DistanceThreshold
	if math.IsNaN(pDis) || pDis > 1 {
		return invalid
	}

	return pairScore{
		prob: math.Sqrt(pEps*pEps + pAng*pAng + pDis*pDis),
		endI: endI,
		endJ: endJ,
	}
}

// frameDistance expresses the connection vector d in the orthonormal
// frame spanned by dir and its 90 degree rotation, weighting the
// perpendicular coefficient by the ellipse factor. Connections lying
// behind the endpoint score +Inf.
func (e *Engine) frameDistance(dir, d [2]float64) float64 {
	basis := mat.NewDense(2, 2, []float64{
		dir[0], -dir[1],
		dir[1], dir[0],
	})
	rhs := mat.NewVecDense(2, []float64{d[0], d[1]})
	var coeff mat.VecDense
	if err := coeff.SolveVec(basis, rhs); err != nil {
		return math.NaN()
	}
	along, perp := coeff.AtVec(0), coeff.AtVec(1)
	if along < 0 {
		return math.Inf(1)
	}
	return math.Sqrt(along*along + e.params.EllipseFactor*perp*perp)
}

// Helper functions

// meanAlong is the mean grid value over the segment's pixels. NaN cells
// propagate into the mean.
func meanAlong(s *models.Segment, g *models.Grid) float64 {
	vals := make([]float64, s.Len())
	for i, p := range s.Points {
		vals[i] = g.At(p.Row, p.Col)
	}
	return stat.Mean(vals, nil)
}

// endpoint returns the head (0) or tail (1) pixel of s.
func endpoint(s *models.Segment, end int) models.Pixel {
	if end == 0 {
		return s.Head()
	}
	return s.Tail()
}

func endpointDistance(si *models.Segment, ei int, sj *models.Segment, ej int) float64 {
	pi := endpoint(si, ei)
	pj := endpoint(sj, ej)
	return math.Hypot(float64(pi.Row-pj.Row), float64(pi.Col-pj.Col))
}

// direction estimates the unit vector pointing along the chain toward
// the given endpoint, taken over a trailing window of up to
// directionWindow points. ok is false for degenerate chains.
func direction(s *models.Segment, end int) (dir [2]float64, ok bool) {
	n := s.Len()
	offset := directionWindow - 1
	if offset > n-1 {
		offset = n - 1
	}
	var tip, back models.Pixel
	if end == 0 {
		tip, back = s.Points[0], s.Points[offset]
	} else {
		tip, back = s.Points[n-1], s.Points[n-1-offset]
	}
	dr := float64(tip.Row - back.Row)
	dc := float64(tip.Col - back.Col)
	norm := math.Hypot(dr, dc)
	if norm == 0 {
		return dir, false
	}
	return [2]float64{dr / norm, dc / norm}, true
}
