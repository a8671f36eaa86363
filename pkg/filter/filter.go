// Package filter implements the preprocessing stage of the LKF detection
// pipeline: log scaling, histogram equalization, NaN-aware Gaussian
// smoothing, difference-of-Gaussians band-pass filtering, and
// thresholding of deformation-rate grids.
package filter

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"lkfdetect/internal/models"
)

// histBins is the number of histogram bins used for equalization.
const histBins = 256

// blurTruncate bounds the Gaussian kernel at this many standard
// deviations on each side.
const blurTruncate = 2.0

// LogScale returns the natural logarithm of every cell. Cells that are
// not finite and positive map to NaN, so zero-deformation and masked
// cells drop out of later statistics.
func LogScale(g *models.Grid) *models.Grid {
	out := models.NewGrid(g.Width, g.Height)
	for i, v := range g.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			out.Data[i] = math.NaN()
		} else {
			out.Data[i] = math.Log(v)
		}
	}
	return out
}

// HistEq equalizes the histogram of the finite cells, spreading the
// value distribution across 256 levels. NaN cells are preserved in
// place. Grids with fewer than two finite cells are returned unchanged.
//
// Parameters:
//   - g: Input grid; not modified
//
// Returns:
//   - A new grid whose finite cells hold equalized levels in [0, 255]
func HistEq(g *models.Grid) *models.Grid {
	out := g.Clone()
	if g.CountFinite() < 2 {
		return out
	}
	lo, hi, ok := g.MinMaxFinite()
	if !ok {
		return out
	}
	if lo == hi {
		for i, v := range out.Data {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				out.Data[i] = histBins - 1
			}
		}
		return out
	}

	// Bin centers span the finite range; the edges extend one step
	// beyond it on each side, which makes the last bin twice as wide
	// and guarantees the maximum lands in bin 255.
	centers := make([]float64, histBins)
	floats.Span(centers, lo, hi)
	step := centers[1] - centers[0]

	counts := make([]float64, histBins)
	for _, v := range g.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		counts[binIndex(v, lo, step)]++
	}

	// Cumulate the raw counts before normalizing so the last entry is
	// exact and the maximum value maps to level 255.
	cdf := make([]float64, histBins)
	floats.CumSum(cdf, counts)
	total := cdf[histBins-1]

	levels := make([]float64, histBins)
	for i, c := range cdf {
		levels[i] = math.Floor((histBins - 1) * c / total)
	}

	for i, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Data[i] = levels[binIndex(v, lo, step)]
	}
	return out
}

// GaussianBlurNaN smooths the grid with a Gaussian kernel while treating
// NaN cells as missing rather than zero. NaN cells are zero-filled, the
// blurred field is renormalized by the blurred validity mask, and cells
// with no finite support in kernel range come out NaN. Blurring a
// constant field reproduces the constant exactly.
//
// Parameters:
//   - g: Input grid; not modified
//   - sigma: Standard deviation of the kernel in cells; values <= 0
//     return an unmodified copy
//
// Returns:
//   - The smoothed grid
func GaussianBlurNaN(g *models.Grid, sigma float64) *models.Grid {
	if sigma <= 0 {
		return g.Clone()
	}
	kernel := gaussianKernel(sigma)

	field := models.NewGrid(g.Width, g.Height)
	valid := models.NewGrid(g.Width, g.Height)
	for i, v := range g.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			field.Data[i] = 0
			valid.Data[i] = 0
		} else {
			field.Data[i] = v
			valid.Data[i] = 1
		}
	}

	field = convolveSeparable(field, kernel)
	valid = convolveSeparable(valid, kernel)

	out := models.NewGrid(g.Width, g.Height)
	for i := range out.Data {
		// 0/0 yields NaN for cells without finite support.
		out.Data[i] = field.Data[i] / valid.Data[i]
	}
	return out
}

// DoG applies a difference-of-Gaussians band-pass: the grid blurred at
// sigma 0.5*minKernel minus the grid blurred at sigma 0.5*maxKernel.
// The result highlights linear features wider than the fine scale and
// narrower than the coarse scale; a constant field maps to zero.
//
// Parameters:
//   - g: Input grid; not modified
//   - minKernel: Fine scale in cells (typical 1)
//   - maxKernel: Coarse scale in cells (typical 5)
//
// Returns:
//   - The band-passed grid
func DoG(g *models.Grid, minKernel, maxKernel float64) *models.Grid {
	fine := GaussianBlurNaN(g, 0.5*minKernel)
	coarse := GaussianBlurNaN(g, 0.5*maxKernel)
	out := models.NewGrid(g.Width, g.Height)
	for i := range out.Data {
		out.Data[i] = fine.Data[i] - coarse.Data[i]
	}
	return out
}

// Threshold marks every cell holding a finite value strictly greater
// than the threshold. NaN cells never set the output.
func Threshold(g *models.Grid, thres float64) *models.BinaryGrid {
	out := models.NewBinaryGrid(g.Width, g.Height)
	for i, v := range g.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v > thres {
			out.Data[i] = true
		}
	}
	return out
}

// MaskInvalid clears every cell of b whose counterpart in g is not
// finite. The band-pass response is finite even over missing cells
// because the blur renormalization fills them from their neighbors, so
// per-slice masks are clipped back to the slice's valid data region
// before they vote in the combined map.
func MaskInvalid(b *models.BinaryGrid, g *models.Grid) {
	for i, v := range g.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			b.Data[i] = false
		}
	}
}

// PreprocessSlice prepares one deformation slice for band-pass
// filtering. In the default mode the slice is log scaled and histogram
// equalized so the detection threshold is insensitive to the absolute
// deformation magnitude; with useRaw the slice passes through
// unchanged.
func PreprocessSlice(g *models.Grid, useRaw bool) *models.Grid {
	if useRaw {
		return g.Clone()
	}
	return HistEq(LogScale(g))
}

// Helper functions

// binIndex maps a finite value to its histogram bin. Bins 1..254 are
// one step wide starting at lo; bin 255 is two steps wide so the
// maximum value falls inside it; bin 0 stays empty.
func binIndex(v, lo, step float64) int {
	i := 1 + int(math.Floor((v-lo)/step))
	if i < 0 {
		i = 0
	}
	if i > histBins-1 {
		i = histBins - 1
	}
	return i
}

// gaussianKernel builds a normalized 1D Gaussian of the given sigma,
// truncated at blurTruncate standard deviations.
func gaussianKernel(sigma float64) []float64 {
	radius := int(blurTruncate*sigma + 0.5)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// convolveSeparable applies the 1D kernel along rows and then columns
// with reflecting boundaries.
func convolveSeparable(g *models.Grid, kernel []float64) *models.Grid {
	radius := (len(kernel) - 1) / 2
	tmp := models.NewGrid(g.Width, g.Height)
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			acc := 0.0
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * g.Data[r*g.Width+reflectIndex(c+k, g.Width)]
			}
			tmp.Data[r*g.Width+c] = acc
		}
	}
	out := models.NewGrid(g.Width, g.Height)
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			acc := 0.0
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * tmp.Data[reflectIndex(r+k, g.Height)*g.Width+c]
			}
			out.Data[r*g.Width+c] = acc
		}
	}
	return out
}

// reflectIndex folds an out-of-range index back into [0, n) by
// edge-duplicating reflection (... c b a | a b c ...).
func reflectIndex(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - 1 - i
		}
	}
	return i
}
