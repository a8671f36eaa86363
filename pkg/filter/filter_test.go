package filter

import (
	"math"
	"testing"

	"lkfdetect/internal/models"
)

// TestLogScale verifies that positive cells map to their natural log
// while zero, negative, and NaN cells map to NaN.
func TestLogScale(t *testing.T) {
	g := models.NewGrid(4, 1)
	g.Set(0, 0, math.E)
	g.Set(0, 1, 0)
	g.Set(0, 2, -3)
	g.Set(0, 3, math.NaN())

	out := LogScale(g)
	if math.Abs(out.At(0, 0)-1.0) > 1e-12 {
		t.Errorf("Expected log(e) = 1, got %v", out.At(0, 0))
	}
	for c := 1; c < 4; c++ {
		if !math.IsNaN(out.At(0, c)) {
			t.Errorf("Expected NaN at col %d, got %v", c, out.At(0, c))
		}
	}
}

// TestHistEqRange verifies that equalized values stay in [0, 255], the
// maximum maps to 255, and NaN cells are preserved.
func TestHistEqRange(t *testing.T) {
	g := models.NewGrid(10, 10)
	for i := range g.Data {
		g.Data[i] = float64(i) * 0.37
	}
	g.Set(3, 3, math.NaN())

	out := HistEq(g)
	if !math.IsNaN(out.At(3, 3)) {
		t.Errorf("Expected NaN preserved at (3,3), got %v", out.At(3, 3))
	}

	_, hi, _ := g.MinMaxFinite()
	for i, v := range out.Data {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 255 {
			t.Errorf("Expected level in [0,255] at cell %d, got %v", i, v)
		}
		if g.Data[i] == hi && v != 255 {
			t.Errorf("Expected maximum input to map to 255, got %v", v)
		}
	}
}

// TestHistEqMonotonic verifies that a larger input never maps to a
// smaller equalized level.
func TestHistEqMonotonic(t *testing.T) {
	g := models.NewGrid(16, 16)
	for i := range g.Data {
		g.Data[i] = math.Sin(float64(i)*0.1) * 40
	}

	out := HistEq(g)
	for i := range g.Data {
		for j := range g.Data {
			if g.Data[i] < g.Data[j] && out.Data[i] > out.Data[j] {
				t.Fatalf("Expected monotonic mapping, got %v->%v and %v->%v",
					g.Data[i], out.Data[i], g.Data[j], out.Data[j])
			}
		}
	}
}

// TestHistEqDegenerate verifies the tiny-input and constant-input
// fallbacks.
func TestHistEqDegenerate(t *testing.T) {
	g := models.NewGrid(3, 1)
	g.Fill(math.NaN())
	g.Set(0, 0, 5)
	out := HistEq(g)
	if out.At(0, 0) != 5 {
		t.Errorf("Expected single finite cell unchanged, got %v", out.At(0, 0))
	}

	c := models.NewGrid(4, 4)
	c.Fill(2.5)
	out = HistEq(c)
	for i, v := range out.Data {
		if v != 255 {
			t.Errorf("Expected constant grid to map to 255 at cell %d, got %v", i, v)
		}
	}
}

// TestGaussianBlurNaNConstant verifies that renormalization makes the
// blur of a constant field exact, including at the edges.
func TestGaussianBlurNaNConstant(t *testing.T) {
	g := models.NewGrid(12, 9)
	g.Fill(4.2)

	out := GaussianBlurNaN(g, 2.5)
	for i, v := range out.Data {
		if math.Abs(v-4.2) > 1e-9 {
			t.Errorf("Expected constant 4.2 at cell %d, got %v", i, v)
		}
	}
}

// TestGaussianBlurNaNMissing verifies NaN handling: an all-NaN grid
// stays NaN, an isolated finite cell keeps its value at its own
// position, and NaN holes do not bleed zeros into neighbors.
func TestGaussianBlurNaNMissing(t *testing.T) {
	g := models.NewGrid(7, 7)
	g.Fill(math.NaN())
	out := GaussianBlurNaN(g, 1.0)
	for i, v := range out.Data {
		if !math.IsNaN(v) {
			t.Errorf("Expected all-NaN output at cell %d, got %v", i, v)
		}
	}

	g.Set(3, 3, 8.0)
	out = GaussianBlurNaN(g, 1.0)
	if math.Abs(out.At(3, 3)-8.0) > 1e-9 {
		t.Errorf("Expected isolated cell to keep value 8.0, got %v", out.At(3, 3))
	}

	h := models.NewGrid(9, 9)
	h.Fill(3.0)
	h.Set(4, 4, math.NaN())
	out = GaussianBlurNaN(h, 1.0)
	if math.Abs(out.At(4, 5)-3.0) > 1e-9 {
		t.Errorf("Expected hole neighbor to stay 3.0, got %v", out.At(4, 5))
	}
}

// TestDoGConstantIsZero verifies that the band-pass response of a
// constant field vanishes everywhere.
func TestDoGConstantIsZero(t *testing.T) {
	g := models.NewGrid(20, 15)
	g.Fill(7.7)

	out := DoG(g, 1, 5)
	for i, v := range out.Data {
		if math.Abs(v) > 1e-9 {
			t.Errorf("Expected zero response at cell %d, got %v", i, v)
		}
	}
}

// TestDoGRidgeResponse verifies that a bright one-cell ridge produces a
// positive band-pass response on the ridge.
func TestDoGRidgeResponse(t *testing.T) {
	g := models.NewGrid(21, 21)
	g.Fill(1.0)
	for r := 0; r < 21; r++ {
		g.Set(r, 10, 10.0)
	}

	out := DoG(g, 1, 5)
	if out.At(10, 10) <= 0 {
		t.Errorf("Expected positive ridge response, got %v", out.At(10, 10))
	}
	if out.At(10, 2) >= out.At(10, 10) {
		t.Errorf("Expected background response below ridge response, got %v >= %v",
			out.At(10, 2), out.At(10, 10))
	}
}

// TestThreshold verifies the strict comparison and NaN exclusion.
func TestThreshold(t *testing.T) {
	g := models.NewGrid(4, 1)
	g.Set(0, 0, 0.5)
	g.Set(0, 1, 0.01)
	g.Set(0, 2, math.NaN())
	g.Set(0, 3, 0.02)

	out := Threshold(g, 0.01)
	if !out.At(0, 0) || !out.At(0, 3) {
		t.Errorf("Expected cells above threshold to be set")
	}
	if out.At(0, 1) {
		t.Errorf("Expected cell equal to threshold to stay unset")
	}
	if out.At(0, 2) {
		t.Errorf("Expected NaN cell to stay unset")
	}
}

// TestMaskInvalid verifies that mask cells over non-finite field cells
// are cleared while the rest stay put.
func TestMaskInvalid(t *testing.T) {
	g := models.NewGrid(4, 1)
	g.Set(0, 0, 1.0)
	g.Set(0, 1, math.NaN())
	g.Set(0, 2, math.Inf(1))
	g.Set(0, 3, -2.0)

	b := models.NewBinaryGrid(4, 1)
	for c := 0; c < 4; c++ {
		b.Set(0, c, true)
	}

	MaskInvalid(b, g)
	if !b.At(0, 0) || !b.At(0, 3) {
		t.Errorf("Expected cells over finite values to stay set")
	}
	if b.At(0, 1) || b.At(0, 2) {
		t.Errorf("Expected cells over NaN and Inf values to be cleared")
	}
}

// TestGaussianKernelNormalized verifies that kernel weights sum to one.
func TestGaussianKernelNormalized(t *testing.T) {
	for _, sigma := range []float64{0.5, 1.0, 2.5} {
		k := gaussianKernel(sigma)
		sum := 0.0
		for _, w := range k {
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Errorf("Expected kernel sum 1 for sigma %v, got %v", sigma, sum)
		}
	}
}

// TestReflectIndex verifies the edge-duplicating boundary fold.
func TestReflectIndex(t *testing.T) {
	cases := []struct{ in, n, want int }{
		{-1, 5, 0},
		{-2, 5, 1},
		{5, 5, 4},
		{6, 5, 3},
		{2, 5, 2},
	}
	for _, tc := range cases {
		if got := reflectIndex(tc.in, tc.n); got != tc.want {
			t.Errorf("Expected reflectIndex(%d,%d) = %d, got %d", tc.in, tc.n, tc.want, got)
		}
	}
}

// BenchmarkGaussianBlurNaN measures the smoothing cost on a mid-size
// grid with scattered NaN holes.
func BenchmarkGaussianBlurNaN(b *testing.B) {
	g := models.NewGrid(256, 256)
	for i := range g.Data {
		g.Data[i] = float64(i % 97)
		if i%31 == 0 {
			g.Data[i] = math.NaN()
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GaussianBlurNaN(g, 2.5)
	}
}
