package trace

import (
	"testing"

	"lkfdetect/internal/models"
)

// TestTraceVerticalColumn verifies that a free 10-pixel column comes
// back as one segment with all 10 coordinates in monotonic row order.
func TestTraceVerticalColumn(t *testing.T) {
	b := models.NewBinaryGrid(9, 14)
	for r := 2; r <= 11; r++ {
		b.Set(r, 4, true)
	}

	segs := NewTracer().Trace(b)
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segs))
	}
	if segs[0].Len() != 10 {
		t.Fatalf("Expected 10 points, got %d", segs[0].Len())
	}
	for i, p := range segs[0].Points {
		if p.Row != 2+i || p.Col != 4 {
			t.Errorf("Expected point %d at (%d,4), got (%d,%d)", i, 2+i, p.Row, p.Col)
		}
	}
}

// TestTraceHorizontalRun verifies the same single-chain behavior for a
// horizontal line.
func TestTraceHorizontalRun(t *testing.T) {
	b := models.NewBinaryGrid(20, 5)
	for c := 3; c <= 16; c++ {
		b.Set(2, c, true)
	}

	segs := NewTracer().Trace(b)
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segs))
	}
	if segs[0].Len() != 14 {
		t.Errorf("Expected 14 points, got %d", segs[0].Len())
	}
}

// TestTraceSharpTurnSplits verifies that a V of two diagonal strokes is
// split at the apex into separate chains.
func TestTraceSharpTurnSplits(t *testing.T) {
	b := models.NewBinaryGrid(8, 8)
	for i := 0; i <= 3; i++ {
		b.Set(i, i, true)
	}
	b.Set(2, 4, true)
	b.Set(1, 5, true)
	b.Set(0, 6, true)

	segs := NewTracer().Trace(b)
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}
	total := 0
	for _, s := range segs {
		total += s.Len()
	}
	if total != 7 {
		t.Errorf("Expected 7 points across segments, got %d", total)
	}
	assertDisjoint(t, segs)
}

// TestTraceJunction verifies that a T junction fans out into separate
// chains without claiming any pixel twice.
func TestTraceJunction(t *testing.T) {
	b := models.NewBinaryGrid(10, 10)
	for c := 0; c <= 6; c++ {
		b.Set(2, c, true)
	}
	for r := 3; r <= 6; r++ {
		b.Set(r, 3, true)
	}

	segs := NewTracer().Trace(b)
	if len(segs) < 2 {
		t.Fatalf("Expected at least 2 segments at a junction, got %d", len(segs))
	}
	total := 0
	for _, s := range segs {
		total += s.Len()
	}
	if total != 11 {
		t.Errorf("Expected all 11 pixels claimed by segments, got %d", total)
	}
	assertDisjoint(t, segs)
}

// TestTraceClosedLoop verifies that a ring with no natural endpoint
// terminates via re-seeding. Chains started at the re-seeded corners
// fence off one pixel, which ends up a dropped 1-point chain, so 15 of
// the 16 ring pixels come back.
func TestTraceClosedLoop(t *testing.T) {
	b := models.NewBinaryGrid(8, 8)
	for c := 1; c <= 5; c++ {
		b.Set(1, c, true)
		b.Set(5, c, true)
	}
	for r := 2; r <= 4; r++ {
		b.Set(r, 1, true)
		b.Set(r, 5, true)
	}

	segs := NewTracer().Trace(b)
	if len(segs) != 5 {
		t.Fatalf("Expected 5 segments from the ring, got %d", len(segs))
	}
	total := 0
	for _, s := range segs {
		if s.Len() < 2 {
			t.Errorf("Expected every returned chain to have at least 2 points, got %d", s.Len())
		}
		total += s.Len()
	}
	if total != 15 {
		t.Errorf("Expected 15 ring pixels across segments, got %d", total)
	}
	assertDisjoint(t, segs)
}

// TestTraceChainCap verifies that the per-chain length cap cuts long
// chains and that tracing still terminates with disjoint coverage.
func TestTraceChainCap(t *testing.T) {
	b := models.NewBinaryGrid(40, 3)
	for c := 0; c < 30; c++ {
		b.Set(1, c, true)
	}

	tr := NewTracer()
	tr.MaxIterations = 5
	segs := tr.Trace(b)

	for i, s := range segs {
		if s.Len() > 5 {
			t.Errorf("Expected segment %d capped at 5 points, got %d", i, s.Len())
		}
	}
	assertDisjoint(t, segs)
}

// TestTraceEmptyMask verifies that an all-zero mask yields no
// segments.
func TestTraceEmptyMask(t *testing.T) {
	b := models.NewBinaryGrid(12, 12)
	if segs := NewTracer().Trace(b); len(segs) != 0 {
		t.Errorf("Expected no segments, got %d", len(segs))
	}
}

// TestTraceIsolatedPixelsDropped verifies that isolated single pixels
// produce no 1-point segments.
func TestTraceIsolatedPixelsDropped(t *testing.T) {
	b := models.NewBinaryGrid(10, 10)
	b.Set(2, 2, true)
	b.Set(7, 7, true)
	b.Set(4, 8, true)

	if segs := NewTracer().Trace(b); len(segs) != 0 {
		t.Errorf("Expected isolated pixels dropped, got %d segments", len(segs))
	}
}

// TestTraceInputUntouched verifies that the mask passed in is not
// modified.
func TestTraceInputUntouched(t *testing.T) {
	b := models.NewBinaryGrid(10, 10)
	for c := 1; c <= 8; c++ {
		b.Set(4, c, true)
	}
	before := b.Count()

	NewTracer().Trace(b)
	if b.Count() != before {
		t.Errorf("Expected input mask untouched with %d set pixels, got %d", before, b.Count())
	}
}

// BenchmarkTrace measures tracing over a field of parallel diagonal
// lines.
func BenchmarkTrace(b *testing.B) {
	m := models.NewBinaryGrid(256, 256)
	for r := 0; r < 256; r++ {
		for c := 0; c < 256; c++ {
			if (r+c)%16 == 0 {
				m.Set(r, c, true)
			}
		}
	}
	tr := NewTracer()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.Trace(m)
	}
}

// Helper functions for tests

// assertDisjoint fails the test if any pixel appears more than once
// across the given segments.
func assertDisjoint(t *testing.T, segs []*models.Segment) {
	t.Helper()
	seen := make(map[models.Pixel]bool)
	for si, s := range segs {
		for _, p := range s.Points {
			if seen[p] {
				t.Errorf("Expected pixel (%d,%d) in at most one segment, seen again in segment %d", p.Row, p.Col, si)
			}
			seen[p] = true
		}
	}
}
