// Package detect runs the full linear kinematic feature detection
// pipeline: band-pass preprocessing, thresholding, thinning, tracing,
// reconnection, and length filtering.
package detect

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"lkfdetect/internal/models"
	"lkfdetect/pkg/filter"
	"lkfdetect/pkg/reconnect"
	"lkfdetect/pkg/skeleton"
	"lkfdetect/pkg/trace"
)

// referenceResolutionKm is the grid spacing the default spatial
// parameters are tuned for.
const referenceResolutionKm = 12.5

// Options holds the detection parameters. Zero values select the
// documented defaults.
type Options struct {
	// UseRawField feeds the input field directly into the band-pass
	// filter instead of applying the log and histogram equalization
	// preprocessing first.
	UseRawField bool

	// DoGThreshold marks a pixel as a feature candidate when the
	// difference-of-Gaussians response strictly exceeds it.
	// Default 0.01.
	DoGThreshold float64

	// MinKernel and MaxKernel are the kernel sizes in cells of the
	// narrow and wide blur forming the band-pass filter.
	// Defaults 1 and 5.
	MinKernel float64
	MaxKernel float64

	// DistanceThreshold is the maximum endpoint gap in cells bridged
	// during reconnection. Default 4.
	DistanceThreshold float64

	// AngleThreshold is the maximum reconnection angle in degrees.
	// Default 45.
	AngleThreshold float64

	// EpsThreshold is the maximum difference in mean log10 deformation
	// rate between reconnected segments. Default 1.25.
	EpsThreshold float64

	// EllipseFactor weights perpendicular offsets during reconnection.
	// Default 2.
	EllipseFactor float64

	// MinLength is the minimum endpoint span in cells of a reported
	// segment. Default 3.
	MinLength float64

	// MaxIterations caps the length of a single traced chain.
	// Default 500.
	MaxIterations int

	// SeedStride is the sampling stride used when tracing restarts on
	// leftover pixels. Default 100.
	SeedStride int

	// MarginCells masks this many border cells to NaN before
	// preprocessing. Default 0.
	MarginCells int

	// ResolutionKm is the grid spacing of the input in km. Spatial
	// parameters are scaled relative to the 12.5 km reference.
	// Default 12.5.
	ResolutionKm float64

	// ReductionFactor is the coarsening factor applied to the input
	// before detection. Default 1.
	ReductionFactor float64

	// Workers bounds the number of slices preprocessed concurrently.
	// Default runtime.NumCPU().
	Workers int

	// Logger receives stage progress. Nil disables logging.
	Logger *log.Logger

	// Progress, when set, is called with a stage name and the fraction
	// of the pipeline completed so far.
	Progress func(stage string, frac float64)
}

// Result bundles the detection products.
type Result struct {
	// Segments are the detected features after reconnection and length
	// filtering.
	Segments []*models.Segment

	// AvgField is the cellwise NaN-mean of the input slices.
	AvgField *models.Grid

	// Binary is the combined thresholded band-pass response.
	Binary *models.BinaryGrid

	// Skeleton is the thinned binary map the tracer ran on.
	Skeleton *models.BinaryGrid
}

// Detector executes the detection pipeline with a fixed set of options.
type Detector struct {
	opts   Options
	logger *log.Logger

	// Spatial parameters after resolution scaling.
	minKernel float64
	maxKernel float64
	disThres  float64
	minLength float64
	maxIter   int
}

// Corfac is the correction factor applied to spatial parameters when
// the grid spacing differs from the 12.5 km reference resolution.
func Corfac(resolutionKm, reductionFactor float64) float64 {
	return referenceResolutionKm / (resolutionKm * reductionFactor)
}

// NewDetector validates the options, fills defaults, and resolves the
// resolution-dependent parameters.
func NewDetector(opts Options) (*Detector, error) {
	if opts.DoGThreshold == 0 {
		opts.DoGThreshold = 0.01
	}
	if opts.MinKernel == 0 {
		opts.MinKernel = 1
	}
	if opts.MaxKernel == 0 {
		opts.MaxKernel = 5
	}
	if opts.DistanceThreshold == 0 {
		opts.DistanceThreshold = 4
	}
	if opts.AngleThreshold == 0 {
		opts.AngleThreshold = 45
	}
	if opts.EpsThreshold == 0 {
		opts.EpsThreshold = 1.25
	}
	if opts.EllipseFactor == 0 {
		opts.EllipseFactor = 2
	}
	if opts.MinLength == 0 {
		opts.MinLength = 3
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = trace.DefaultMaxIterations
	}
	if opts.SeedStride == 0 {
		opts.SeedStride = trace.DefaultSeedStride
	}
	if opts.ResolutionKm == 0 {
		opts.ResolutionKm = referenceResolutionKm
	}
	if opts.ReductionFactor == 0 {
		opts.ReductionFactor = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	if opts.DoGThreshold < 0 {
		return nil, fmt.Errorf("band-pass threshold must not be negative, got %v", opts.DoGThreshold)
	}
	if opts.MinKernel < 0 || opts.MaxKernel < 0 {
		return nil, fmt.Errorf("kernel sizes must be positive, got %v and %v", opts.MinKernel, opts.MaxKernel)
	}
	if opts.MinKernel >= opts.MaxKernel {
		return nil, fmt.Errorf("minimum kernel %v must be smaller than maximum kernel %v", opts.MinKernel, opts.MaxKernel)
	}
	if opts.DistanceThreshold < 0 || opts.AngleThreshold < 0 || opts.EpsThreshold < 0 || opts.EllipseFactor < 0 {
		return nil, fmt.Errorf("reconnection thresholds must be positive")
	}
	if opts.MinLength < 0 {
		return nil, fmt.Errorf("minimum length must not be negative, got %v", opts.MinLength)
	}
	if opts.MaxIterations < 0 || opts.SeedStride < 0 {
		return nil, fmt.Errorf("tracer limits must be positive")
	}
	if opts.MarginCells < 0 {
		return nil, fmt.Errorf("margin must not be negative, got %d", opts.MarginCells)
	}
	if opts.ResolutionKm < 0 || opts.ReductionFactor < 0 {
		return nil, fmt.Errorf("resolution parameters must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	corfac := Corfac(opts.ResolutionKm, opts.ReductionFactor)
	maxIter := int(math.Round(float64(opts.MaxIterations) * corfac))
	if maxIter < 1 {
		maxIter = 1
	}
	return &Detector{
		opts:      opts,
		logger:    logger,
		minKernel: opts.MinKernel * (1 + corfac) * 0.5,
		maxKernel: opts.MaxKernel * (1 + corfac) * 0.5,
		disThres:  opts.DistanceThreshold * corfac,
		minLength: opts.MinLength * corfac,
		maxIter:   maxIter,
	}, nil
}

// Options returns the options after default filling, before resolution
// scaling.
func (d *Detector) Options() Options {
	return d.opts
}

// Detect runs the pipeline on one or more time slices of the same
// scalar field.
//
// Parameters:
//   - ctx: cancels the slice preprocessing stage
//   - slices: equally sized grids; a pixel detected in any slice counts
//
// Returns:
//   - the detected segments together with the intermediate products
func (d *Detector) Detect(ctx context.Context, slices []*models.Grid) (*Result, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("no input slices provided")
	}
	for i, s := range slices[1:] {
		if !s.SameSize(slices[0]) {
			return nil, fmt.Errorf("slice %d: dimensions %dx%d do not match slice 0 (%dx%d)",
				i+1, s.Width, s.Height, slices[0].Width, slices[0].Height)
		}
	}
	start := time.Now()

	prepared := make([]*models.Grid, len(slices))
	for i, s := range slices {
		c := s.Clone()
		c.ApplyMargin(d.opts.MarginCells)
		prepared[i] = c
	}

	// Step 1: Preprocess slices and threshold the band-pass response
	d.logger.Info("Step 1: preprocessing slices...", "slices", len(slices), "workers", d.opts.Workers)
	d.progress("preprocess", 0)
	binaries := make([]*models.BinaryGrid, len(slices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i, slice := range prepared {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			proc := filter.PreprocessSlice(slice, d.opts.UseRawField)
			resp := filter.DoG(proc, d.minKernel, d.maxKernel)
			bin := filter.Threshold(resp, d.opts.DoGThreshold)
			filter.MaskInvalid(bin, proc)
			binaries[i] = bin
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 2: Combine binary maps and average the input slices
	d.logger.Info("Step 2: combining binary maps...")
	d.progress("combine", 1.0/6)
	combined := binaries[0]
	for _, b := range binaries[1:] {
		if err := combined.Or(b); err != nil {
			return nil, err
		}
	}
	avg := averageSlices(prepared)
	d.logger.Info("combined binary map ready", "pixels", combined.Count())

	// Step 3: Thin the binary map to single-pixel chains
	d.logger.Info("Step 3: thinning binary map...")
	d.progress("thin", 2.0/6)
	skel := skeleton.Thin(combined)

	// Step 4: Trace pixel chains
	d.logger.Info("Step 4: tracing segments...", "pixels", skel.Count())
	d.progress("trace", 3.0/6)
	tracer := trace.NewTracer()
	tracer.MaxIterations = d.maxIter
	tracer.SeedStride = d.opts.SeedStride
	tracer.Logger = d.logger
	segs := tracer.Trace(skel)
	d.logger.Info("tracing finished", "segments", len(segs))

	// Step 5: Reconnect broken segments
	d.logger.Info("Step 5: reconnecting segments...")
	d.progress("reconnect", 4.0/6)
	passes := []reconnect.Params{
		reconnect.TightPass(d.opts.EpsThreshold),
		{
			DistanceThreshold: d.disThres,
			AngleThreshold:    d.opts.AngleThreshold,
			EpsThreshold:      d.opts.EpsThreshold,
			EllipseFactor:     d.opts.EllipseFactor,
		},
	}
	segs, err := reconnect.RunPasses(segs, logField(avg), passes)
	if err != nil {
		return nil, err
	}
	d.logger.Info("reconnection finished", "segments", len(segs))

	// Step 6: Drop segments below the minimum length
	d.logger.Info("Step 6: filtering short segments...")
	d.progress("filter", 5.0/6)
	before := len(segs)
	segs = reconnect.FilterMinLength(segs, d.minLength)

	d.logger.Info("detection complete",
		"segments", len(segs),
		"dropped", before-len(segs),
		"elapsed", time.Since(start))
	d.progress("done", 1)

	return &Result{
		Segments: segs,
		AvgField: avg,
		Binary:   combined,
		Skeleton: skel,
	}, nil
}

// SampleAlong returns the grid value at every pixel of every segment,
// preserving segment order. Pixels outside the grid yield NaN.
func SampleAlong(segs []*models.Segment, g *models.Grid) [][]float64 {
	out := make([][]float64, len(segs))
	for i, s := range segs {
		vals := make([]float64, s.Len())
		for j, p := range s.Points {
			vals[j] = g.At(p.Row, p.Col)
		}
		out[i] = vals
	}
	return out
}

// Helper functions

func (d *Detector) progress(stage string, frac float64) {
	if d.opts.Progress != nil {
		d.opts.Progress(stage, frac)
	}
}

// averageSlices is the cellwise mean over slices, skipping NaN cells.
// Cells with no finite sample stay NaN.
func averageSlices(slices []*models.Grid) *models.Grid {
	out := models.NewGrid(slices[0].Width, slices[0].Height)
	for idx := range out.Data {
		sum := 0.0
		count := 0
		for _, s := range slices {
			if v := s.Data[idx]; !math.IsNaN(v) {
				sum += v
				count++
			}
		}
		if count == 0 {
			out.Data[idx] = math.NaN()
		} else {
			out.Data[idx] = sum / float64(count)
		}
	}
	return out
}

// logField is the log10 of the field, with non-positive and missing
// cells mapped to NaN.
func logField(g *models.Grid) *models.Grid {
	out := g.Clone()
	for i, v := range out.Data {
		if v > 0 {
			out.Data[i] = math.Log10(v)
		} else {
			out.Data[i] = math.NaN()
		}
	}
	return out
}
