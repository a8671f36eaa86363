package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lkfdetect/internal/models"
	"lkfdetect/pkg/config"
	"lkfdetect/pkg/detect"
)

// version is injected via ldflags at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "lkfdetect",
		Short: "lkfdetect finds linear kinematic features in sea ice deformation fields",
		Long: `lkfdetect detects linear kinematic features (leads and pressure ridges)
in gridded sea ice deformation fields. The input field is band-pass
filtered, thresholded, thinned to pixel chains, traced into segments,
and broken segments are reconnected into full features.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if verbose {
				level = log.DebugLevel
			}
			logger := log.NewWithOptions(os.Stderr, log.Options{
				ReportTimestamp: true,
				TimeFormat:      "15:04:05.00",
				Level:           level,
			})
			cmd.SetContext(withLogger(cmd.Context(), logger))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newDetectCmd())
	root.AddCommand(newInitConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// detectFlags mirrors the tunable detection options exposed on the
// command line. Only flags the user actually set override the
// configuration file.
type detectFlags struct {
	raw           bool
	dogThreshold  float64
	minKernel     float64
	maxKernel     float64
	margin        int
	distance      float64
	angle         float64
	eps           float64
	ellipse       float64
	minLength     float64
	maxIterations int
	seedStride    int
	resolution    float64
	reduction     float64
	workers       int
}

func newDetectCmd() *cobra.Command {
	var (
		output     string
		configPath string
		multiSlice bool
		f          detectFlags
	)

	cmd := &cobra.Command{
		Use:   "detect <files...>",
		Short: "Detect linear kinematic features in gridded CSV fields",
		Long: `Detect reads one or more CSV grids of deformation rates and writes the
detected features as JSON. By default every input file is an
independent detection; with --multi-slice all inputs are time slices
of a single detection and a pixel detected in any slice counts.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			applyOverrides(cmd, cfg, &f)
			if cfg.Runtime.Verbose {
				logger.SetLevel(log.DebugLevel)
			}

			opts := cfg.ToOptions()
			opts.Logger = logger

			if multiSlice {
				return runMultiSlice(cmd.Context(), logger, opts, args, output)
			}
			return runIndependent(cmd.Context(), logger, opts, args, output)
		},
	}

	defaults := config.DefaultConfig()
	fl := cmd.Flags()
	fl.StringVarP(&output, "output", "o", "", "output file (default <input>.segments.json)")
	fl.StringVarP(&configPath, "config", "c", "lkfdetect.yaml", "configuration file")
	fl.BoolVar(&multiSlice, "multi-slice", false, "treat all inputs as time slices of one detection")
	fl.BoolVar(&f.raw, "raw", defaults.Preprocessing.UseRawField, "skip log and histogram equalization preprocessing")
	fl.Float64Var(&f.dogThreshold, "dog-threshold", defaults.Preprocessing.DoGThreshold, "band-pass response threshold")
	fl.Float64Var(&f.minKernel, "min-kernel", defaults.Preprocessing.MinKernel, "narrow blur kernel size in cells")
	fl.Float64Var(&f.maxKernel, "max-kernel", defaults.Preprocessing.MaxKernel, "wide blur kernel size in cells")
	fl.IntVar(&f.margin, "margin", defaults.Preprocessing.MarginCells, "border cells to mask before preprocessing")
	fl.Float64Var(&f.distance, "distance", defaults.Reconnection.DistanceThreshold, "reconnection distance threshold in cells")
	fl.Float64Var(&f.angle, "angle", defaults.Reconnection.AngleThreshold, "reconnection angle threshold in degrees")
	fl.Float64Var(&f.eps, "eps", defaults.Reconnection.EpsThreshold, "reconnection deformation threshold")
	fl.Float64Var(&f.ellipse, "ellipse", defaults.Reconnection.EllipseFactor, "perpendicular offset weight")
	fl.Float64Var(&f.minLength, "min-length", defaults.Filtering.MinLength, "minimum endpoint span in cells")
	fl.IntVar(&f.maxIterations, "max-iterations", defaults.Tracing.MaxIterations, "maximum chain length during tracing")
	fl.IntVar(&f.seedStride, "seed-stride", defaults.Tracing.SeedStride, "sampling stride for restart seeds")
	fl.Float64Var(&f.resolution, "resolution", defaults.Preprocessing.ResolutionKm, "grid spacing in km")
	fl.Float64Var(&f.reduction, "reduction", defaults.Preprocessing.ReductionFactor, "input coarsening factor")
	fl.IntVar(&f.workers, "workers", defaults.Runtime.Workers, "number of concurrent workers")
	return cmd
}

// applyOverrides copies explicitly set flags into the configuration.
func applyOverrides(cmd *cobra.Command, cfg *config.Config, f *detectFlags) {
	fl := cmd.Flags()
	if fl.Changed("raw") {
		cfg.Preprocessing.UseRawField = f.raw
	}
	if fl.Changed("dog-threshold") {
		cfg.Preprocessing.DoGThreshold = f.dogThreshold
	}
	if fl.Changed("min-kernel") {
		cfg.Preprocessing.MinKernel = f.minKernel
	}
	if fl.Changed("max-kernel") {
		cfg.Preprocessing.MaxKernel = f.maxKernel
	}
	if fl.Changed("margin") {
		cfg.Preprocessing.MarginCells = f.margin
	}
	if fl.Changed("resolution") {
		cfg.Preprocessing.ResolutionKm = f.resolution
	}
	if fl.Changed("reduction") {
		cfg.Preprocessing.ReductionFactor = f.reduction
	}
	if fl.Changed("distance") {
		cfg.Reconnection.DistanceThreshold = f.distance
	}
	if fl.Changed("angle") {
		cfg.Reconnection.AngleThreshold = f.angle
	}
	if fl.Changed("eps") {
		cfg.Reconnection.EpsThreshold = f.eps
	}
	if fl.Changed("ellipse") {
		cfg.Reconnection.EllipseFactor = f.ellipse
	}
	if fl.Changed("min-length") {
		cfg.Filtering.MinLength = f.minLength
	}
	if fl.Changed("max-iterations") {
		cfg.Tracing.MaxIterations = f.maxIterations
	}
	if fl.Changed("seed-stride") {
		cfg.Tracing.SeedStride = f.seedStride
	}
	if fl.Changed("workers") {
		cfg.Runtime.Workers = f.workers
	}
}

// runMultiSlice feeds all inputs as time slices into one detection.
func runMultiSlice(ctx context.Context, logger *log.Logger, opts detect.Options, inputs []string, output string) error {
	grids := make([]*models.Grid, len(inputs))
	for i, path := range inputs {
		grid, err := readGridCSV(path)
		if err != nil {
			return err
		}
		grids[i] = grid
	}

	d, err := detect.NewDetector(opts)
	if err != nil {
		return err
	}
	logger.Info("detecting features", "slices", len(grids),
		"size", fmt.Sprintf("%dx%d", grids[0].Width, grids[0].Height))
	res, err := d.Detect(ctx, grids)
	if err != nil {
		return err
	}

	if output == "" {
		output = "segments.json"
	}
	if err := writeResult(output, buildResult(inputs, grids[0], res)); err != nil {
		return err
	}
	logger.Info("wrote segments", "output", output, "count", len(res.Segments))
	return nil
}

// runIndependent detects each input on its own, several at a time.
func runIndependent(ctx context.Context, logger *log.Logger, opts detect.Options, inputs []string, output string) error {
	if output != "" && len(inputs) > 1 {
		return fmt.Errorf("the output flag needs a single input or --multi-slice, got %d inputs", len(inputs))
	}

	d, err := detect.NewDetector(opts)
	if err != nil {
		return err
	}
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range inputs {
		g.Go(func() error {
			grid, err := readGridCSV(path)
			if err != nil {
				return err
			}
			logger.Info("detecting features", "input", path,
				"size", fmt.Sprintf("%dx%d", grid.Width, grid.Height))
			res, err := d.Detect(gctx, []*models.Grid{grid})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			out := output
			if out == "" {
				out = defaultOutputPath(path)
			}
			if err := writeResult(out, buildResult([]string{path}, grid, res)); err != nil {
				return err
			}
			logger.Info("wrote segments", "input", path, "output", out, "count", len(res.Segments))
			return nil
		})
	}
	return g.Wait()
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "lkfdetect.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			loggerFromContext(cmd.Context()).Info("wrote default configuration", "path", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lkfdetect version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lkfdetect", version)
		},
	}
}

// segmentJSON is one detected feature in the output document.
type segmentJSON struct {
	ID     int      `json:"id"`
	Length int      `json:"length"`
	Span   float64  `json:"span"`
	Mean   *float64 `json:"mean_value,omitempty"`
	Points [][2]int `json:"points"`
}

// resultJSON is the output document of one detection run.
type resultJSON struct {
	Inputs   []string      `json:"inputs"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Count    int           `json:"count"`
	Segments []segmentJSON `json:"segments"`
}

func buildResult(inputs []string, grid *models.Grid, res *detect.Result) resultJSON {
	samples := detect.SampleAlong(res.Segments, res.AvgField)
	segs := make([]segmentJSON, len(res.Segments))
	for i, s := range res.Segments {
		points := make([][2]int, s.Len())
		for j, p := range s.Points {
			points[j] = [2]int{p.Row, p.Col}
		}
		segs[i] = segmentJSON{
			ID:     i,
			Length: s.Len(),
			Span:   s.EndpointDistance(),
			Mean:   finiteMean(samples[i]),
			Points: points,
		}
	}
	return resultJSON{
		Inputs:   inputs,
		Width:    grid.Width,
		Height:   grid.Height,
		Count:    len(segs),
		Segments: segs,
	}
}

func writeResult(path string, doc resultJSON) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing result file: %w", err)
	}
	return nil
}

// readGridCSV loads a comma separated grid of floats. Empty cells and
// the literal NaN parse as missing values.
func readGridCSV(path string) (*models.Grid, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening input file: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty grid", path)
	}

	grid := models.NewGrid(len(records[0]), len(records))
	for row, rec := range records {
		for col, cell := range rec {
			v, err := parseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d column %d: %w", path, row, col, err)
			}
			grid.Set(row, col, v)
		}
	}
	return grid, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// finiteMean averages the finite samples, nil when there are none.
func finiteMean(vals []float64) *float64 {
	sum := 0.0
	count := 0
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sum += v
			count++
		}
	}
	if count == 0 {
		return nil
	}
	m := sum / float64(count)
	return &m
}

func defaultOutputPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".segments.json"
}

// ctxKey is the type for context keys used in this package.
type ctxKey int

const loggerKey ctxKey = 0

func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
