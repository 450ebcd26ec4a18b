// Package stitcher runs one fetch-and-mosaic job: it fetches every tile of
// a plan with a bounded worker pool, assembles the mosaic and hands the
// georeferenced result to a writer.
package stitcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/metrics"
	"github.com/kiesman99/ggrab/internal/mosaic"
	"github.com/kiesman99/ggrab/internal/planner"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// DefaultWorkers is the fetch concurrency when none is configured
const DefaultWorkers = 8

// State is the lifecycle stage of a run
type State int

// Run states
const (
	StatePlanned State = iota
	StateFetching
	StateAssembling
	StateWriting
	StateWritten
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "PLANNED"
	case StateFetching:
		return "FETCHING"
	case StateAssembling:
		return "ASSEMBLING"
	case StateWriting:
		return "WRITING"
	case StateWritten:
		return "WRITTEN"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TileFetcher downloads and decodes one tile
type TileFetcher interface {
	Fetch(ctx context.Context, spec tile.Spec) (*tile.Image, error)
}

// WriteFunc serializes the finished raster and returns the paths it wrote
type WriteFunc func(r *georaster.GeoRaster) ([]string, error)

// Options contains the run parameters
type Options struct {
	Workers  int
	Policy   mosaic.Policy
	Fill     [4]byte
	Bands    int
	DataType tile.DataType
	EPSG     int
	Logger   *slog.Logger

	// Progress is called after every resolved tile, possibly concurrently
	Progress func(placed, failed, total int)
}

// Report summarizes a run
type Report struct {
	RunID       string
	State       State
	Transitions []State
	Tiles       int
	Workers     int
	Placed      int
	Failed      int
	Failures    []mosaic.Failure
	Duration    time.Duration
	Outputs     []string
}

// Pipeline drives runs against one tile fetcher
type Pipeline struct {
	fetcher TileFetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a pipeline
func New(fetcher TileFetcher, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Bands != 1 {
		opts.Bands = 4
	}
	if opts.DataType == tile.Float32 {
		opts.Bands = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{fetcher: fetcher, opts: opts, logger: logger}
}

// run tracks the state of one execution
type run struct {
	report *Report
	logger *slog.Logger
	start  time.Time
}

func (r *run) enter(s State) {
	r.report.State = s
	r.report.Transitions = append(r.report.Transitions, s)
	r.logger.Debug("run state", "state", s.String())
}

func (r *run) fail(err error) (*Report, error) {
	r.enter(StateFailed)
	r.report.Duration = time.Since(r.start)
	metrics.Runs.WithLabelValues(StateFailed.String()).Inc()
	r.logger.Error("run failed",
		"state", StateFailed.String(),
		"placed", r.report.Placed,
		"failed", r.report.Failed,
		"duration", r.report.Duration,
		"error", err,
	)
	return r.report, err
}

// Run executes plan: PLANNED → FETCHING → ASSEMBLING → WRITING → WRITTEN,
// or FAILED. The report is returned in every case.
func (p *Pipeline) Run(ctx context.Context, plan *planner.Plan, write WriteFunc) (*Report, error) {
	workers := min(p.opts.Workers, len(plan.Tiles))
	id := fmt.Sprintf("%08x", rand.Uint32())
	r := &run{
		report: &Report{RunID: id, Tiles: len(plan.Tiles), Workers: workers},
		logger: p.logger.With("run", id),
		start:  time.Now(),
	}
	r.enter(StatePlanned)
	r.logger.Info("run started",
		"tiles", len(plan.Tiles),
		"grid", fmt.Sprintf("%dx%d", plan.NumX, plan.NumY),
		"size", fmt.Sprintf("%dx%d", plan.Width(), plan.Height()),
		"workers", workers,
		"policy", p.opts.Policy.String(),
	)

	asm, err := mosaic.New(plan.NumX, plan.NumY, plan.TileSize, p.opts.Bands, p.opts.DataType, p.opts.Fill)
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateFetching)
	err = p.fetchAll(ctx, plan, asm, workers, r.logger)
	r.report.Placed = asm.Placed()
	r.report.Failed = asm.Failed()
	r.report.Failures = asm.Failures()
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateAssembling)
	img, err := asm.Mosaic()
	if err != nil {
		return r.fail(err)
	}
	raster, err := georaster.New(img, p.opts.EPSG, plan.Transform())
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateWriting)
	outputs, err := write(raster)
	r.report.Outputs = outputs
	if err != nil {
		var wf *tile.WriteFailure
		if !errors.As(err, &wf) {
			err = &tile.WriteFailure{Err: err}
		}
		return r.fail(err)
	}

	r.enter(StateWritten)
	r.report.Duration = time.Since(r.start)
	metrics.Runs.WithLabelValues(StateWritten.String()).Inc()
	r.logger.Info("run finished",
		"state", StateWritten.String(),
		"tiles", len(plan.Tiles),
		"failed", r.report.Failed,
		"outputs", outputs,
		"duration", r.report.Duration,
	)
	return r.report, nil
}

// fetchAll feeds the plan's tiles to a fixed number of workers. Under the
// abort policy the first failure cancels the remaining fetches. Configuration
// errors end the run under either policy.
func (p *Pipeline) fetchAll(ctx context.Context, plan *planner.Plan, asm *mosaic.Assembler, workers int, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan tile.Spec)

	g.Go(func() error {
		defer close(queue)
		for _, spec := range plan.Tiles {
			select {
			case queue <- spec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var progressMu sync.Mutex
	progress := func() {
		if p.opts.Progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		p.opts.Progress(asm.Placed(), asm.Failed(), asm.Total())
	}

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for spec := range queue {
				img, err := p.fetcher.Fetch(gctx, spec)
				if err != nil {
					if p.opts.Policy == mosaic.PolicyAbort || gctx.Err() != nil || unrecoverable(err) {
						return err
					}
					logger.Warn("tile failed, filling", "tile", spec.String(), "error", err)
					if err := asm.MarkFailed(spec, err); err != nil {
						return err
					}
					progress()
					continue
				}
				if err := asm.Place(spec, img); err != nil {
					return err
				}
				progress()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// prefer the caller's cancellation over the per-tile error it caused
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	}
	return nil
}

// unrecoverable reports errors that every other tile would hit as well
func unrecoverable(err error) bool {
	var cfgErr *tile.ConfigurationError
	return errors.As(err, &cfgErr)
}
