// Package harness runs every registered solver configuration against every
// registered problem and checks the achieved cost against the known minimum.
package harness

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/metrics"
	"github.com/fxnlabs/optbench/internal/problem"
	"github.com/fxnlabs/optbench/internal/solver"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Method is a named solver configuration. Parameters is passed to the
// solver untouched.
type Method struct {
	Name       string `yaml:"name"`
	Parameters string `yaml:"parameters"`
}

// Tolerance accepts an achieved cost a for a known minimum k when
// |a - k| <= Absolute + Relative*|k|.
type Tolerance struct {
	Absolute float64 `yaml:"absolute"`
	Relative float64 `yaml:"relative"`
}

// DefaultTolerance is used unless WithTolerance is given.
var DefaultTolerance = Tolerance{Absolute: 1e-3}

// Within reports whether achieved is close enough to known.
func (t Tolerance) Within(achieved, known float64) bool {
	if math.IsNaN(achieved) || math.IsInf(achieved, 0) {
		return false
	}
	return math.Abs(achieved-known) <= t.Absolute+t.Relative*math.Abs(known)
}

// Option configures a Harness.
type Option func(*Harness)

// WithTolerance sets the acceptance tolerance.
func WithTolerance(t Tolerance) Option {
	return func(h *Harness) {
		h.tolerance = t
	}
}

// Harness owns one solver context and reuses it for every problem.
// It is not safe for concurrent use.
type Harness struct {
	ctx       solver.Context
	dev       gpu.Device
	logger    *zap.Logger
	tolerance Tolerance
	methods   []Method
	entries   []*entry
	scratch   []float32
	closed    bool
}

// Builder populates a problem's images, from a generator or a file.
type Builder func() (*problem.Problem, error)

// entry is one registered problem row. A row added with AddBuilder is
// built when the run reaches it and kept until Close.
type entry struct {
	name    string
	build   Builder
	problem *problem.Problem
}

// New creates a harness. The harness takes ownership of ctx and closes it
// in Close.
func New(ctx solver.Context, dev gpu.Device, logger *zap.Logger, opts ...Option) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Harness{
		ctx:       ctx,
		dev:       dev,
		logger:    logger.Named("harness"),
		tolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddMethod registers a solver configuration.
func (h *Harness) AddMethod(m Method) error {
	if m.Name == "" {
		return errors.New("method name must not be empty")
	}
	h.methods = append(h.methods, m)
	return nil
}

// AddProblem registers a built problem. The harness frees it in Close.
func (h *Harness) AddProblem(p *problem.Problem) {
	h.entries = append(h.entries, &entry{name: p.Name, problem: p})
}

// AddBuilder registers a problem that is built when the run reaches its row.
// A build error skips the row unless it is a device failure. name labels
// the row until the problem exists.
func (h *Harness) AddBuilder(name string, build Builder) {
	h.entries = append(h.entries, &entry{name: name, build: build})
}

// Methods returns the registered configurations.
func (h *Harness) Methods() []Method { return h.methods }

// Problems returns the problems built so far, in registration order.
func (h *Harness) Problems() []*problem.Problem {
	problems := make([]*problem.Problem, 0, len(h.entries))
	for _, e := range h.entries {
		if e.problem != nil {
			problems = append(problems, e.problem)
		}
	}
	return problems
}

// RunAllTests runs the full matrix, problems outer and methods inner, and
// returns one result per pair. A device failure aborts the run: the report
// then holds the results so far and the error names the pair in progress.
func (h *Harness) RunAllTests() (*Report, error) {
	if h.closed {
		return nil, errors.New("harness is closed")
	}

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Device:    h.dev.GetDeviceInfo(),
		Tolerance: h.tolerance,
	}
	h.logger.Info("Starting test run",
		zap.String("run_id", report.RunID),
		zap.Int("methods", len(h.methods)),
		zap.Int("problems", len(h.entries)),
		zap.String("device", report.Device.Name))

	for _, e := range h.entries {
		results, err := h.runProblem(e)
		report.Results = append(report.Results, results...)
		for _, r := range results {
			metrics.HarnessVerdicts.WithLabelValues(string(r.Verdict), r.Method).Inc()
		}
		if err != nil {
			report.Elapsed = time.Since(report.StartedAt)
			h.logger.Error("Test run aborted", zap.String("run_id", report.RunID), zap.Error(err))
			return report, err
		}
	}

	report.Elapsed = time.Since(report.StartedAt)
	s := report.Summary()
	h.logger.Info("Test run finished",
		zap.String("run_id", report.RunID),
		zap.Int("passed", s.Passed),
		zap.Int("failed", s.Failed),
		zap.Int("errored", s.Errored),
		zap.Int("skipped", s.Skipped),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// runProblem builds, loads and binds one row, then runs every method on it.
// Rows share no state besides the solver context.
func (h *Harness) runProblem(e *entry) ([]Result, error) {
	name, minimum := e.name, math.NaN()
	skip := func(err error) ([]Result, error) {
		if fatal(err) {
			return nil, fmt.Errorf("problem %q: %w", name, err)
		}
		h.logger.Warn("Skipping problem", zap.String("problem", name), zap.Error(err))
		results := make([]Result, 0, len(h.methods))
		for _, m := range h.methods {
			results = append(results, Result{
				Problem:      name,
				Method:       m.Name,
				Parameters:   m.Parameters,
				Verdict:      VerdictSkipped,
				MinimumCost:  minimum,
				AchievedCost: math.NaN(),
				Detail:       err.Error(),
			})
		}
		return results, nil
	}

	if e.problem == nil {
		p, err := e.build()
		if err != nil {
			return skip(fmt.Errorf("building problem: %w", err))
		}
		e.problem = p
	}
	p := e.problem
	name, minimum = p.Name, p.MinimumCost

	pristine, err := h.prepare(p)
	if err != nil {
		return skip(err)
	}

	results := make([]Result, 0, len(h.methods))
	for _, m := range h.methods {
		r, err := h.runTest(m, p, pristine)
		if err != nil {
			return results, fmt.Errorf("problem %q, method %q: %w", p.Name, m.Name, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// prepare loads the problem's program and binds every image. It returns a
// copy of every image's host values as populated, which each method
// starts from.
func (h *Harness) prepare(p *problem.Problem) ([][]float32, error) {
	if len(p.Images) == 0 {
		return nil, errors.New("problem has no images")
	}
	if p.Cost == nil {
		return nil, errors.New("problem has no cost function")
	}
	if err := h.ctx.LoadProblem(p.Source, p.DimX, p.DimY); err != nil {
		return nil, fmt.Errorf("loading %s: %w", p.Source, err)
	}
	pristine := make([][]float32, len(p.Images))
	for i, im := range p.Images {
		pristine[i] = slices.Clone(im.Data())
		if err := im.SyncToDevice(); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if err := im.Bind(h.ctx); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	return pristine, nil
}

// runTest runs one method on a bound problem. The returned error is fatal;
// solver failures become an error verdict.
func (h *Harness) runTest(m Method, p *problem.Problem, pristine [][]float32) (Result, error) {
	result := Result{
		Problem:      p.Name,
		Method:       m.Name,
		Parameters:   m.Parameters,
		MinimumCost:  p.MinimumCost,
		AchievedCost: math.NaN(),
	}

	// Every method starts from the values the problem was populated with,
	// in both mirrors. Same-size uploads keep the bound device pointers.
	for i, im := range p.Images {
		if !im.GPUBinding().Valid() || !im.CPUBinding().Valid() {
			result.Verdict = VerdictError
			result.Detail = fmt.Sprintf("image %d has a stale binding", i)
			return result, nil
		}
		copy(im.Data(), pristine[i])
		if err := im.SyncToDevice(); err != nil {
			return result, fmt.Errorf("image %d: %w", i, err)
		}
	}

	start := time.Now()
	status, err := h.ctx.Solve(m.Parameters)
	result.Elapsed = time.Since(start)
	metrics.HarnessSolveDuration.Observe(float64(result.Elapsed.Microseconds()) / 1000)

	if err != nil {
		if fatal(err) {
			return result, err
		}
		h.logger.Warn("Solver failed",
			zap.String("problem", p.Name),
			zap.String("method", m.Name),
			zap.Error(err))
		result.Verdict = VerdictError
		result.Detail = err.Error()
		return result, nil
	}
	result.Converged = status.Converged
	result.Iterations = status.Iterations
	result.Detail = status.Reason

	var x []float32
	switch status.ResultLocation() {
	case solver.Host:
		x = append(h.scratch[:0], p.Images[0].Data()...)
	default:
		x, err = p.Images[0].ReadDevice(h.scratch)
		if err != nil {
			return result, err
		}
	}
	h.scratch = x

	result.AchievedCost = p.Cost(x)
	gap := math.Abs(result.AchievedCost - p.MinimumCost)
	metrics.HarnessCostGap.Set(gap)
	if h.tolerance.Within(result.AchievedCost, p.MinimumCost) {
		result.Verdict = VerdictPass
	} else {
		result.Verdict = VerdictFail
	}

	h.logger.Info("Test finished",
		zap.String("problem", p.Name),
		zap.String("method", m.Name),
		zap.String("verdict", string(result.Verdict)),
		zap.Float64("cost", result.AchievedCost),
		zap.Float64("minimum", p.MinimumCost),
		zap.Float64("gap", gap),
		zap.Int("iterations", result.Iterations),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// Close frees every registered problem and closes the solver context.
func (h *Harness) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, e := range h.entries {
		if e.problem != nil {
			errs = append(errs, e.problem.Free())
		}
	}
	errs = append(errs, h.ctx.Close())
	return errors.Join(errs...)
}

// fatal reports whether err leaves the device in a state the run cannot
// continue from.
func fatal(err error) bool {
	return errors.Is(err, gpu.ErrAllocation) ||
		errors.Is(err, gpu.ErrDevice) ||
		errors.Is(err, gpu.ErrPrecondition)
}
