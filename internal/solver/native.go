package solver

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxnlabs/optbench/internal/gpu"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
)

// NativeContext is an in-process solver built on gonum/optimize. Like a
// GPU solver it works on the device bindings: it reads the images from
// device memory and writes the optimised unknown back to it.
type NativeContext struct {
	dev      gpu.Device
	logger   *zap.Logger
	programs map[string]Program
	table    BindingTable

	source  string
	program Program
	dimX    int
	dimY    int
	shapes  []Shape
	closed  bool
}

// NewNativeContext creates a native solver context on dev.
func NewNativeContext(dev gpu.Device, logger *zap.Logger) *NativeContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeContext{
		dev:      dev,
		logger:   logger.Named("solver.native"),
		programs: defaultPrograms(),
	}
}

// Register makes program loadable under source, replacing any previous one.
func (c *NativeContext) Register(source string, program Program) {
	c.programs[source] = program
}

func (c *NativeContext) LoadProblem(source string, dimX, dimY int) error {
	if c.closed {
		return errors.New("solver context is closed")
	}
	c.table.Reset()
	c.program = nil
	c.shapes = nil

	program, ok := c.programs[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, source)
	}
	if dimX <= 0 || dimY <= 0 {
		return fmt.Errorf("loading %s: invalid variable dimensions %dx%d", source, dimX, dimY)
	}

	c.source = source
	c.program = program
	c.dimX, c.dimY = dimX, dimY
	c.shapes = program.Shapes(dimX, dimY)
	c.logger.Debug("Problem loaded",
		zap.String("source", source),
		zap.Int("dim_x", dimX),
		zap.Int("dim_y", dimY),
		zap.Int("images", len(c.shapes)))
	return nil
}

func (c *NativeContext) Bind(region Region) (*Binding, error) {
	if c.program == nil {
		return nil, fmt.Errorf("%w: %w", ErrBinding, ErrNoProblem)
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}

	index := len(c.table.At(region.Location))
	if index >= len(c.shapes) {
		return nil, fmt.Errorf("%w: %s takes %d images, got another %s view", ErrBinding, c.source, len(c.shapes), region.Location)
	}
	want := c.shapes[index]
	if region.Width != want.Width || region.Height != want.Height {
		return nil, fmt.Errorf("%w: image %d of %s is %dx%d, want %dx%d",
			ErrBinding, index, c.source, region.Width, region.Height, want.Width, want.Height)
	}

	return c.table.Add(region), nil
}

func (c *NativeContext) Solve(params string) (Status, error) {
	if c.program == nil {
		return Status{}, ErrNoProblem
	}
	p, err := ParseParams(params)
	if err != nil {
		return Status{}, err
	}
	method, err := p.optimizer()
	if err != nil {
		return Status{}, err
	}

	views := c.table.At(Device)
	if len(views) != len(c.shapes) {
		return Status{}, fmt.Errorf("%w: %s needs %d device images, %d bound", ErrBinding, c.source, len(c.shapes), len(views))
	}

	images := make([][]float64, len(views))
	for i, b := range views {
		images[i], err = c.read(b)
		if err != nil {
			return Status{}, err
		}
	}

	objective, err := c.program.Objective(c.dimX, c.dimY, images[1:])
	if err != nil {
		return Status{}, err
	}
	problem := optimize.Problem{Func: objective.Func}
	if p.Method != MethodNelderMead {
		problem.Grad = objective.Grad
	}

	start := time.Now()
	result, err := optimize.Minimize(problem, images[0], p.settings(), method)
	if result == nil {
		return Status{}, fmt.Errorf("%s: %w", p.Method, err)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return Status{}, fmt.Errorf("%s diverged: cost %v", p.Method, result.F)
	}

	if err := c.write(views[0], result.X); err != nil {
		return Status{}, err
	}

	status := Status{
		Converged:  converged(result.Status),
		Iterations: result.MajorIterations,
		Cost:       result.F,
		Reason:     result.Status.String(),
		Location:   Device,
	}
	if err != nil {
		status.Converged = false
		status.Reason = err.Error()
	}

	c.logger.Debug("Solve finished",
		zap.String("method", p.Method),
		zap.String("status", status.Reason),
		zap.Int("iterations", status.Iterations),
		zap.Float64("cost", status.Cost),
		zap.Duration("elapsed", time.Since(start)))
	return status, nil
}

// Close releases every binding. Further loads fail.
func (c *NativeContext) Close() error {
	c.table.Reset()
	c.program = nil
	c.shapes = nil
	c.closed = true
	return nil
}

func (c *NativeContext) read(b *Binding) ([]float64, error) {
	r := b.Region()
	data := make([]float32, r.Width*r.Height)
	if err := gpu.CopyElementsToHost(c.dev, data, r.Ptr); err != nil {
		return nil, fmt.Errorf("reading bound image %d: %w", b.ID, err)
	}
	return gpu.Float32ToFloat64(data), nil
}

func (c *NativeContext) write(b *Binding, x []float64) error {
	r := b.Region()
	if err := gpu.CopyElementsToDevice(c.dev, r.Ptr, gpu.Float64ToFloat32(x)); err != nil {
		return fmt.Errorf("writing bound image %d: %w", b.ID, err)
	}
	return nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.GradientThreshold,
		optimize.StepConvergence,
		optimize.MethodConverge:
		return true
	default:
		return false
	}
}
