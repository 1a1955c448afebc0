// Package solver defines the boundary to the optimizer engine. A Context
// holds one loaded problem at a time, accepts memory bindings for the
// problem's images and runs the solver on them.
package solver

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/optbench/internal/gpu"
)

var (
	// ErrBinding is returned when a context rejects a memory binding.
	ErrBinding = errors.New("binding rejected")
	// ErrProgramNotFound is returned when a problem-description source is unknown.
	ErrProgramNotFound = errors.New("solver program not found")
	// ErrNoProblem is returned when an operation needs a loaded problem.
	ErrNoProblem = errors.New("no problem loaded")
)

// Context is a solver context shared across problems. Loading a problem
// invalidates every binding handed out for the previous one.
//
// Implementations are not safe for concurrent use.
type Context interface {
	// LoadProblem loads the problem description named by source for a
	// variable grid of dimX by dimY.
	LoadProblem(source string, dimX, dimY int) error

	// Bind registers one memory view of the next image of the loaded problem.
	// Images are matched to the program in binding order, separately for
	// host and device views.
	Bind(region Region) (*Binding, error)

	// Solve runs the solver with an opaque parameter string and blocks until
	// it converges or exhausts its own budget.
	Solve(params string) (Status, error)

	// Close releases the context and every binding it holds.
	Close() error
}

// Location says which address space a bound region lives in. The zero
// value names neither.
type Location int

const (
	Host Location = iota + 1
	Device
)

func (l Location) String() string {
	switch l {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Location(%d)", int(l))
	}
}

// Region describes memory holding a row-major 2D grid of float32.
// Host regions set Host, device regions set Ptr.
type Region struct {
	Location Location
	Host     []float32
	Ptr      gpu.DevicePtr
	Width    int
	Height   int
	// ElemSize and Stride are in bytes.
	ElemSize int
	Stride   int
}

// Validate checks the layout of r without looking at a program.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrBinding, r.Width, r.Height)
	}
	if r.ElemSize != 4 {
		return fmt.Errorf("%w: element size %d, want 4", ErrBinding, r.ElemSize)
	}
	if r.Stride != r.Width*r.ElemSize {
		return fmt.Errorf("%w: stride %d, want %d", ErrBinding, r.Stride, r.Width*r.ElemSize)
	}
	switch r.Location {
	case Host:
		if len(r.Host) < r.Width*r.Height {
			return fmt.Errorf("%w: host region holds %d elements, want %d", ErrBinding, len(r.Host), r.Width*r.Height)
		}
	case Device:
		if r.Ptr.IsNull() {
			return fmt.Errorf("%w: null device pointer", ErrBinding)
		}
	default:
		return fmt.Errorf("%w: unknown location %v", ErrBinding, r.Location)
	}
	return nil
}

// Status is the outcome of one Solve call.
type Status struct {
	Converged  bool
	Iterations int
	// Cost is the solver's own final cost. It is NaN when the solver does
	// not report one.
	Cost   float64
	Reason string
	// Location is the view the solver read and wrote. Zero means Device.
	Location Location
}

// ResultLocation returns the view holding the solver's result.
func (s Status) ResultLocation() Location {
	if s.Location == Host {
		return Host
	}
	return Device
}
