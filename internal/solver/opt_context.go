//go:build opt
// +build opt

package solver

/*
#cgo LDFLAGS: -lOpt
#include <stdint.h>
#include <stdlib.h>

typedef struct OptState OptState;
typedef struct Problem Problem;
typedef struct Plan Plan;
typedef struct ImageBinding ImageBinding;

OptState* Opt_NewState();
void Opt_DeleteState(OptState* state);
Problem* Opt_ProblemDefine(OptState* state, const char* filename, const char* kind, int* errorcode);
void Opt_ProblemDelete(OptState* state, Problem* problem);
Plan* Opt_ProblemPlan(OptState* state, Problem* problem, uint64_t* dims);
void Opt_PlanFree(OptState* state, Plan* plan);
ImageBinding* Opt_ImageBind(OptState* state, void* data, uint64_t elemsize, uint64_t stride);
void Opt_ImageFree(OptState* state, ImageBinding* image);
void Opt_ProblemSolve(OptState* state, Plan* plan, ImageBinding** images, void* params);
*/
import "C"
import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"unsafe"

	"github.com/fxnlabs/optbench/internal/gpu"
	"go.uber.org/zap"
)

// OptContext adapts the Opt solver library. The part of the parameter
// string before the first ':' names the Opt solver kind; kinds ending in
// "CPU" run on the host bindings, all others on the device bindings.
//
// LoadProblem checks that the source file exists; Opt compiles it per
// solver kind, so the definition happens on the first Solve of each kind.
type OptContext struct {
	dev    gpu.Device
	logger *zap.Logger
	state  *C.OptState
	table  BindingTable

	source   string
	dimX     int
	dimY     int
	loaded   bool
	images   map[int]*C.ImageBinding
	problems map[string]*C.Problem
	pinner   runtime.Pinner
}

// NewOptContext creates an Opt solver state.
func NewOptContext(dev gpu.Device, logger *zap.Logger) (*OptContext, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	state := C.Opt_NewState()
	if state == nil {
		return nil, errors.New("failed to create Opt state")
	}
	return &OptContext{
		dev:      dev,
		logger:   logger.Named("solver.opt"),
		state:    state,
		images:   make(map[int]*C.ImageBinding),
		problems: make(map[string]*C.Problem),
	}, nil
}

func (c *OptContext) LoadProblem(source string, dimX, dimY int) error {
	if c.state == nil {
		return errors.New("solver context is closed")
	}
	c.release()
	if dimX <= 0 || dimY <= 0 {
		return fmt.Errorf("loading %s: invalid variable dimensions %dx%d", source, dimX, dimY)
	}
	if err := checkSourceFile(source); err != nil {
		return err
	}
	c.source = source
	c.dimX, c.dimY = dimX, dimY
	c.loaded = true
	return nil
}

func (c *OptContext) Bind(region Region) (*Binding, error) {
	if !c.loaded {
		return nil, fmt.Errorf("%w: %w", ErrBinding, ErrNoProblem)
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}
	if err := checkUnknownShape(&c.table, region, c.dimX, c.dimY); err != nil {
		return nil, err
	}

	var data unsafe.Pointer
	switch region.Location {
	case Host:
		c.pinner.Pin(&region.Host[0])
		data = unsafe.Pointer(&region.Host[0])
	case Device:
		data = unsafe.Pointer(uintptr(region.Ptr))
	}
	handle := C.Opt_ImageBind(c.state, data, C.uint64_t(region.ElemSize), C.uint64_t(region.Stride))
	if handle == nil {
		return nil, fmt.Errorf("%w: Opt_ImageBind failed for %s region %dx%d", ErrBinding, region.Location, region.Width, region.Height)
	}

	b := c.table.Add(region)
	c.images[b.ID] = handle
	return b, nil
}

func (c *OptContext) Solve(params string) (Status, error) {
	if !c.loaded {
		return Status{}, ErrNoProblem
	}
	kind, _, _ := strings.Cut(params, ":")
	if kind == "" {
		return Status{}, fmt.Errorf("parameter string %q names no solver kind", params)
	}

	problem, err := c.define(kind)
	if err != nil {
		return Status{}, err
	}

	location := Device
	if strings.HasSuffix(kind, "CPU") {
		location = Host
	}
	views := c.table.At(location)
	if len(views) == 0 {
		return Status{}, fmt.Errorf("%w: no %s images bound", ErrBinding, location)
	}

	dims := [2]C.uint64_t{C.uint64_t(c.dimX), C.uint64_t(c.dimY)}
	plan := C.Opt_ProblemPlan(c.state, problem, &dims[0])
	if plan == nil {
		return Status{}, fmt.Errorf("planning %s with %s failed", c.source, kind)
	}
	defer C.Opt_PlanFree(c.state, plan)

	handles := (**C.ImageBinding)(C.malloc(C.size_t(len(views)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(handles))
	list := unsafe.Slice(handles, len(views))
	for i, b := range views {
		list[i] = c.images[b.ID]
	}

	C.Opt_ProblemSolve(c.state, plan, handles, nil)
	c.logger.Debug("Solve finished", zap.String("kind", kind), zap.String("source", c.source))
	return Status{Converged: true, Cost: math.NaN(), Reason: "completed", Location: location}, nil
}

// Close releases every binding and the Opt state.
func (c *OptContext) Close() error {
	if c.state == nil {
		return nil
	}
	c.release()
	C.Opt_DeleteState(c.state)
	c.state = nil
	return nil
}

func (c *OptContext) define(kind string) (*C.Problem, error) {
	if p, ok := c.problems[kind]; ok {
		return p, nil
	}
	filename := C.CString(c.source)
	defer C.free(unsafe.Pointer(filename))
	ckind := C.CString(kind)
	defer C.free(unsafe.Pointer(ckind))

	var code C.int
	p := C.Opt_ProblemDefine(c.state, filename, ckind, &code)
	if p == nil || code != 0 {
		return nil, fmt.Errorf("%w: defining %s as %s (code %d)", ErrProgramNotFound, c.source, kind, int(code))
	}
	c.problems[kind] = p
	return p, nil
}

func (c *OptContext) release() {
	for id, handle := range c.images {
		C.Opt_ImageFree(c.state, handle)
		delete(c.images, id)
	}
	for kind, p := range c.problems {
		C.Opt_ProblemDelete(c.state, p)
		delete(c.problems, kind)
	}
	c.pinner.Unpin()
	c.table.Reset()
	c.loaded = false
}
