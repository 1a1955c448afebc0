//go:build !opt
// +build !opt

package solver

import (
	"errors"

	"github.com/fxnlabs/optbench/internal/gpu"
	"go.uber.org/zap"
)

// OptContext is a stub type when the Opt library is not compiled in
type OptContext struct{}

var errNoOpt = errors.New("compiled without Opt support (build with -tags opt)")

// NewOptContext always fails without the opt build tag
func NewOptContext(dev gpu.Device, logger *zap.Logger) (*OptContext, error) {
	return nil, errNoOpt
}

func (c *OptContext) LoadProblem(source string, dimX, dimY int) error { return errNoOpt }

func (c *OptContext) Bind(region Region) (*Binding, error) { return nil, errNoOpt }

func (c *OptContext) Solve(params string) (Status, error) { return Status{}, errNoOpt }

func (c *OptContext) Close() error { return nil }
