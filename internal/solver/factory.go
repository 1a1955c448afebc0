package solver

import (
	"fmt"

	"github.com/fxnlabs/optbench/internal/gpu"
	"go.uber.org/zap"
)

// Solver backends accepted by New.
const (
	BackendNative = "native"
	BackendOpt    = "opt"
)

// New creates a solver context of the given backend on dev.
func New(backend string, dev gpu.Device, logger *zap.Logger) (Context, error) {
	switch backend {
	case "", BackendNative:
		return NewNativeContext(dev, logger), nil
	case BackendOpt:
		ctx, err := NewOptContext(dev, logger)
		if err != nil {
			return nil, err
		}
		return ctx, nil
	default:
		return nil, fmt.Errorf("unknown solver backend %q", backend)
	}
}
