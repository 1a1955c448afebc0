//go:build !cuda
// +build !cuda

package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// CUDADevice is a stub type when CUDA is not compiled in
type CUDADevice struct {
	logger *zap.Logger
}

// NewCUDADevice returns a device that always reports itself unavailable
func NewCUDADevice(logger *zap.Logger) *CUDADevice {
	return &CUDADevice{logger: logger}
}

var errNoCUDA = fmt.Errorf("%w: compiled without CUDA support", ErrDevice)

// Stub implementations to satisfy the Device interface
func (c *CUDADevice) Allocate(bytes int) (DevicePtr, error) {
	return 0, fmt.Errorf("%w: compiled without CUDA support", ErrAllocation)
}

func (c *CUDADevice) Free(ptr DevicePtr) error { return errNoCUDA }

func (c *CUDADevice) CopyToDevice(dst DevicePtr, src []byte) error { return errNoCUDA }

func (c *CUDADevice) CopyToHost(dst []byte, src DevicePtr) error { return errNoCUDA }

func (c *CUDADevice) Memset(ptr DevicePtr, value byte, bytes int) error { return errNoCUDA }

func (c *CUDADevice) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{Name: "CUDA not available", Kind: "cuda"}
}

func (c *CUDADevice) IsAvailable() bool {
	return false
}

func (c *CUDADevice) Initialize() error {
	return errNoCUDA
}

func (c *CUDADevice) Cleanup() error {
	return nil
}
