//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fxnlabs/optbench/internal/metrics"
	"go.uber.org/zap"
)

// CUDADevice implements Device using the NVIDIA CUDA runtime
type CUDADevice struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	available   bool
	deviceInfo  DeviceInfo
	live        map[DevicePtr]int
}

// NewCUDADevice creates a new CUDA device instance
func NewCUDADevice(logger *zap.Logger) *CUDADevice {
	device := &CUDADevice{
		logger: logger,
		live:   make(map[DevicePtr]int),
	}

	// Check if CUDA is available
	var count C.int
	if result := C.cudaGetDeviceCount(&count); result != C.cudaSuccess || count == 0 {
		logger.Warn("CUDA device not available", zap.String("error", cudaErrorString(result)))
		device.available = false
	} else {
		device.available = true
	}

	return device
}

// Initialize prepares the CUDA device for use
func (c *CUDADevice) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return fmt.Errorf("CUDA device not available")
	}
	if c.initialized {
		return nil
	}

	c.logger.Debug("Initializing CUDA device")

	if result := C.cudaSetDevice(0); result != C.cudaSuccess {
		return fmt.Errorf("failed to initialize CUDA: %v", cudaErrorString(result))
	}

	var props C.struct_cudaDeviceProp
	if result := C.cudaGetDeviceProperties(&props, 0); result != C.cudaSuccess {
		return fmt.Errorf("failed to get device info: %v", cudaErrorString(result))
	}

	var free, total C.size_t
	if result := C.cudaMemGetInfo(&free, &total); result != C.cudaSuccess {
		return fmt.Errorf("failed to get memory info: %v", cudaErrorString(result))
	}

	var runtimeVersion, driverVersion C.int
	C.cudaRuntimeGetVersion(&runtimeVersion)
	C.cudaDriverGetVersion(&driverVersion)

	c.deviceInfo = DeviceInfo{
		Name:              C.GoString(&props.name[0]),
		Kind:              "cuda",
		TotalMemory:       int64(total),
		AvailableMemory:   int64(free),
		ComputeCapability: fmt.Sprintf("%d.%d", int(props.major), int(props.minor)),
		DriverVersion:     formatCUDAVersion(int(driverVersion)),
		CUDAVersion:       formatCUDAVersion(int(runtimeVersion)),
	}

	c.initialized = true
	c.logger.Info("CUDA device initialized",
		zap.String("device", c.deviceInfo.Name),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))

	return nil
}

// Allocate reserves device memory with cudaMalloc.
func (c *CUDADevice) Allocate(bytes int) (DevicePtr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("%w: allocation of %d bytes", ErrPrecondition, bytes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, fmt.Errorf("%w: CUDA device not initialized", ErrAllocation)
	}

	var ptr unsafe.Pointer
	if result := C.cudaMalloc(&ptr, C.size_t(bytes)); result != C.cudaSuccess {
		metrics.DeviceAllocationFailures.Inc()
		return 0, fmt.Errorf("%w: cudaMalloc(%d): %s", ErrAllocation, bytes, cudaErrorString(result))
	}
	p := DevicePtr(uintptr(ptr))
	c.live[p] = bytes
	metrics.DeviceBytesInUse.Add(float64(bytes))
	return p, nil
}

// Free releases memory with cudaFree.
func (c *CUDADevice) Free(ptr DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytes, ok := c.live[ptr]
	if !ok {
		return fmt.Errorf("%w: free of unknown pointer %s", ErrDevice, ptr)
	}
	if result := C.cudaFree(devicePointer(ptr)); result != C.cudaSuccess {
		return fmt.Errorf("%w: cudaFree: %s", ErrDevice, cudaErrorString(result))
	}
	delete(c.live, ptr)
	metrics.DeviceBytesInUse.Sub(float64(bytes))
	return nil
}

// CopyToDevice performs a blocking host-to-device cudaMemcpy.
func (c *CUDADevice) CopyToDevice(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	result := C.cudaMemcpy(devicePointer(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice)
	if result != C.cudaSuccess {
		return fmt.Errorf("%w: cudaMemcpy host to device: %s", ErrDevice, cudaErrorString(result))
	}
	metrics.DeviceTransferBytes.WithLabelValues("host_to_device").Add(float64(len(src)))
	return nil
}

// CopyToHost performs a blocking device-to-host cudaMemcpy.
func (c *CUDADevice) CopyToHost(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	result := C.cudaMemcpy(unsafe.Pointer(&dst[0]), devicePointer(src), C.size_t(len(dst)), C.cudaMemcpyDeviceToHost)
	if result != C.cudaSuccess {
		return fmt.Errorf("%w: cudaMemcpy device to host: %s", ErrDevice, cudaErrorString(result))
	}
	metrics.DeviceTransferBytes.WithLabelValues("device_to_host").Add(float64(len(dst)))
	return nil
}

// Memset fills device memory with cudaMemset.
func (c *CUDADevice) Memset(ptr DevicePtr, value byte, bytes int) error {
	if result := C.cudaMemset(devicePointer(ptr), C.int(value), C.size_t(bytes)); result != C.cudaSuccess {
		return fmt.Errorf("%w: cudaMemset: %s", ErrDevice, cudaErrorString(result))
	}
	return nil
}

// GetDeviceInfo returns information about the CUDA device
func (c *CUDADevice) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

// IsAvailable checks if CUDA is available
func (c *CUDADevice) IsAvailable() bool {
	return c.available
}

// Cleanup releases outstanding allocations and resets the device
func (c *CUDADevice) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}

	c.logger.Debug("Cleaning up CUDA device", zap.Int("live_allocations", len(c.live)))
	for ptr, bytes := range c.live {
		C.cudaFree(devicePointer(ptr))
		metrics.DeviceBytesInUse.Sub(float64(bytes))
	}
	c.live = make(map[DevicePtr]int)

	if result := C.cudaDeviceReset(); result != C.cudaSuccess {
		return fmt.Errorf("failed to cleanup CUDA: %v", cudaErrorString(result))
	}
	c.initialized = false
	return nil
}

// devicePointer converts a device address back into the pointer cgo expects.
func devicePointer(p DevicePtr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p)) //nolint:govet // device address, never dereferenced by Go
}

// cudaErrorString converts CUDA error code to string
func cudaErrorString(err C.cudaError_t) string {
	return C.GoString(C.cudaGetErrorString(err))
}

func formatCUDAVersion(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}
