package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when device memory cannot be obtained.
	ErrAllocation = errors.New("device allocation failed")
	// ErrDevice is returned when a device copy, memset or free fails.
	ErrDevice = errors.New("device operation failed")
	// ErrPrecondition signals misuse of an allocation contract. It is a programmer error.
	ErrPrecondition = errors.New("precondition violated")
)

// DevicePtr is an address in device memory. The zero value is the null pointer.
type DevicePtr uintptr

// IsNull reports whether p is the null device pointer.
func (p DevicePtr) IsNull() bool {
	return p == 0
}

func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// DeviceInfo contains information about the compute device
type DeviceInfo struct {
	Name              string `json:"name" yaml:"name"`
	Kind              string `json:"kind" yaml:"kind"`
	TotalMemory       int64  `json:"totalMemory" yaml:"totalMemory"`         // in bytes
	AvailableMemory   int64  `json:"availableMemory" yaml:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability" yaml:"computeCapability"`
	DriverVersion     string `json:"driverVersion" yaml:"driverVersion"`
	CUDAVersion       string `json:"cudaVersion,omitempty" yaml:"cudaVersion,omitempty"`
}

// Device is the device memory boundary used by buffers and images.
// It hides whether memory lives on a CUDA device or is emulated in host RAM.
//
// Implementation notes:
// - Every transfer is blocking; when a copy returns the data is in place
// - Allocations never alias each other
// - Failures wrap ErrAllocation (Allocate) or ErrDevice (everything else)
// - Cleanup must release every allocation still held by the device
type Device interface {
	// Allocate reserves bytes of device memory and returns its address.
	Allocate(bytes int) (DevicePtr, error)

	// Free releases memory returned by Allocate.
	Free(ptr DevicePtr) error

	// CopyToDevice copies len(src) bytes from host memory to dst.
	CopyToDevice(dst DevicePtr, src []byte) error

	// CopyToHost copies len(dst) bytes from src to host memory.
	CopyToHost(dst []byte, src DevicePtr) error

	// Memset sets bytes of device memory starting at ptr to value.
	Memset(ptr DevicePtr, value byte, bytes int) error

	// GetDeviceInfo returns information about the device
	GetDeviceInfo() DeviceInfo

	// IsAvailable checks if the device is available for use
	// This should perform a quick check without heavy initialization
	IsAvailable() bool

	// Initialize prepares the device for use
	// Should be called once before first use
	Initialize() error

	// Cleanup releases any resources held by the device
	Cleanup() error
}
