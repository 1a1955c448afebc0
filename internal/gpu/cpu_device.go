package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/fxnlabs/optbench/internal/metrics"
	"go.uber.org/zap"
)

const (
	// cpuBaseAddress is the first address handed out by the CPU device.
	cpuBaseAddress = 0x100000
	// cpuAlignment matches the allocation granularity of cudaMalloc.
	cpuAlignment = 256
)

// CPUDevice implements Device by emulating device memory in host RAM.
// Each allocation gets its own address range so pointers never alias.
type CPUDevice struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	initialized bool
	memoryLimit int64

	next        uintptr
	allocations map[DevicePtr][]byte
	bytesInUse  int64
	allocCount  int
	freeCount   int
}

// NewCPUDevice creates a new CPU device. A memoryLimit of zero means unlimited.
func NewCPUDevice(logger *zap.Logger, memoryLimit int64) *CPUDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CPUDevice{
		logger:      logger,
		memoryLimit: memoryLimit,
		next:        cpuBaseAddress,
		allocations: make(map[DevicePtr][]byte),
	}
}

// Initialize prepares the CPU device for use
func (c *CPUDevice) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.logger.Info("CPU device initialized", zap.Int64("memory_limit", c.memoryLimit))
	return nil
}

// Cleanup releases every allocation still held by the device.
func (c *CPUDevice) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.allocations) > 0 {
		c.logger.Warn("Releasing leaked device allocations", zap.Int("count", len(c.allocations)), zap.Int64("bytes", c.bytesInUse))
	}
	metrics.DeviceBytesInUse.Sub(float64(c.bytesInUse))
	c.allocations = make(map[DevicePtr][]byte)
	c.bytesInUse = 0
	c.initialized = false
	return nil
}

// IsAvailable checks if the device is available (always true for CPU)
func (c *CPUDevice) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for the emulated device
func (c *CPUDevice) GetDeviceInfo() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.memoryLimit
	if total == 0 {
		total = getTotalSystemMemory()
	}
	return DeviceInfo{
		Name:              fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Kind:              "cpu",
		TotalMemory:       total,
		AvailableMemory:   total - c.bytesInUse,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
	}
}

// Allocate reserves bytes of emulated device memory.
func (c *CPUDevice) Allocate(bytes int) (DevicePtr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("%w: allocation of %d bytes", ErrPrecondition, bytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, fmt.Errorf("%w: CPU device not initialized", ErrAllocation)
	}
	if c.memoryLimit > 0 && c.bytesInUse+int64(bytes) > c.memoryLimit {
		metrics.DeviceAllocationFailures.Inc()
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocation, bytes, c.bytesInUse, c.memoryLimit)
	}

	ptr := DevicePtr(c.next)
	c.next += uintptr(alignUp(bytes, cpuAlignment) + cpuAlignment)
	c.allocations[ptr] = make([]byte, bytes)
	c.bytesInUse += int64(bytes)
	c.allocCount++
	metrics.DeviceBytesInUse.Add(float64(bytes))
	return ptr, nil
}

// Free releases an allocation.
func (c *CPUDevice) Free(ptr DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem, ok := c.allocations[ptr]
	if !ok {
		return fmt.Errorf("%w: free of unknown pointer %s", ErrDevice, ptr)
	}
	delete(c.allocations, ptr)
	c.bytesInUse -= int64(len(mem))
	c.freeCount++
	metrics.DeviceBytesInUse.Sub(float64(len(mem)))
	return nil
}

// CopyToDevice copies host bytes into an allocation.
func (c *CPUDevice) CopyToDevice(dst DevicePtr, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem, err := c.lookup(dst, len(src))
	if err != nil {
		return err
	}
	copy(mem, src)
	metrics.DeviceTransferBytes.WithLabelValues("host_to_device").Add(float64(len(src)))
	return nil
}

// CopyToHost copies bytes from an allocation into host memory.
func (c *CPUDevice) CopyToHost(dst []byte, src DevicePtr) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mem, err := c.lookup(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, mem)
	metrics.DeviceTransferBytes.WithLabelValues("device_to_host").Add(float64(len(dst)))
	return nil
}

// Memset fills the first bytes of an allocation with value.
func (c *CPUDevice) Memset(ptr DevicePtr, value byte, bytes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem, err := c.lookup(ptr, bytes)
	if err != nil {
		return err
	}
	for i := range mem[:bytes] {
		mem[i] = value
	}
	return nil
}

// BytesInUse returns the number of bytes currently allocated.
func (c *CPUDevice) BytesInUse() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesInUse
}

// LiveAllocations returns the number of allocations not yet freed.
func (c *CPUDevice) LiveAllocations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.allocations)
}

// AllocationCount returns the number of successful Allocate calls.
func (c *CPUDevice) AllocationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allocCount
}

// lookup returns the allocation starting at ptr. Caller holds mu.
func (c *CPUDevice) lookup(ptr DevicePtr, bytes int) ([]byte, error) {
	if !c.initialized {
		return nil, fmt.Errorf("%w: CPU device not initialized", ErrDevice)
	}
	mem, ok := c.allocations[ptr]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device pointer %s", ErrDevice, ptr)
	}
	if bytes < 0 || bytes > len(mem) {
		return nil, fmt.Errorf("%w: %d bytes out of range for allocation of %d at %s", ErrDevice, bytes, len(mem), ptr)
	}
	return mem, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// getTotalSystemMemory returns the memory reported for an unlimited CPU device
func getTotalSystemMemory() int64 {
	// Return a default value for now
	// In a real implementation, this would query system memory
	return 8 * 1024 * 1024 * 1024 // 8GB
}
