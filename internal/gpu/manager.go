package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Backend preferences accepted by NewManager.
const (
	BackendAuto = "auto"
	BackendCPU  = "cpu"
	BackendCUDA = "cuda"
)

// Options configures device selection.
type Options struct {
	// Backend is one of BackendAuto, BackendCPU or BackendCUDA.
	Backend string
	// MemoryLimit caps the CPU device in bytes. Zero means unlimited.
	MemoryLimit int64
}

// Manager handles device selection and lifecycle
type Manager struct {
	device Device
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager creates a new manager and selects a device according to opts
func NewManager(logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("gpu.manager"),
	}

	if err := m.detectAndInitialize(opts); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize detects available devices and initializes the best one
func (m *Manager) detectAndInitialize(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch opts.Backend {
	case "", BackendAuto, BackendCUDA:
	case BackendCPU:
		return m.initializeCPU(opts)
	default:
		return fmt.Errorf("unknown device backend %q", opts.Backend)
	}

	cudaDevice := NewCUDADevice(m.logger)
	if cudaDevice.IsAvailable() {
		if err := cudaDevice.Initialize(); err == nil {
			m.device = cudaDevice
			m.logger.Info("Using CUDA device", zap.String("device", cudaDevice.GetDeviceInfo().Name))
			return nil
		} else if opts.Backend == BackendCUDA {
			_ = cudaDevice.Cleanup()
			return fmt.Errorf("failed to initialize CUDA device: %w", err)
		}
		// If initialization failed, try cleanup
		_ = cudaDevice.Cleanup()
	} else if opts.Backend == BackendCUDA {
		return fmt.Errorf("CUDA device requested but not available")
	}

	// Fall back to CPU
	return m.initializeCPU(opts)
}

func (m *Manager) initializeCPU(opts Options) error {
	cpuDevice := NewCPUDevice(m.logger.Named("cpu"), opts.MemoryLimit)
	if err := cpuDevice.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CPU device: %w", err)
	}
	m.device = cpuDevice
	m.logger.Info("Using CPU device (no GPU selected)")
	return nil
}

// GetDevice returns the current device
func (m *Manager) GetDevice() Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// GetDeviceInfo returns device information from the current device
func (m *Manager) GetDeviceInfo() DeviceInfo {
	device := m.GetDevice()
	if device == nil {
		return DeviceInfo{Name: "No device available"}
	}
	return device.GetDeviceInfo()
}

// IsGPUAvailable returns true if a real GPU device is active
func (m *Manager) IsGPUAvailable() bool {
	device := m.GetDevice()
	if device == nil {
		return false
	}
	_, isCPU := device.(*CPUDevice)
	return !isCPU
}

// GetBackendType returns a string describing the current device type
func (m *Manager) GetBackendType() string {
	device := m.GetDevice()
	if device == nil {
		return "none"
	}
	if _, isCPU := device.(*CPUDevice); isCPU {
		return BackendCPU
	}
	return BackendCUDA
}

// Cleanup releases resources held by the current device
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if err := m.device.Cleanup(); err != nil {
			return err
		}
		m.device = nil
	}
	return nil
}
