// Package dataimage provides 2D float images with a host mirror and a
// device mirror that can be bound into a solver context.
//
// The host mirror is the source of truth. Nothing is synchronised
// implicitly: callers push host edits with SyncToDevice before solving and
// pull solver results with SyncFromDevice.
package dataimage

import (
	"fmt"

	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/solver"
)

// ElemSize is the size of one pixel in bytes.
const ElemSize = 4

// Image is a row-major width by height grid of float32.
type Image struct {
	width  int
	height int
	host   []float32
	device *gpu.Buffer[float32]

	cpuBinding *solver.Binding
	gpuBinding *solver.Binding
}

// New returns an unallocated image whose device mirror lives on dev.
func New(dev gpu.Device) *Image {
	return &Image{device: gpu.NewBuffer[float32](dev)}
}

// Allocate fixes the dimensions and zero-initialises both mirrors.
// An image can only be allocated once.
func (im *Image) Allocate(width, height int) error {
	if im.host != nil {
		return fmt.Errorf("%w: image already allocated as %dx%d", gpu.ErrPrecondition, im.width, im.height)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid image dimensions %dx%d", gpu.ErrPrecondition, width, height)
	}
	if err := im.device.DestructiveResize(width * height); err != nil {
		return err
	}
	if err := im.device.Zero(); err != nil {
		return err
	}
	im.width, im.height = width, height
	im.host = make([]float32, width*height)
	return nil
}

// Width returns the number of columns.
func (im *Image) Width() int { return im.width }

// Height returns the number of rows.
func (im *Image) Height() int { return im.height }

// At returns the host value at (x, y). Bounds are not checked: out of
// range coordinates read a different pixel or panic.
func (im *Image) At(x, y int) float32 {
	return im.host[y*im.width+x]
}

// Set writes v to the host mirror at (x, y). Bounds are not checked.
func (im *Image) Set(x, y int, v float32) {
	im.host[y*im.width+x] = v
}

// Ref returns a pointer to the host value at (x, y). Bounds are not checked.
func (im *Image) Ref(x, y int) *float32 {
	return &im.host[y*im.width+x]
}

// Data returns the host mirror. Writes through it are host edits.
func (im *Image) Data() []float32 {
	return im.host
}

// SyncToDevice uploads the whole host mirror to the device mirror.
// The size never changes, so the device pointer and its bindings stay valid.
func (im *Image) SyncToDevice() error {
	if im.host == nil {
		return fmt.Errorf("%w: sync of unallocated image", gpu.ErrPrecondition)
	}
	return im.device.Upload(im.host)
}

// SyncFromDevice overwrites the host mirror with the device mirror.
func (im *Image) SyncFromDevice() error {
	if im.host == nil {
		return fmt.Errorf("%w: sync of unallocated image", gpu.ErrPrecondition)
	}
	host, err := im.device.ReadBack(im.host)
	if err != nil {
		return err
	}
	im.host = host
	return nil
}

// ReadDevice copies the device mirror into dst without touching the host mirror.
func (im *Image) ReadDevice(dst []float32) ([]float32, error) {
	return im.device.ReadBack(dst)
}

// Bind registers the host mirror and then the device mirror with ctx.
// Both views have a row stride of Width()*4 bytes.
func (im *Image) Bind(ctx solver.Context) error {
	if im.host == nil {
		return fmt.Errorf("%w: binding an unallocated image", gpu.ErrPrecondition)
	}
	stride := im.width * ElemSize

	cpu, err := ctx.Bind(solver.Region{
		Location: solver.Host,
		Host:     im.host,
		Width:    im.width,
		Height:   im.height,
		ElemSize: ElemSize,
		Stride:   stride,
	})
	if err != nil {
		return fmt.Errorf("binding host view: %w", err)
	}
	gpuView, err := ctx.Bind(solver.Region{
		Location: solver.Device,
		Ptr:      im.device.Ptr(),
		Width:    im.width,
		Height:   im.height,
		ElemSize: ElemSize,
		Stride:   stride,
	})
	if err != nil {
		return fmt.Errorf("binding device view: %w", err)
	}

	im.cpuBinding, im.gpuBinding = cpu, gpuView
	return nil
}

// CPUBinding returns the host view handle from the last Bind, or nil.
func (im *Image) CPUBinding() *solver.Binding { return im.cpuBinding }

// GPUBinding returns the device view handle from the last Bind, or nil.
func (im *Image) GPUBinding() *solver.Binding { return im.gpuBinding }

// DevicePtr returns the address of the device mirror.
func (im *Image) DevicePtr() gpu.DevicePtr { return im.device.Ptr() }

// Free releases the device mirror and drops the bindings. The image cannot
// be used afterwards.
func (im *Image) Free() error {
	im.cpuBinding, im.gpuBinding = nil, nil
	return im.device.Free()
}
