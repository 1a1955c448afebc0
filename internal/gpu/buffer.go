package gpu

import (
	"fmt"
	"unsafe"

	"github.com/fxnlabs/optbench/internal/metrics"
)

// Element is the set of fixed-size types a Buffer can hold.
type Element interface {
	~float32 | ~float64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Buffer is a device-resident array of T with a grow-only allocation.
//
// The allocation is only replaced when a request exceeds the current
// capacity, and replacing it DISCARDS ALL CONTENT, including the elements
// below the previous length. Buffer never offers a content-preserving resize:
// callers that grow a buffer must upload its contents again.
//
// Shrinking or same-size requests reuse the existing allocation, so the
// device pointer stays stable and anything bound to it remains valid.
type Buffer[T Element] struct {
	dev           Device
	ptr           DevicePtr
	capacity      int
	size          int
	reallocations int
}

// NewBuffer returns an empty buffer on dev. No device memory is allocated.
func NewBuffer[T Element](dev Device) *Buffer[T] {
	return &Buffer[T]{dev: dev}
}

// Len returns the current element count.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the number of elements the allocation can hold.
func (b *Buffer[T]) Cap() int { return b.capacity }

// Ptr returns the device address. It is null iff Cap() == 0.
func (b *Buffer[T]) Ptr() DevicePtr { return b.ptr }

// Reallocations returns how many times the allocation has been replaced.
func (b *Buffer[T]) Reallocations() int { return b.reallocations }

// ElemSize returns the size of T in bytes.
func (b *Buffer[T]) ElemSize() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// DestructiveResize sets the length to count. If count exceeds the
// capacity, a new allocation of exactly count elements replaces the old one
// and every previous element is lost. Otherwise the allocation is reused and
// elements past the previous length hold stale data.
//
// On an allocation failure the buffer keeps its previous allocation,
// capacity and length, and the returned error wraps ErrAllocation.
// The new region is allocated before the old one is freed, so a growing
// call briefly holds both: peak usage is the old plus the new capacity,
// and a growth that would fit after freeing can still fail near the
// device limit.
func (b *Buffer[T]) DestructiveResize(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative element count %d", ErrPrecondition, count)
	}
	if count > b.capacity {
		ptr, err := b.dev.Allocate(count * b.ElemSize())
		if err != nil {
			return fmt.Errorf("growing buffer from %d to %d elements: %w", b.capacity, count, err)
		}
		if !b.ptr.IsNull() {
			if err := b.dev.Free(b.ptr); err != nil {
				_ = b.dev.Free(ptr)
				return fmt.Errorf("releasing buffer of %d elements: %w", b.capacity, err)
			}
		}
		b.ptr = ptr
		b.capacity = count
		b.reallocations++
		metrics.BufferReallocations.Inc()
	}
	b.size = count
	return nil
}

// Alloc sizes an empty buffer. Calling it on a buffer with a non-zero
// length is a programmer error reported as ErrPrecondition.
func (b *Buffer[T]) Alloc(count int) error {
	if b.size != 0 {
		return fmt.Errorf("%w: Alloc(%d) on buffer of length %d", ErrPrecondition, count, b.size)
	}
	return b.DestructiveResize(count)
}

// Upload resizes the buffer to len(src) and performs a blocking
// host-to-device copy of src.
func (b *Buffer[T]) Upload(src []T) error {
	if err := b.DestructiveResize(len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if err := b.dev.CopyToDevice(b.ptr, asBytes(src)); err != nil {
		return fmt.Errorf("uploading %d elements: %w", len(src), err)
	}
	return nil
}

// ReadBack resizes dst to Len() and performs a blocking device-to-host copy
// into it. The capacity of dst is reused when large enough.
func (b *Buffer[T]) ReadBack(dst []T) ([]T, error) {
	if cap(dst) >= b.size {
		dst = dst[:b.size]
	} else {
		dst = make([]T, b.size)
	}
	if b.size == 0 {
		return dst, nil
	}
	if err := b.dev.CopyToHost(asBytes(dst), b.ptr); err != nil {
		return dst, fmt.Errorf("reading back %d elements: %w", b.size, err)
	}
	return dst, nil
}

// Zero clears the first Len() elements on the device.
func (b *Buffer[T]) Zero() error {
	if b.size == 0 {
		return nil
	}
	if err := b.dev.Memset(b.ptr, 0, b.size*b.ElemSize()); err != nil {
		return fmt.Errorf("clearing %d elements: %w", b.size, err)
	}
	return nil
}

// Free releases the device allocation. Further calls are no-ops, and the
// buffer can be grown again afterwards.
func (b *Buffer[T]) Free() error {
	if b.ptr.IsNull() {
		return nil
	}
	ptr := b.ptr
	b.ptr = 0
	b.capacity = 0
	b.size = 0
	if err := b.dev.Free(ptr); err != nil {
		return fmt.Errorf("freeing buffer: %w", err)
	}
	return nil
}

// asBytes views a slice of fixed-size elements as raw bytes without copying.
func asBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// CopyElementsToHost copies len(dst) elements from device memory at src.
func CopyElementsToHost[T Element](dev Device, dst []T, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return dev.CopyToHost(asBytes(dst), src)
}

// CopyElementsToDevice copies every element of src to device memory at dst.
func CopyElementsToDevice[T Element](dev Device, dst DevicePtr, src []T) error {
	if len(src) == 0 {
		return nil
	}
	return dev.CopyToDevice(dst, asBytes(src))
}
