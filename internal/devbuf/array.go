package devbuf

import (
	"fmt"
	"unsafe"

	"kinfu-scanner/internal/device"
)

// Array is a typed handle over a contiguous run of T in device memory.
// The zero value is an empty Owned handle bound to the current device.
type Array[T any] struct {
	mem Memory
}

// ElemSize returns the size of T in bytes.
func ElemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// NewArray allocates n elements on the current device.
func NewArray[T any](n int) (Array[T], error) {
	var a Array[T]
	if err := a.Create(n); err != nil {
		return Array[T]{}, err
	}
	return a, nil
}

// Borrow wraps n elements at p owned by someone else.
func Borrow[T any](dev device.Device, p device.Ptr, n int) Array[T] {
	return Array[T]{mem: BorrowMemory(dev, p, n*ElemSize[T]())}
}

// OnDevice returns an empty handle bound to dev.
func OnDevice[T any](dev device.Device) Array[T] {
	return Array[T]{mem: Memory{dev: dev}}
}

// Create makes the array hold exactly n elements. Content is discarded
// unless n matches the current length.
func (a *Array[T]) Create(n int) error {
	if n < 0 {
		return fmt.Errorf("devbuf: create %d elements: %w", n, device.ErrInvalidSize)
	}
	return a.mem.Create(n * ElemSize[T]())
}

// Release drops this handle's reference.
func (a *Array[T]) Release() { a.mem.Release() }

// Share returns a new handle aliasing the same elements.
func (a Array[T]) Share() Array[T] { return Array[T]{mem: a.mem.Share()} }

// Assign makes a an alias of other, releasing what a held before.
func (a *Array[T]) Assign(other Array[T]) { a.mem.Assign(other.mem) }

// CopyTo copies the elements into dst, resizing it first if needed.
func (a Array[T]) CopyTo(dst *Array[T]) error { return a.mem.CopyTo(&dst.mem) }

// Upload sizes the array to len(src) and copies src into it.
func (a *Array[T]) Upload(src []T) error {
	return a.mem.Upload(sliceBytes(src))
}

// Download copies the elements into dst, which must have room for Len
// elements.
func (a Array[T]) Download(dst []T) error {
	if len(dst) < a.Len() {
		return fmt.Errorf("%w: %d elements for %d", ErrShortBuffer, len(dst), a.Len())
	}
	return a.mem.Download(sliceBytes(dst))
}

// DownloadSlice returns a freshly allocated copy of the elements.
func (a Array[T]) DownloadSlice() ([]T, error) {
	out := make([]T, a.Len())
	if err := a.Download(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Swap exchanges the state of two handles.
func (a *Array[T]) Swap(other *Array[T]) { a.mem.Swap(&other.mem) }

// Ptr returns the device address of the first element.
func (a Array[T]) Ptr() device.Ptr { return a.mem.Ptr() }

// Len returns the number of elements.
func (a Array[T]) Len() int { return a.mem.Size() / ElemSize[T]() }

// SizeBytes returns the size in bytes.
func (a Array[T]) SizeBytes() int { return a.mem.Size() }

// Empty reports whether the array holds no memory.
func (a Array[T]) Empty() bool { return a.mem.Empty() }

// Ownership returns the ownership mode of the handle.
func (a Array[T]) Ownership() Ownership { return a.mem.Ownership() }

// RefCount returns the number of Owned handles sharing the allocation.
func (a Array[T]) RefCount() int { return a.mem.RefCount() }

// Device returns the device the elements live on.
func (a Array[T]) Device() device.Device { return a.mem.Device() }

// Memory returns the untyped handle behind a. It does not take a reference.
func (a Array[T]) Memory() Memory { return a.mem }

// sliceBytes views s as raw bytes.
func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*ElemSize[T]())
}
