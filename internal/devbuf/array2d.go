package devbuf

import (
	"fmt"

	"kinfu-scanner/internal/device"
)

// Array2D is a typed handle over a pitched rows×cols grid of T. Rows are
// Step bytes apart; Step may exceed cols*sizeof(T) and is always a multiple
// of sizeof(T) for grids it allocates.
type Array2D[T any] struct {
	mem Memory2D
}

// NewArray2D allocates a rows×cols grid on the current device.
func NewArray2D[T any](rows, cols int) (Array2D[T], error) {
	var a Array2D[T]
	if err := a.Create(rows, cols); err != nil {
		return Array2D[T]{}, err
	}
	return a, nil
}

// Borrow2D wraps a rows×cols grid at p, stepBytes apart, owned by someone
// else.
func Borrow2D[T any](dev device.Device, rows, cols int, p device.Ptr, stepBytes int) Array2D[T] {
	return Array2D[T]{mem: BorrowMemory2D(dev, rows, cols*ElemSize[T](), p, stepBytes)}
}

// OnDevice2D returns an empty grid bound to dev.
func OnDevice2D[T any](dev device.Device) Array2D[T] {
	return Array2D[T]{mem: Memory2D{dev: dev}}
}

// Create makes the grid exactly rows×cols. Content is discarded unless the
// extent is unchanged.
func (a *Array2D[T]) Create(rows, cols int) error {
	if rows < 0 || cols < 0 {
		return fmt.Errorf("devbuf: create %dx%d elements: %w", rows, cols, device.ErrInvalidSize)
	}
	es := ElemSize[T]()
	return a.mem.create(rows, cols*es, es)
}

// Release drops this handle's reference.
func (a *Array2D[T]) Release() { a.mem.Release() }

// Share returns a new handle aliasing the same grid.
func (a Array2D[T]) Share() Array2D[T] { return Array2D[T]{mem: a.mem.Share()} }

// Assign makes a an alias of other, releasing what a held before.
func (a *Array2D[T]) Assign(other Array2D[T]) { a.mem.Assign(other.mem) }

// CopyTo copies the grid into dst, resizing it first if needed.
func (a Array2D[T]) CopyTo(dst *Array2D[T]) error { return a.mem.copyTo(&dst.mem, ElemSize[T]()) }

// Upload sizes the grid to rows×cols and copies it from src, whose rows
// are srcStep elements apart.
func (a *Array2D[T]) Upload(src []T, srcStep, rows, cols int) error {
	es := ElemSize[T]()
	return a.mem.upload(sliceBytes(src), srcStep*es, rows, cols*es, es)
}

// Download copies the grid into dst, whose rows are dstStep elements apart.
func (a Array2D[T]) Download(dst []T, dstStep int) error {
	es := ElemSize[T]()
	return a.mem.Download(sliceBytes(dst), dstStep*es)
}

// DownloadSlice returns a tightly packed copy of the grid along with its
// column count.
func (a Array2D[T]) DownloadSlice() ([]T, int, error) {
	rows, cols := a.Rows(), a.Cols()
	out := make([]T, rows*cols)
	if err := a.Download(out, cols); err != nil {
		return nil, 0, err
	}
	return out, cols, nil
}

// Window returns a Borrowed rows×cols view starting at (row, col). The view
// keeps the parent's stride and must not outlive the parent's allocation.
func (a Array2D[T]) Window(row, col, rows, cols int) (Array2D[T], error) {
	es := ElemSize[T]()
	w, err := a.mem.Window(row, col*es, rows, cols*es)
	if err != nil {
		return Array2D[T]{}, err
	}
	return Array2D[T]{mem: w}, nil
}

// Swap exchanges the state of two handles.
func (a *Array2D[T]) Swap(other *Array2D[T]) { a.mem.Swap(&other.mem) }

// Ptr returns the device address of the first element of row y.
func (a Array2D[T]) Ptr(y int) device.Ptr { return a.mem.Ptr(y) }

// Rows returns the number of rows.
func (a Array2D[T]) Rows() int { return a.mem.Rows() }

// Cols returns the number of elements per row.
func (a Array2D[T]) Cols() int { return a.mem.ColsBytes() / ElemSize[T]() }

// Step returns the row stride in bytes.
func (a Array2D[T]) Step() int { return a.mem.Step() }

// ElemStep returns the row stride in elements.
func (a Array2D[T]) ElemStep() int { return a.mem.Step() / ElemSize[T]() }

// Empty reports whether the grid holds no memory.
func (a Array2D[T]) Empty() bool { return a.mem.Empty() }

// Ownership returns the ownership mode of the handle.
func (a Array2D[T]) Ownership() Ownership { return a.mem.Ownership() }

// RefCount returns the number of Owned handles sharing the allocation.
func (a Array2D[T]) RefCount() int { return a.mem.RefCount() }

// Device returns the device the grid lives on.
func (a Array2D[T]) Device() device.Device { return a.mem.Device() }

// Memory returns the untyped handle behind a. It does not take a reference.
func (a Array2D[T]) Memory() Memory2D { return a.mem }

// SameSize reports whether a and b have the same extent.
func (a Array2D[T]) SameSize(rows, cols int) bool {
	return a.Rows() == rows && a.Cols() == cols
}
