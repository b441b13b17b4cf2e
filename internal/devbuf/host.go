package devbuf

import (
	"fmt"
	"unsafe"

	"kinfu-scanner/internal/device"
)

// Grid is a CPU view of a pitched device grid. Rows alias device memory.
type Grid[T any] struct {
	raw       []byte
	step      int
	rows      int
	cols      int
	colsBytes int
}

// Rows returns the number of rows.
func (g Grid[T]) Rows() int { return g.rows }

// Cols returns the number of elements per row.
func (g Grid[T]) Cols() int { return g.cols }

// Row returns row y.
func (g Grid[T]) Row(y int) []T {
	off := y * g.step
	return bytesAs[T](g.raw[off : off+g.colsBytes])
}

// At returns a pointer to the element at (y, x).
func (g Grid[T]) At(y, x int) *T { return &g.Row(y)[x] }

// HostSlice returns the elements of a as a slice aliasing device memory.
// It fails with ErrNoHostAccess unless the device is host addressable.
func HostSlice[T any](a Array[T]) ([]T, error) {
	if a.Empty() {
		return nil, nil
	}
	hm, ok := a.Device().(device.HostMemory)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHostAccess, a.Device().Info().Name)
	}
	b, err := hm.Bytes(a.Ptr(), a.SizeBytes())
	if err != nil {
		return nil, err
	}
	return bytesAs[T](b), nil
}

// HostGrid returns a CPU view of a aliasing device memory.
func HostGrid[T any](a Array2D[T]) (Grid[T], error) {
	g := Grid[T]{rows: a.Rows(), cols: a.Cols(), step: a.Step(), colsBytes: a.Cols() * ElemSize[T]()}
	if a.Empty() {
		g.rows, g.cols = 0, 0
		return g, nil
	}
	hm, ok := a.Device().(device.HostMemory)
	if !ok {
		return Grid[T]{}, fmt.Errorf("%w: %s", ErrNoHostAccess, a.Device().Info().Name)
	}
	b, err := hm.Bytes(a.Ptr(0), g.step*(g.rows-1)+g.colsBytes)
	if err != nil {
		return Grid[T]{}, err
	}
	g.raw = b
	return g, nil
}

func bytesAs[T any](b []byte) []T {
	es := ElemSize[T]()
	if len(b) < es {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/es)
}
