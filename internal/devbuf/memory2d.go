package devbuf

import (
	"fmt"

	"kinfu-scanner/internal/device"
)

// Origin records where a Borrowed window was cut from. It is a plain
// back-reference for bounds reasoning; it holds no reference to the parent.
type Origin struct {
	Parent    device.Ptr // parent base address
	Offset    int        // byte offset of the window within the parent
	Step      int        // parent row stride in bytes
	Rows      int        // parent extent
	ColsBytes int
}

// Memory2D is an untyped handle over pitched device memory.
type Memory2D struct {
	dev       device.Device
	data      device.Ptr
	step      int // row stride in bytes
	colsBytes int
	rows      int
	own       Ownership
	refs      *refCount
	origin    *Origin
}

// NewMemory2D allocates rows of colsBytes on the current device.
func NewMemory2D(rows, colsBytes int) (Memory2D, error) {
	var m Memory2D
	if err := m.Create(rows, colsBytes); err != nil {
		return Memory2D{}, err
	}
	return m, nil
}

// BorrowMemory2D wraps rows of colsBytes at p, step bytes apart, owned by
// someone else.
func BorrowMemory2D(dev device.Device, rows, colsBytes int, p device.Ptr, step int) Memory2D {
	return Memory2D{dev: dev, data: p, step: step, colsBytes: colsBytes, rows: rows, own: Borrowed}
}

// Create makes the handle hold exactly rows of colsBytes. It does nothing
// if the extent is unchanged; otherwise the current allocation is released
// and fresh pitched memory is allocated, so prior content is lost.
func (m *Memory2D) Create(rows, colsBytes int) error {
	return m.create(rows, colsBytes, 1)
}

// create is Create with the row step rounded to a multiple of elemSize.
func (m *Memory2D) create(rows, colsBytes, elemSize int) error {
	if rows < 0 || colsBytes < 0 {
		return fmt.Errorf("devbuf: create %dx%d bytes: %w", rows, colsBytes, device.ErrInvalidSize)
	}
	if m.rows == rows && m.colsBytes == colsBytes && (rows*colsBytes == 0 || !m.data.IsNil()) {
		return nil
	}
	dev := m.device()
	m.Release()
	if rows == 0 || colsBytes == 0 {
		m.rows, m.colsBytes = rows, colsBytes
		return nil
	}

	p, step, err := dev.MallocPitch(colsBytes, rows, elemSize, device.DefaultUsage)
	if err != nil {
		return fmt.Errorf("devbuf: create %dx%d bytes: %w", rows, colsBytes, err)
	}
	*m = Memory2D{
		dev:       dev,
		data:      p,
		step:      step,
		colsBytes: colsBytes,
		rows:      rows,
		own:       Owned,
		refs:      newRefCount(),
	}
	return nil
}

// Release drops this handle's reference, freeing the allocation when the
// last Owned reference goes away.
func (m *Memory2D) Release() {
	if m.refs != nil && m.refs.n.Add(-1) == 0 {
		if err := m.dev.Free(m.data); err != nil {
			slogger().Warn("device free failed", "ptr", m.data, "err", err)
		}
	}
	dev := m.dev
	*m = Memory2D{dev: dev}
}

// Share returns a new handle aliasing the same memory.
func (m Memory2D) Share() Memory2D {
	if m.refs != nil {
		m.refs.n.Add(1)
	}
	return m
}

// Assign makes m an alias of other, releasing what m held before.
func (m *Memory2D) Assign(other Memory2D) {
	if m.refs != nil && m.refs == other.refs {
		return
	}
	shared := other.Share()
	m.Release()
	*m = shared
}

// Window returns a Borrowed handle over rows×colsBytes starting at row y
// and byte column xBytes. The window aliases m's memory and never frees it;
// it must not outlive m's allocation.
func (m Memory2D) Window(y, xBytes, rows, colsBytes int) (Memory2D, error) {
	if y < 0 || xBytes < 0 || rows < 0 || colsBytes < 0 ||
		y+rows > m.rows || xBytes+colsBytes > m.colsBytes {
		return Memory2D{}, fmt.Errorf("%w: %dx%d bytes at (%d, %d) in %dx%d",
			ErrWindowBounds, rows, colsBytes, y, xBytes, m.rows, m.colsBytes)
	}
	offset := y*m.step + xBytes
	w := BorrowMemory2D(m.device(), rows, colsBytes, m.data.Add(offset), m.step)
	w.origin = &Origin{
		Parent:    m.data,
		Offset:    offset,
		Step:      m.step,
		Rows:      m.rows,
		ColsBytes: m.colsBytes,
	}
	return w, nil
}

// CopyTo copies the content to dst, resizing dst first if needed.
func (m Memory2D) CopyTo(dst *Memory2D) error {
	return m.copyTo(dst, 1)
}

func (m Memory2D) copyTo(dst *Memory2D, elemSize int) error {
	if m.Empty() {
		dst.Release()
		return nil
	}
	if dst.dev == nil {
		dst.dev = m.dev
	}
	if err := dst.create(m.rows, m.colsBytes, elemSize); err != nil {
		return err
	}
	if err := m.dev.Copy2D(dst.data, dst.step, m.data, m.step, m.colsBytes, m.rows); err != nil {
		return fmt.Errorf("devbuf: copy %dx%d bytes: %w", m.rows, m.colsBytes, err)
	}
	return nil
}

// Upload creates the buffer with rows of colsBytes and copies them from src,
// whose rows are srcStep bytes apart.
func (m *Memory2D) Upload(src []byte, srcStep, rows, colsBytes int) error {
	return m.upload(src, srcStep, rows, colsBytes, 1)
}

func (m *Memory2D) upload(src []byte, srcStep, rows, colsBytes, elemSize int) error {
	if rows > 0 && colsBytes > 0 && len(src) < srcStep*(rows-1)+colsBytes {
		return fmt.Errorf("%w: %d bytes for %d rows of %d", ErrShortBuffer, len(src), rows, colsBytes)
	}
	if err := m.create(rows, colsBytes, elemSize); err != nil {
		return err
	}
	if m.Empty() {
		return nil
	}
	if err := m.dev.Upload2D(m.data, m.step, src, srcStep, colsBytes, rows); err != nil {
		return fmt.Errorf("devbuf: upload %dx%d bytes: %w", rows, colsBytes, err)
	}
	return nil
}

// Download copies the content into dst, whose rows are dstStep bytes apart.
func (m Memory2D) Download(dst []byte, dstStep int) error {
	if m.Empty() {
		return nil
	}
	if dstStep < m.colsBytes || len(dst) < dstStep*(m.rows-1)+m.colsBytes {
		return fmt.Errorf("%w: %d bytes with step %d for %d rows of %d",
			ErrShortBuffer, len(dst), dstStep, m.rows, m.colsBytes)
	}
	if err := m.dev.Download2D(dst, dstStep, m.data, m.step, m.colsBytes, m.rows); err != nil {
		return fmt.Errorf("devbuf: download %dx%d bytes: %w", m.rows, m.colsBytes, err)
	}
	return nil
}

// Swap exchanges the state of two handles.
func (m *Memory2D) Swap(other *Memory2D) {
	*m, *other = *other, *m
}

// Ptr returns the device address of row y.
func (m Memory2D) Ptr(y int) device.Ptr { return m.data.Add(y * m.step) }

// Step returns the row stride in bytes.
func (m Memory2D) Step() int { return m.step }

// ColsBytes returns the content size of a row in bytes.
func (m Memory2D) ColsBytes() int { return m.colsBytes }

// Rows returns the number of rows.
func (m Memory2D) Rows() int { return m.rows }

// Empty reports whether the handle holds no memory.
func (m Memory2D) Empty() bool { return m.data.IsNil() }

// Ownership returns the ownership mode of the handle.
func (m Memory2D) Ownership() Ownership { return m.own }

// RefCount returns the number of Owned handles sharing the allocation, or
// zero for empty and Borrowed handles.
func (m Memory2D) RefCount() int {
	if m.refs == nil {
		return 0
	}
	return int(m.refs.n.Load())
}

// Origin returns the parent back-reference of a window.
func (m Memory2D) Origin() (Origin, bool) {
	if m.origin == nil {
		return Origin{}, false
	}
	return *m.origin, true
}

// Device returns the device the memory lives on.
func (m Memory2D) Device() device.Device { return m.device() }

func (m Memory2D) device() device.Device {
	if m.dev != nil {
		return m.dev
	}
	return device.Current()
}
