// Package devbuf provides typed, shareable handles over device memory.
//
// A handle is either Owned or Borrowed. Owned handles share a reference
// count with every handle made from them by Share or Assign; the allocation
// is freed exactly once, when the last of them is released. Borrowed handles
// wrap memory that somebody else is responsible for (caller memory, or a
// window into another buffer) and never free it, however many times they
// are shared.
//
// Handles are small structs. Copy them with Share, not with plain
// assignment: a plain copy does not take a reference.
//
// Handles are not safe for concurrent use. All aliases of one allocation
// must be used from the same goroutine or be externally synchronized.
package devbuf

import (
	"fmt"
	"sync/atomic"

	"kinfu-scanner/internal/device"
)

// Ownership says whether a handle frees its allocation.
type Ownership uint8

const (
	// Owned handles free the allocation when the last reference goes away.
	Owned Ownership = iota
	// Borrowed handles never free.
	Borrowed
)

func (o Ownership) String() string {
	switch o {
	case Owned:
		return "Owned"
	case Borrowed:
		return "Borrowed"
	default:
		return fmt.Sprintf("Ownership(%d)", int(o))
	}
}

// refCount is the counter shared by all Owned handles of one allocation.
type refCount struct {
	n atomic.Int32
}

func newRefCount() *refCount {
	rc := &refCount{}
	rc.n.Store(1)
	return rc
}

// Memory is an untyped handle over linear device memory.
type Memory struct {
	dev  device.Device
	data device.Ptr
	size int
	own  Ownership
	refs *refCount // nil unless Owned and allocated
}

// NewMemory allocates size bytes on the current device.
func NewMemory(size int) (Memory, error) {
	var m Memory
	if err := m.Create(size); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// BorrowMemory wraps size bytes at p owned by someone else.
func BorrowMemory(dev device.Device, p device.Ptr, size int) Memory {
	return Memory{dev: dev, data: p, size: size, own: Borrowed}
}

// Create makes the handle hold exactly size bytes. It does nothing if the
// size is unchanged; otherwise the current allocation is released and fresh
// memory is allocated, so prior content is lost.
func (m *Memory) Create(size int) error {
	if size < 0 {
		return fmt.Errorf("devbuf: create %d bytes: %w", size, device.ErrInvalidSize)
	}
	if m.size == size && (size == 0 || !m.data.IsNil()) {
		return nil
	}
	dev := m.device()
	m.Release()
	if size == 0 {
		return nil
	}

	p, err := dev.Malloc(size, device.DefaultUsage)
	if err != nil {
		return fmt.Errorf("devbuf: create %d bytes: %w", size, err)
	}
	*m = Memory{dev: dev, data: p, size: size, own: Owned, refs: newRefCount()}
	return nil
}

// Release drops this handle's reference. The allocation is freed when the
// last Owned reference is released. Release on an empty handle is a no-op.
func (m *Memory) Release() {
	if m.refs != nil && m.refs.n.Add(-1) == 0 {
		if err := m.dev.Free(m.data); err != nil {
			slogger().Warn("device free failed", "ptr", m.data, "err", err)
		}
	}
	dev := m.dev
	*m = Memory{dev: dev}
}

// Share returns a new handle aliasing the same memory.
func (m Memory) Share() Memory {
	if m.refs != nil {
		m.refs.n.Add(1)
	}
	return m
}

// Assign makes m an alias of other, releasing what m held before.
func (m *Memory) Assign(other Memory) {
	if m.refs != nil && m.refs == other.refs {
		return
	}
	shared := other.Share()
	m.Release()
	*m = shared
}

// CopyTo copies the content to dst, resizing dst first if needed.
func (m Memory) CopyTo(dst *Memory) error {
	if m.Empty() {
		dst.Release()
		return nil
	}
	if dst.dev == nil {
		dst.dev = m.dev
	}
	if err := dst.Create(m.size); err != nil {
		return err
	}
	if err := m.dev.Copy(dst.data, m.data, m.size); err != nil {
		return fmt.Errorf("devbuf: copy %d bytes: %w", m.size, err)
	}
	return nil
}

// Upload creates the buffer with len(src) bytes and copies src into it.
func (m *Memory) Upload(src []byte) error {
	if err := m.Create(len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if err := m.dev.Upload(m.data, src); err != nil {
		return fmt.Errorf("devbuf: upload %d bytes: %w", len(src), err)
	}
	return nil
}

// Download copies the content into dst, which must hold at least Size bytes.
func (m Memory) Download(dst []byte) error {
	if len(dst) < m.size {
		return fmt.Errorf("%w: %d bytes for %d", ErrShortBuffer, len(dst), m.size)
	}
	if m.size == 0 {
		return nil
	}
	if err := m.dev.Download(dst[:m.size], m.data); err != nil {
		return fmt.Errorf("devbuf: download %d bytes: %w", m.size, err)
	}
	return nil
}

// Swap exchanges the state of two handles.
func (m *Memory) Swap(other *Memory) {
	*m, *other = *other, *m
}

// Ptr returns the device address of the first byte.
func (m Memory) Ptr() device.Ptr { return m.data }

// Size returns the size in bytes.
func (m Memory) Size() int { return m.size }

// Empty reports whether the handle holds no memory.
func (m Memory) Empty() bool { return m.data.IsNil() }

// Ownership returns the ownership mode of the handle.
func (m Memory) Ownership() Ownership { return m.own }

// RefCount returns the number of Owned handles sharing the allocation, or
// zero for empty and Borrowed handles.
func (m Memory) RefCount() int {
	if m.refs == nil {
		return 0
	}
	return int(m.refs.n.Load())
}

// Device returns the device the memory lives on.
func (m Memory) Device() device.Device { return m.device() }

func (m Memory) device() device.Device {
	if m.dev != nil {
		return m.dev
	}
	return device.Current()
}
