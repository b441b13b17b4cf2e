// Package device provides the memory and execution provider that backs every
// device buffer in the scanner.
//
// A Device hands out allocations addressed by Ptr values in its own address
// space, moves bytes between host and device, and drains its execution stream.
// The process talks to one current device at a time; multi-device setups are
// out of scope.
package device

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// Ptr is an address in a device's address space. The zero Ptr is nil.
type Ptr uint64

// Add returns p advanced by n bytes.
func (p Ptr) Add(n int) Ptr {
	return p + Ptr(n)
}

// IsNil reports whether p is the nil device address.
func (p Ptr) IsNil() bool {
	return p == 0
}

func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// DefaultUsage is the usage every scanner buffer is allocated with: kernels
// read and write it, and it is a source and destination of transfers.
const DefaultUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// Info describes a device.
type Info struct {
	Name        string
	Vendor      string
	Description string
	MemoryMB    int
}

// Device is implemented by memory providers (the host device, a CUDA or
// WebGPU device). All transfers are issued into the device's single
// execution stream; Synchronize drains it.
type Device interface {
	Info() Info

	// Malloc allocates size bytes of linear memory. Transfers and kernel
	// access fail with ErrUsage unless usage allows them.
	Malloc(size int, usage gputypes.BufferUsage) (Ptr, error)

	// MallocPitch allocates height rows of at least widthBytes each and
	// returns the row pitch in bytes, which is never below widthBytes and
	// is a multiple of elemSize. elemSize <= 0 counts as 1.
	MallocPitch(widthBytes, height, elemSize int, usage gputypes.BufferUsage) (Ptr, int, error)

	// Free releases an allocation returned by Malloc or MallocPitch.
	Free(p Ptr) error

	// Copy copies n bytes between two device addresses.
	Copy(dst, src Ptr, n int) error

	// Copy2D copies height rows of widthBytes between pitched device regions.
	Copy2D(dst Ptr, dstPitch int, src Ptr, srcPitch int, widthBytes, height int) error

	// Upload copies len(src) bytes from host memory to dst.
	Upload(dst Ptr, src []byte) error

	// Upload2D copies height rows of widthBytes from a host buffer with
	// row stride srcPitch into a pitched device region.
	Upload2D(dst Ptr, dstPitch int, src []byte, srcPitch int, widthBytes, height int) error

	// Download copies len(dst) bytes from src to host memory.
	Download(dst []byte, src Ptr) error

	// Download2D copies height rows of widthBytes from a pitched device
	// region into a host buffer with row stride dstPitch.
	Download2D(dst []byte, dstPitch int, src Ptr, srcPitch int, widthBytes, height int) error

	// Synchronize blocks until all work issued to the stream has finished.
	Synchronize() error
}

// HostMemory is implemented by devices whose memory is addressable from
// the host. CPU kernels use it to read and write buffers in place.
type HostMemory interface {
	// Bytes returns the n bytes starting at p. The slice aliases device
	// memory and is valid until the owning allocation is freed.
	Bytes(p Ptr, n int) ([]byte, error)
}

var (
	currentMu sync.RWMutex
	current   Device
)

// SetCurrent selects the device used by buffers that are created without
// an explicit device. Passing nil restores the shared host device.
func SetCurrent(d Device) {
	currentMu.Lock()
	current = d
	currentMu.Unlock()
	if d != nil {
		slogger().Info("device selected", "name", d.Info().Name)
	}
}

// Current returns the current device, defaulting to the shared host device.
func Current() Device {
	currentMu.RLock()
	d := current
	currentMu.RUnlock()
	if d == nil {
		return defaultHost()
	}
	return d
}

var (
	hostOnce sync.Once
	host     *Host
)

func defaultHost() *Host {
	hostOnce.Do(func() {
		host = NewHost(HostConfig{})
	})
	return host
}
