package device

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
)

const (
	// DefaultPitchAlignment matches the texture pitch alignment of common
	// discrete GPUs, so padded strides show up on the host device too.
	DefaultPitchAlignment = 256

	// hostBase is the first address handed out; everything below is unmapped.
	hostBase Ptr = 0x10000

	// hostGuard separates neighbouring allocations so that an address one
	// past the end of a buffer never resolves to the next one.
	hostGuard = 256

	// DefaultFreedHistory is how many freed addresses a host device
	// remembers for double free detection.
	DefaultFreedHistory = 4096
)

// HostConfig controls a host device.
type HostConfig struct {
	// BudgetBytes caps live allocated bytes. Zero means unlimited.
	BudgetBytes int64

	// PitchAlignment is the row alignment of pitched allocations.
	// Defaults to DefaultPitchAlignment if <= 0.
	PitchAlignment int

	// FreedHistory bounds the freed addresses kept for double free
	// detection. Older ones report ErrInvalidPointer instead.
	// Defaults to DefaultFreedHistory if <= 0.
	FreedHistory int
}

// Stats contains allocation statistics of a host device.
type Stats struct {
	Allocs     uint64 // successful allocations
	Frees      uint64 // successful frees
	Failed     uint64 // allocations rejected by the budget
	Syncs      uint64 // Synchronize calls
	LiveAllocs int
	LiveBytes  int64
	PeakBytes  int64
}

// String returns a human-readable summary of the statistics.
func (s Stats) String() string {
	return fmt.Sprintf("Host[%d live allocs, %d KB live, %d KB peak, %d allocs, %d frees]",
		s.LiveAllocs, s.LiveBytes/1024, s.PeakBytes/1024, s.Allocs, s.Frees)
}

type hostAlloc struct {
	base  Ptr
	mem   []byte
	usage gputypes.BufferUsage
}

// Host is a CPU-backed device. Its memory lives in the Go heap and is
// addressed through a private virtual address space, so device pointers can
// be offset, compared and validated like real device addresses. Addresses are
// never reused, which makes use-after-free and double free detectable.
//
// Host is safe for concurrent use. Work executes synchronously, so
// Synchronize only counts drain points.
type Host struct {
	mu     sync.Mutex
	cfg    HostConfig
	allocs map[Ptr]*hostAlloc
	bases  []Ptr // sorted live allocation bases
	freed  map[Ptr]struct{}
	// freedOrder lists the keys of freed, oldest first.
	freedOrder []Ptr
	next       Ptr
	stats      Stats
}

// NewHost creates a host device.
func NewHost(cfg HostConfig) *Host {
	if cfg.PitchAlignment <= 0 {
		cfg.PitchAlignment = DefaultPitchAlignment
	}
	if cfg.FreedHistory <= 0 {
		cfg.FreedHistory = DefaultFreedHistory
	}
	return &Host{
		cfg:    cfg,
		allocs: make(map[Ptr]*hostAlloc),
		freed:  make(map[Ptr]struct{}),
		next:   hostBase,
	}
}

func (h *Host) Info() Info {
	return Info{
		Name:        "host",
		Vendor:      "kinfu-scanner",
		Description: "CPU-backed device with allocation tracking",
	}
}

// Stats returns a snapshot of the allocation statistics.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Usage returns the usage flags of the allocation containing p.
func (h *Host) Usage(p Ptr) (gputypes.BufferUsage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, _, err := h.lookupLocked(p, 0)
	if err != nil {
		return 0, err
	}
	return a.usage, nil
}

func (h *Host) Malloc(size int, usage gputypes.BufferUsage) (Ptr, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(size, usage)
}

func (h *Host) MallocPitch(widthBytes, height, elemSize int, usage gputypes.BufferUsage) (Ptr, int, error) {
	if widthBytes < 0 || height < 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d bytes", ErrInvalidSize, widthBytes, height)
	}
	align := lcm(h.cfg.PitchAlignment, max(elemSize, 1))
	pitch := (widthBytes + align - 1) / align * align

	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.allocLocked(pitch*height, usage)
	if err != nil {
		return 0, 0, err
	}
	return p, pitch, nil
}

func (h *Host) allocLocked(size int, usage gputypes.BufferUsage) (Ptr, error) {
	if usage == gputypes.BufferUsageNone || usage.ContainsUnknownBits() {
		return 0, fmt.Errorf("%w: %#x", ErrUsage, uint64(usage))
	}
	if h.cfg.BudgetBytes > 0 && h.stats.LiveBytes+int64(size) > h.cfg.BudgetBytes {
		h.stats.Failed++
		slogger().Debug("host allocation rejected", "bytes", size, "live", h.stats.LiveBytes, "budget", h.cfg.BudgetBytes)
		return 0, fmt.Errorf("%w: %d bytes exceeds budget (%d of %d live)",
			ErrAllocFailed, size, h.stats.LiveBytes, h.cfg.BudgetBytes)
	}

	// Back the allocation with 8-byte words so typed views of it are aligned.
	var mem []byte
	if size > 0 {
		words := make([]uint64, (size+7)/8)
		mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}

	base := alignPtr(h.next, DefaultPitchAlignment)
	h.next = base.Add(size + hostGuard)

	h.allocs[base] = &hostAlloc{base: base, mem: mem, usage: usage}
	h.bases = append(h.bases, base)

	h.stats.Allocs++
	h.stats.LiveAllocs++
	h.stats.LiveBytes += int64(size)
	if h.stats.LiveBytes > h.stats.PeakBytes {
		h.stats.PeakBytes = h.stats.LiveBytes
	}
	return base, nil
}

func (h *Host) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok := h.allocs[p]
	if !ok {
		if _, wasFreed := h.freed[p]; wasFreed {
			return fmt.Errorf("%w: %s", ErrDoubleFree, p)
		}
		return fmt.Errorf("%w: free %s", ErrInvalidPointer, p)
	}

	delete(h.allocs, p)
	if i, found := slices.BinarySearch(h.bases, p); found {
		h.bases = slices.Delete(h.bases, i, i+1)
	}
	h.rememberFreedLocked(p)

	h.stats.Frees++
	h.stats.LiveAllocs--
	h.stats.LiveBytes -= int64(len(a.mem))
	return nil
}

func (h *Host) rememberFreedLocked(p Ptr) {
	if len(h.freedOrder) == h.cfg.FreedHistory {
		delete(h.freed, h.freedOrder[0])
		h.freedOrder = h.freedOrder[1:]
	}
	h.freed[p] = struct{}{}
	h.freedOrder = append(h.freedOrder, p)
}

// Bytes returns the n bytes of device memory starting at p. Kernels access
// memory this way, so the allocation needs BufferUsageStorage.
func (h *Host) Bytes(p Ptr, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesLocked(p, n, gputypes.BufferUsageStorage)
}

// bytesLocked returns [p, p+n) of an allocation created with every flag in need.
func (h *Host) bytesLocked(p Ptr, n int, need gputypes.BufferUsage) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	a, off, err := h.lookupLocked(p, n)
	if err != nil {
		return nil, err
	}
	if !a.usage.Contains(need) {
		return nil, fmt.Errorf("%w: allocation %s has usage %#x, need %#x", ErrUsage, a.base, uint64(a.usage), uint64(need))
	}
	return a.mem[off : off+n : off+n], nil
}

// lookupLocked finds the live allocation containing [p, p+n).
func (h *Host) lookupLocked(p Ptr, n int) (*hostAlloc, int, error) {
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, n)
	}
	i, found := slices.BinarySearch(h.bases, p)
	if !found {
		i--
	}
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidPointer, p)
	}
	a := h.allocs[h.bases[i]]
	off := int(p - a.base)
	if off > len(a.mem) {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidPointer, p)
	}
	if off+n > len(a.mem) {
		return nil, 0, fmt.Errorf("%w: %d bytes at %s (allocation %s is %d bytes)",
			ErrOutOfRange, n, p, a.base, len(a.mem))
	}
	return a, off, nil
}

// pitchedLocked returns the bytes spanned by a pitched region.
func (h *Host) pitchedLocked(p Ptr, pitch, widthBytes, height int, need gputypes.BufferUsage) ([]byte, error) {
	if widthBytes < 0 || height < 0 || pitch < widthBytes {
		return nil, fmt.Errorf("%w: %dx%d bytes with pitch %d", ErrInvalidSize, widthBytes, height, pitch)
	}
	if widthBytes == 0 || height == 0 {
		return nil, nil
	}
	return h.bytesLocked(p, pitch*(height-1)+widthBytes, need)
}

func (h *Host) Copy(dst, src Ptr, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.bytesLocked(dst, n, gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	s, err := h.bytesLocked(src, n, gputypes.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

func (h *Host) Copy2D(dst Ptr, dstPitch int, src Ptr, srcPitch int, widthBytes, height int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.pitchedLocked(dst, dstPitch, widthBytes, height, gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	s, err := h.pitchedLocked(src, srcPitch, widthBytes, height, gputypes.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	copyRows(d, dstPitch, s, srcPitch, widthBytes, height)
	return nil
}

func (h *Host) Upload(dst Ptr, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.bytesLocked(dst, len(src), gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	copy(d, src)
	return nil
}

func (h *Host) Upload2D(dst Ptr, dstPitch int, src []byte, srcPitch int, widthBytes, height int) error {
	if err := checkHostRegion(len(src), srcPitch, widthBytes, height); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.pitchedLocked(dst, dstPitch, widthBytes, height, gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	copyRows(d, dstPitch, src, srcPitch, widthBytes, height)
	return nil
}

func (h *Host) Download(dst []byte, src Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.bytesLocked(src, len(dst), gputypes.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

func (h *Host) Download2D(dst []byte, dstPitch int, src Ptr, srcPitch int, widthBytes, height int) error {
	if err := checkHostRegion(len(dst), dstPitch, widthBytes, height); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.pitchedLocked(src, srcPitch, widthBytes, height, gputypes.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	copyRows(dst, dstPitch, s, srcPitch, widthBytes, height)
	return nil
}

func (h *Host) Synchronize() error {
	h.mu.Lock()
	h.stats.Syncs++
	h.mu.Unlock()
	return nil
}

func checkHostRegion(n, pitch, widthBytes, height int) error {
	if widthBytes < 0 || height < 0 || pitch < widthBytes {
		return fmt.Errorf("%w: %dx%d bytes with pitch %d", ErrInvalidSize, widthBytes, height, pitch)
	}
	if height > 0 && widthBytes > 0 && n < pitch*(height-1)+widthBytes {
		return fmt.Errorf("%w: host buffer of %d bytes holds less than %d rows of %d", ErrOutOfRange, n, height, widthBytes)
	}
	return nil
}

func copyRows(dst []byte, dstPitch int, src []byte, srcPitch int, widthBytes, height int) {
	for y := 0; y < height; y++ {
		copy(dst[y*dstPitch:y*dstPitch+widthBytes], src[y*srcPitch:y*srcPitch+widthBytes])
	}
}

func lcm(a, b int) int {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}

func alignPtr(p Ptr, align int) Ptr {
	a := Ptr(align)
	return (p + a - 1) / a * a
}
