package devbuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinfu-scanner/internal/device"
)

func newHost(t *testing.T) *device.Host {
	t.Helper()
	return device.NewHost(device.HostConfig{})
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)*0.5 - 3
	}
	return out
}

func TestArrayCreateSameSizeKeepsAllocation(t *testing.T) {
	h := newHost(t)
	a := OnDevice[float32](h)
	require.NoError(t, a.Upload(ramp(10)))
	p := a.Ptr()

	require.NoError(t, a.Create(10))
	assert.Equal(t, p, a.Ptr())
	got, err := a.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, ramp(10), got)
	assert.Equal(t, uint64(1), h.Stats().Allocs)

	require.NoError(t, a.Create(11))
	assert.Equal(t, 11, a.Len())
	st := h.Stats()
	assert.Equal(t, uint64(2), st.Allocs)
	assert.Equal(t, uint64(1), st.Frees)
	assert.Equal(t, 1, st.LiveAllocs)

	a.Release()
	assert.Equal(t, 0, h.Stats().LiveAllocs)
}

func TestArrayShareFreesOnce(t *testing.T) {
	h := newHost(t)
	a := OnDevice[int32](h)
	require.NoError(t, a.Create(64))

	b := a.Share()
	c := OnDevice[int32](h)
	c.Assign(a)
	assert.Equal(t, 3, a.RefCount())
	assert.Equal(t, a.Ptr(), b.Ptr())
	assert.Equal(t, a.Ptr(), c.Ptr())

	// Aliases observe each other's writes.
	require.NoError(t, h.Upload(b.Ptr(), []byte{7, 0, 0, 0}))
	got, err := c.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, int32(7), got[0])

	a.Release()
	b.Release()
	assert.Equal(t, uint64(0), h.Stats().Frees)
	assert.Equal(t, 1, c.RefCount())

	c.Release()
	c.Release()
	st := h.Stats()
	assert.Equal(t, uint64(1), st.Frees)
	assert.Equal(t, 0, st.LiveAllocs)
	assert.Zero(t, st.LiveBytes)
}

func TestArrayAssignReleasesPrevious(t *testing.T) {
	h := newHost(t)
	a := OnDevice[byte](h)
	b := OnDevice[byte](h)
	require.NoError(t, a.Create(16))
	require.NoError(t, b.Create(32))

	b.Assign(a)
	assert.Equal(t, uint64(1), h.Stats().Frees)
	assert.Equal(t, 16, b.Len())
	assert.Equal(t, 2, a.RefCount())

	b.Assign(a)
	assert.Equal(t, 2, a.RefCount())

	a.Release()
	b.Release()
	assert.Equal(t, 0, h.Stats().LiveAllocs)
}

func TestBorrowedNeverFrees(t *testing.T) {
	h := newHost(t)
	p, err := h.Malloc(40, device.DefaultUsage)
	require.NoError(t, err)

	a := Borrow[float32](h, p, 10)
	assert.Equal(t, Borrowed, a.Ownership())
	assert.Equal(t, 10, a.Len())

	b := a.Share()
	c := OnDevice[float32](h)
	c.Assign(b)
	assert.Zero(t, a.RefCount())

	a.Release()
	b.Release()
	c.Release()
	assert.Equal(t, uint64(0), h.Stats().Frees)
	assert.True(t, a.Empty())

	require.NoError(t, h.Free(p))
}

func TestArrayRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 137, 4096} {
		h := newHost(t)
		a := OnDevice[float32](h)
		in := ramp(n)
		require.NoError(t, a.Upload(in), "n=%d", n)
		assert.Equal(t, n, a.Len())

		out := make([]float32, n)
		require.NoError(t, a.Download(out), "n=%d", n)
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("n=%d round trip mismatch (-want +got):\n%s", n, diff)
		}
		a.Release()
		assert.Equal(t, 0, h.Stats().LiveAllocs)
	}
}

func TestArrayDownloadShortBuffer(t *testing.T) {
	h := newHost(t)
	a := OnDevice[uint16](h)
	require.NoError(t, a.Upload([]uint16{1, 2, 3}))
	err := a.Download(make([]uint16, 2))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestArrayAllocFailure(t *testing.T) {
	h := device.NewHost(device.HostConfig{BudgetBytes: 64})
	a := OnDevice[float64](h)
	err := a.Create(100)
	require.ErrorIs(t, err, device.ErrAllocFailed)
	assert.True(t, a.Empty())
	assert.Equal(t, uint64(1), h.Stats().Failed)
}

func TestArraySwap(t *testing.T) {
	h := newHost(t)
	a := OnDevice[float32](h)
	b := OnDevice[float32](h)
	require.NoError(t, a.Upload(ramp(3)))
	require.NoError(t, b.Upload(ramp(5)))
	pa, pb := a.Ptr(), b.Ptr()

	a.Swap(&b)
	assert.Equal(t, pb, a.Ptr())
	assert.Equal(t, pa, b.Ptr())
	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 3, b.Len())

	a.Swap(&b)
	assert.Equal(t, pa, a.Ptr())
	assert.Equal(t, pb, b.Ptr())

	a.Release()
	b.Release()
	assert.Equal(t, 0, h.Stats().LiveAllocs)
}

func TestArrayCopyToResizes(t *testing.T) {
	h := newHost(t)
	src := OnDevice[float32](h)
	dst := OnDevice[float32](h)
	require.NoError(t, src.Upload(ramp(9)))
	require.NoError(t, dst.Create(2))

	require.NoError(t, src.CopyTo(&dst))
	assert.NotEqual(t, src.Ptr(), dst.Ptr())
	got, err := dst.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, ramp(9), got)
}

func TestHostSlice(t *testing.T) {
	h := newHost(t)
	a := OnDevice[int32](h)
	require.NoError(t, a.Create(4))

	s, err := HostSlice(a)
	require.NoError(t, err)
	require.Len(t, s, 4)
	s[2] = 42

	got, err := a.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 42, 0}, got)
}

func TestCurrentDeviceUsedByDefault(t *testing.T) {
	h := newHost(t)
	device.SetCurrent(h)
	t.Cleanup(func() { device.SetCurrent(nil) })

	a, err := NewArray[byte](8)
	require.NoError(t, err)
	assert.Same(t, h, a.Device())
	assert.Equal(t, 1, h.Stats().LiveAllocs)
	a.Release()
}
