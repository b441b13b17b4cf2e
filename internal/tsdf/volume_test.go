package tsdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

const (
	testRows = 24
	testCols = 32
)

var testIntr = kernels.Intr{Fx: 30, Fy: 30, Cx: 15.5, Cy: 11.5}

type fixture struct {
	dev   *device.Host
	vol   *Volume
	dists devbuf.Array2D[kernels.Dist]
	color devbuf.Array2D[kernels.RGB]
}

// newFixture builds a 1 m volume in front of the camera and a range image
// of a wall 1 m away.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := device.NewHost(device.HostConfig{})
	vol, err := New(dev, [3]int{32, 32, 32}, WithWorkers(2))
	require.NoError(t, err)
	vol.SetSize(mathutil.Vec3{1, 1, 1})
	vol.SetPose(mathutil.Translate(-0.5, -0.5, 0.5))
	vol.SetTruncDist(0.1)

	host := make([]kernels.Depth, testRows*testCols)
	colors := make([]kernels.RGB, testRows*testCols)
	for i := range host {
		host[i] = 1000
		colors[i] = kernels.RGB{R: 200, G: 20, B: 10}
	}
	depth := devbuf.OnDevice2D[kernels.Depth](dev)
	require.NoError(t, depth.Upload(host, testCols, testRows, testCols))

	f := &fixture{
		dev:   dev,
		vol:   vol,
		dists: devbuf.OnDevice2D[kernels.Dist](dev),
		color: devbuf.OnDevice2D[kernels.RGB](dev),
	}
	require.NoError(t, f.color.Upload(colors, testCols, testRows, testCols))
	require.NoError(t, kernels.NewHost(dev).ComputeDists(depth, &f.dists, testIntr))
	return f
}

func (f *fixture) raycastPoints(t *testing.T, pose mathutil.Affine) ([]kernels.Point, []kernels.Normal, int) {
	t.Helper()
	points := devbuf.OnDevice2D[kernels.Point](f.dev)
	normals := devbuf.OnDevice2D[kernels.Normal](f.dev)
	require.NoError(t, points.Create(testRows, testCols))
	require.NoError(t, f.vol.RaycastPoints(pose, testIntr, &points, &normals))

	ps, cols, err := points.DownloadSlice()
	require.NoError(t, err)
	ns, _, err := normals.DownloadSlice()
	require.NoError(t, err)
	return ps, ns, cols
}

func TestIntegrateThenRaycastWall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.Integrate(f.dists, f.color, mathutil.Identity(), testIntr))

	occupied, err := f.vol.Occupied()
	require.NoError(t, err)
	assert.Positive(t, occupied)

	ps, ns, cols := f.raycastPoints(t, mathutil.Identity())
	p := ps[12*cols+16]
	require.True(t, p.Valid())
	assert.InDelta(t, 1.0, float64(p.Z), 0.02)
	assert.InDelta(t, 0.0, float64(p.X), 0.03)

	n := ns[12*cols+16]
	require.True(t, n.Valid())
	assert.Less(t, float64(n.Z), -0.9)
}

func TestRaycastFromMovedCamera(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.Integrate(f.dists, f.color, mathutil.Identity(), testIntr))

	ps, _, cols := f.raycastPoints(t, mathutil.Translate(0, 0, 0.1))
	p := ps[12*cols+16]
	require.True(t, p.Valid())
	assert.InDelta(t, 0.9, float64(p.Z), 0.02)
}

func TestRaycastDepth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.Integrate(f.dists, noColor(), mathutil.Identity(), testIntr))

	depth := devbuf.OnDevice2D[kernels.Depth](f.dev)
	normals := devbuf.OnDevice2D[kernels.Normal](f.dev)
	require.NoError(t, depth.Create(testRows, testCols))
	require.NoError(t, f.vol.RaycastDepth(mathutil.Identity(), testIntr, &depth, &normals))

	ds, cols, err := depth.DownloadSlice()
	require.NoError(t, err)
	assert.InDelta(t, 1000, float64(ds[12*cols+16]), 20)
}

func TestRaycastEmptyVolumeMisses(t *testing.T) {
	f := newFixture(t)
	ps, ns, _ := f.raycastPoints(t, mathutil.Identity())
	for i := range ps {
		assert.False(t, ps[i].Valid())
		assert.False(t, ns[i].Valid())
	}
}

func TestRaycastNeedsSizedOutput(t *testing.T) {
	f := newFixture(t)
	points := devbuf.OnDevice2D[kernels.Point](f.dev)
	normals := devbuf.OnDevice2D[kernels.Normal](f.dev)
	assert.ErrorIs(t, f.vol.RaycastPoints(mathutil.Identity(), testIntr, &points, &normals), ErrNoOutput)
}

func TestIntegrateBlendsColorAndClampsWeight(t *testing.T) {
	f := newFixture(t)
	f.vol.SetMaxWeight(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.vol.Integrate(f.dists, f.color, mathutil.Identity(), testIntr))
	}

	vs, err := devbuf.HostSlice(f.vol.Voxels())
	require.NoError(t, err)
	colored := 0
	for _, v := range vs {
		assert.LessOrEqual(t, v.Weight, int32(2))
		if v.Weight > 0 && v.Tsdf < 0.5 {
			assert.Equal(t, uint8(200), v.Color.R)
			colored++
		}
	}
	assert.Positive(t, colored)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vol.Integrate(f.dists, f.color, mathutil.Identity(), testIntr))
	require.NoError(t, f.vol.Clear())
	occupied, err := f.vol.Occupied()
	require.NoError(t, err)
	assert.Zero(t, occupied)
}

func TestIntegrateColorSizeMismatch(t *testing.T) {
	f := newFixture(t)
	small := devbuf.OnDevice2D[kernels.RGB](f.dev)
	require.NoError(t, small.Create(2, 2))
	err := f.vol.Integrate(f.dists, small, mathutil.Identity(), testIntr)
	assert.ErrorIs(t, err, kernels.ErrSizeMismatch)
}

func TestNewRejectsBadDims(t *testing.T) {
	_, err := New(device.NewHost(device.HostConfig{}), [3]int{0, 32, 32})
	assert.ErrorIs(t, err, ErrInvalidDims)
}

func TestNewAllocationFailure(t *testing.T) {
	dev := device.NewHost(device.HostConfig{BudgetBytes: 1024})
	_, err := New(dev, [3]int{32, 32, 32})
	assert.ErrorIs(t, err, device.ErrAllocFailed)
}

func noColor() devbuf.Array2D[kernels.RGB] {
	return devbuf.Array2D[kernels.RGB]{}
}
