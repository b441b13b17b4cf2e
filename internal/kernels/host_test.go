package kernels

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/mathutil"
)

var testIntr = Intr{Fx: 20, Fy: 20, Cx: 7.5, Cy: 5.5}

func newTestHost(t *testing.T) (*Host, *device.Host) {
	t.Helper()
	dev := device.NewHost(device.HostConfig{})
	return NewHost(dev, WithWorkers(3)), dev
}

func planeDepth(t *testing.T, dev device.Device, rows, cols int, mm Depth) devbuf.Array2D[Depth] {
	t.Helper()
	host := make([]Depth, rows*cols)
	for i := range host {
		host[i] = mm
	}
	d := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, d.Upload(host, cols, rows, cols))
	return d
}

func download[T any](t *testing.T, a devbuf.Array2D[T]) ([]T, int) {
	t.Helper()
	out, cols, err := a.DownloadSlice()
	require.NoError(t, err)
	return out, cols
}

func TestComputeDists(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 12, 16, 1000)
	dists := devbuf.OnDevice2D[Dist](dev)
	require.NoError(t, k.ComputeDists(depth, &dists, Intr{Fx: 20, Fy: 20, Cx: 8, Cy: 6}))

	got, cols := download(t, dists)
	assert.InDelta(t, 1.0, float64(got[6*cols+8]), 1e-6)
	corner := math.Sqrt(math.Pow(8.0/20, 2) + math.Pow(6.0/20, 2) + 1)
	assert.InDelta(t, corner, float64(got[0]), 1e-5)
}

func TestBilateralFilterKeepsPlaneAndHoles(t *testing.T) {
	k, dev := newTestHost(t)
	host := make([]Depth, 10*10)
	for i := range host {
		host[i] = 1500
	}
	host[5*10+5] = 0
	src := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, src.Upload(host, 10, 10, 10))

	dst := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, k.BilateralFilter(src, &dst, 7, 4.5, 0.04))

	got, cols := download(t, dst)
	assert.Equal(t, Depth(0), got[5*cols+5])
	assert.Equal(t, Depth(1500), got[0])
	assert.Equal(t, Depth(1500), got[5*cols+4])
}

func TestBilateralFilterPreservesEdges(t *testing.T) {
	k, dev := newTestHost(t)
	host := make([]Depth, 8*8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			host[y*8+x] = 1000
			if x >= 4 {
				host[y*8+x] = 2000
			}
		}
	}
	src := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, src.Upload(host, 8, 8, 8))
	dst := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, k.BilateralFilter(src, &dst, 7, 4.5, 0.04))

	got, cols := download(t, dst)
	assert.Equal(t, Depth(1000), got[3*cols+3])
	assert.Equal(t, Depth(2000), got[3*cols+4])
}

func TestDepthTruncation(t *testing.T) {
	k, dev := newTestHost(t)
	depth := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, depth.Upload([]Depth{500, 1500, 2500, 0}, 4, 1, 4))
	require.NoError(t, k.DepthTruncation(depth, 2))

	got, _ := download(t, depth)
	assert.Equal(t, []Depth{500, 1500, 0, 0}, got)
}

func TestBuildPyramid(t *testing.T) {
	k, dev := newTestHost(t)
	src := planeDepth(t, dev, 11, 16, 1200)
	dst := devbuf.OnDevice2D[Depth](dev)
	require.NoError(t, k.BuildPyramid(src, &dst, 0.04))

	assert.Equal(t, 5, dst.Rows())
	assert.Equal(t, 8, dst.Cols())
	got, _ := download(t, dst)
	for _, v := range got {
		assert.Equal(t, Depth(1200), v)
	}
}

func TestComputePointNormalsPlane(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 12, 16, 1000)
	points := devbuf.OnDevice2D[Point](dev)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputePointNormals(testIntr, depth, &points, &normals))

	ps, cols := download(t, points)
	ns, _ := download(t, normals)

	p := ps[3*cols+4]
	require.True(t, p.Valid())
	assert.InDelta(t, 1.0, float64(p.Z), 1e-6)
	assert.InDelta(t, (4-7.5)/20.0, float64(p.X), 1e-6)

	n := ns[3*cols+4]
	require.True(t, n.Valid())
	assert.InDelta(t, -1.0, float64(n.Z), 1e-6)

	// The last column and row have no right or lower neighbour.
	assert.False(t, ps[3*cols+cols-1].Valid())
	assert.False(t, ns[11*cols+2].Valid())
}

func TestComputeNormalsAndMaskDepth(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 6, 6, 800)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputeNormalsAndMaskDepth(testIntr, depth, &normals))

	ds, cols := download(t, depth)
	ns, _ := download(t, normals)
	assert.Equal(t, Depth(800), ds[2*cols+2])
	assert.Equal(t, Depth(0), ds[2*cols+5])
	assert.Equal(t, Depth(0), ds[5*cols+0])
	assert.True(t, ns[2*cols+2].Valid())
	assert.False(t, ns[2*cols+5].Valid())
}

func TestResizePointsNormals(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 8, 8, 1000)
	points := devbuf.OnDevice2D[Point](dev)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputePointNormals(testIntr, depth, &points, &normals))

	p2 := devbuf.OnDevice2D[Point](dev)
	n2 := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ResizePointsNormals(points, normals, &p2, &n2))
	assert.True(t, p2.SameSize(4, 4))

	ps, cols := download(t, p2)
	assert.True(t, ps[0].Valid())
	assert.InDelta(t, 1.0, float64(ps[0].Z), 1e-6)
	// Blocks touching the invalid last column are invalid.
	assert.False(t, ps[cols-1].Valid())
}

func TestResizeDepthNormals(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 8, 8, 1000)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputeNormalsAndMaskDepth(testIntr, depth, &normals))

	d2 := devbuf.OnDevice2D[Depth](dev)
	n2 := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ResizeDepthNormals(depth, normals, &d2, &n2))

	ds, cols := download(t, d2)
	assert.Equal(t, Depth(1000), ds[0])
	assert.Equal(t, Depth(0), ds[cols-1])

	bad := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, bad.Create(3, 3))
	assert.ErrorIs(t, k.ResizeDepthNormals(depth, bad, &d2, &n2), ErrSizeMismatch)
}

func TestRenderImageFacingLight(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 12, 16, 1000)
	points := devbuf.OnDevice2D[Point](dev)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputePointNormals(Intr{Fx: 20, Fy: 20, Cx: 8, Cy: 6}, depth, &points, &normals))

	img := devbuf.OnDevice2D[RGB](dev)
	require.NoError(t, k.RenderImage(points, normals, testIntr, mathutil.Vec3{}, &img))

	px, cols := download(t, img)
	center := px[6*cols+8]
	assert.Equal(t, uint8(255), center.R)
	assert.Equal(t, center.R, center.G)
	assert.Equal(t, center.R, center.B)
	assert.Equal(t, RGB{}, px[6*cols+cols-1])
}

func TestRenderTangentColors(t *testing.T) {
	k, dev := newTestHost(t)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, normals.Upload([]Normal{{Z: -1}, InvalidPoint}, 2, 1, 2))

	img := devbuf.OnDevice2D[RGB](dev)
	require.NoError(t, k.RenderTangentColors(normals, &img))
	px, _ := download(t, img)
	assert.Equal(t, RGB{B: 0, G: 128, R: 128}, px[0])
	assert.Equal(t, RGB{}, px[1])
}

func TestRenderVertexColorsUsesColorFrame(t *testing.T) {
	k, dev := newTestHost(t)
	depth := planeDepth(t, dev, 4, 4, 1000)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, k.ComputeNormalsAndMaskDepth(Intr{Fx: 20, Fy: 20, Cx: 1, Cy: 1}, depth, &normals))

	colors := make([]RGB, 16)
	for i := range colors {
		colors[i] = RGB{R: 200, G: 100, B: 50}
	}
	color := devbuf.OnDevice2D[RGB](dev)
	require.NoError(t, color.Upload(colors, 4, 4, 4))

	img := devbuf.OnDevice2D[RGB](dev)
	require.NoError(t, k.RenderVertexColorsDepth(depth, normals, Intr{Fx: 20, Fy: 20, Cx: 1, Cy: 1}, mathutil.Vec3{}, color, &img))
	px, cols := download(t, img)

	c := px[1*cols+1]
	assert.Equal(t, uint8(200), c.R)
	assert.Equal(t, uint8(100), c.G)
	assert.Equal(t, uint8(50), c.B)
}

func TestRenderIntoWindow(t *testing.T) {
	k, dev := newTestHost(t)
	normals := devbuf.OnDevice2D[Normal](dev)
	require.NoError(t, normals.Upload([]Normal{{X: 1}, {X: 1}}, 2, 1, 2))

	img := devbuf.OnDevice2D[RGB](dev)
	require.NoError(t, img.Create(1, 4))
	right, err := img.Window(0, 2, 1, 2)
	require.NoError(t, err)
	require.NoError(t, k.RenderTangentColors(normals, &right))
	assert.Equal(t, devbuf.Borrowed, right.Ownership())

	px, _ := download(t, img)
	assert.Equal(t, RGB{}, px[0])
	assert.Equal(t, RGB{}, px[1])
	assert.Equal(t, uint8(255), px[2].R)
	assert.Equal(t, uint8(255), px[3].R)
}

func TestWaitAllSynchronizes(t *testing.T) {
	k, dev := newTestHost(t)
	require.NoError(t, k.WaitAll())
	require.NoError(t, k.WaitAll())
	assert.Equal(t, uint64(2), dev.Stats().Syncs)
}

func TestIntrLevel(t *testing.T) {
	in := Intr{Fx: 525, Fy: 525, Cx: 319.5, Cy: 239.5}
	assert.Equal(t, in, in.Level(0))
	assert.Equal(t, Intr{Fx: 131.25, Fy: 131.25, Cx: 79.875, Cy: 59.875}, in.Level(2))
}
