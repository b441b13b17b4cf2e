package kernels

import (
	"errors"
	"fmt"
	"math"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/workpool"
)

// ErrSizeMismatch is returned when kernel inputs disagree in extent.
var ErrSizeMismatch = errors.New("kernels: input size mismatch")

// Host runs every kernel on the CPU against host-addressable device memory.
// Kernels complete before returning; WaitAll drains the device stream.
type Host struct {
	dev     device.Device
	light   LightConfig
	workers int
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithWorkers sets the number of goroutines a kernel spreads rows over.
// Zero or less uses GOMAXPROCS.
func WithWorkers(n int) HostOption {
	return func(h *Host) { h.workers = n }
}

// WithLight overrides the shading coefficients.
func WithLight(lc LightConfig) HostOption {
	return func(h *Host) { h.light = lc }
}

// NewHost creates CPU kernels on dev. A nil dev means the current device.
func NewHost(dev device.Device, opts ...HostOption) *Host {
	if dev == nil {
		dev = device.Current()
	}
	h := &Host{dev: dev, light: DefaultLightConfig()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Light returns the shading coefficients.
func (h *Host) Light() LightConfig { return h.light }

// ComputeDists converts depth into per-pixel ray distances in meters.
func (h *Host) ComputeDists(depth devbuf.Array2D[Depth], dists *devbuf.Array2D[Dist], intr Intr) error {
	rows, cols := depth.Rows(), depth.Cols()
	if err := dists.Create(rows, cols); err != nil {
		return err
	}
	src, err := devbuf.HostGrid(depth)
	if err != nil {
		return err
	}
	dst, err := devbuf.HostGrid(*dists)
	if err != nil {
		return err
	}

	fx, fy := float64(intr.Fx), float64(intr.Fy)
	cx, cy := float64(intr.Cx), float64(intr.Cy)
	workpool.Each(h.workers, rows, func(y int) {
		in, out := src.Row(y), dst.Row(y)
		yl := (float64(y) - cy) / fy
		for x := range in {
			xl := (float64(x) - cx) / fx
			norm := math.Sqrt(xl*xl + yl*yl + 1)
			out[x] = Dist(float64(in[x]) * 0.001 * norm)
		}
	})
	return nil
}

// BilateralFilter smooths depth with a kernelSize×kernelSize window
// weighted by pixel distance (sigmaSpatial pixels) and depth difference
// (sigmaDepth meters). Missing samples stay missing and do not contribute.
func (h *Host) BilateralFilter(src devbuf.Array2D[Depth], dst *devbuf.Array2D[Depth], kernelSize int, sigmaSpatial, sigmaDepth float32) error {
	rows, cols := src.Rows(), src.Cols()
	if err := dst.Create(rows, cols); err != nil {
		return err
	}
	in, err := devbuf.HostGrid(src)
	if err != nil {
		return err
	}
	out, err := devbuf.HostGrid(*dst)
	if err != nil {
		return err
	}

	radius := kernelSize / 2
	sdMM := float64(sigmaDepth) * 1000
	spaceInvHalf := 0.5 / (float64(sigmaSpatial) * float64(sigmaSpatial))
	depthInvHalf := 0.5 / (sdMM * sdMM)

	workpool.Each(h.workers, rows, func(y int) {
		row := out.Row(y)
		y0, y1 := max(y-radius, 0), min(y+radius, rows-1)
		for x := 0; x < cols; x++ {
			v0 := float64(in.Row(y)[x])
			if v0 == 0 {
				row[x] = 0
				continue
			}
			x0, x1 := max(x-radius, 0), min(x+radius, cols-1)

			var sum, wsum float64
			for cy := y0; cy <= y1; cy++ {
				nb := in.Row(cy)
				for cx := x0; cx <= x1; cx++ {
					v := float64(nb[cx])
					if v == 0 {
						continue
					}
					dx, dy := float64(cx-x), float64(cy-y)
					w := math.Exp(-(dx*dx+dy*dy)*spaceInvHalf - (v-v0)*(v-v0)*depthInvHalf)
					sum += v * w
					wsum += w
				}
			}
			row[x] = Depth(sum/wsum + 0.5)
		}
	})
	return nil
}

// DepthTruncation zeroes samples farther than maxDist meters, in place.
func (h *Host) DepthTruncation(depth devbuf.Array2D[Depth], maxDist float32) error {
	g, err := devbuf.HostGrid(depth)
	if err != nil {
		return err
	}
	limit := Depth(math.Min(float64(maxDist)*1000, math.MaxUint16))
	workpool.Each(h.workers, g.Rows(), func(y int) {
		row := g.Row(y)
		for x, v := range row {
			if v > limit {
				row[x] = 0
			}
		}
	})
	return nil
}

// BuildPyramid halves depth into dst. Each output sample averages the 5×5
// neighbourhood of its source pixel, keeping only samples within three
// sigmaDepth of the center.
func (h *Host) BuildPyramid(src devbuf.Array2D[Depth], dst *devbuf.Array2D[Depth], sigmaDepth float32) error {
	rows, cols := src.Rows(), src.Cols()
	if err := dst.Create(rows/2, cols/2); err != nil {
		return err
	}
	in, err := devbuf.HostGrid(src)
	if err != nil {
		return err
	}
	out, err := devbuf.HostGrid(*dst)
	if err != nil {
		return err
	}

	const d = 5
	thres := 3 * float64(sigmaDepth) * 1000
	workpool.Each(h.workers, out.Rows(), func(y int) {
		row := out.Row(y)
		sy := 2 * y
		y0, y1 := max(sy-d/2, 0), min(sy+d/2, rows-1)
		for x := range row {
			sx := 2 * x
			center := float64(in.Row(sy)[sx])
			if center == 0 {
				row[x] = 0
				continue
			}
			x0, x1 := max(sx-d/2, 0), min(sx+d/2, cols-1)

			var sum float64
			var count int
			for cy := y0; cy <= y1; cy++ {
				nb := in.Row(cy)
				for cx := x0; cx <= x1; cx++ {
					v := float64(nb[cx])
					if v != 0 && math.Abs(v-center) <= thres {
						sum += v
						count++
					}
				}
			}
			row[x] = Depth(sum/float64(count) + 0.5)
		}
	})
	return nil
}

// ComputeNormalsAndMaskDepth derives normals from depth by finite
// differences and zeroes depth wherever no normal exists.
func (h *Host) ComputeNormalsAndMaskDepth(intr Intr, depth devbuf.Array2D[Depth], normals *devbuf.Array2D[Normal]) error {
	rows, cols := depth.Rows(), depth.Cols()
	if err := normals.Create(rows, cols); err != nil {
		return err
	}
	dg, err := devbuf.HostGrid(depth)
	if err != nil {
		return err
	}
	ng, err := devbuf.HostGrid(*normals)
	if err != nil {
		return err
	}

	// Normals of row y read row y+1, so masking is deferred until every
	// normal is known.
	workpool.Each(h.workers, rows, func(y int) {
		nrow := ng.Row(y)
		for x := range nrow {
			n, ok := depthNormal(intr, dg, y, x)
			if !ok {
				nrow[x] = InvalidPoint
				continue
			}
			nrow[x] = PointOf(n)
		}
	})
	workpool.Each(h.workers, rows, func(y int) {
		drow, nrow := dg.Row(y), ng.Row(y)
		for x := range drow {
			if !nrow[x].Valid() {
				drow[x] = 0
			}
		}
	})
	return nil
}

// ComputePointNormals reprojects depth into camera-space points and
// derives their normals. Pixels without a normal get invalid points.
func (h *Host) ComputePointNormals(intr Intr, depth devbuf.Array2D[Depth], points *devbuf.Array2D[Point], normals *devbuf.Array2D[Normal]) error {
	rows, cols := depth.Rows(), depth.Cols()
	if err := points.Create(rows, cols); err != nil {
		return err
	}
	if err := normals.Create(rows, cols); err != nil {
		return err
	}
	dg, err := devbuf.HostGrid(depth)
	if err != nil {
		return err
	}
	pg, err := devbuf.HostGrid(*points)
	if err != nil {
		return err
	}
	ng, err := devbuf.HostGrid(*normals)
	if err != nil {
		return err
	}

	workpool.Each(h.workers, rows, func(y int) {
		prow, nrow := pg.Row(y), ng.Row(y)
		drow := dg.Row(y)
		for x := range prow {
			n, ok := depthNormal(intr, dg, y, x)
			if !ok {
				prow[x], nrow[x] = InvalidPoint, InvalidPoint
				continue
			}
			prow[x] = PointOf(intr.Reproject(x, y, float32(drow[x])*0.001))
			nrow[x] = PointOf(n)
		}
	})
	return nil
}

// depthNormal computes the camera-facing normal at (y, x) from the pixel
// and its right and lower neighbours.
func depthNormal(intr Intr, dg devbuf.Grid[Depth], y, x int) (mathutil.Vec3, bool) {
	if y+1 >= dg.Rows() || x+1 >= dg.Cols() {
		return mathutil.Vec3{}, false
	}
	d00 := dg.Row(y)[x]
	d01 := dg.Row(y)[x+1]
	d10 := dg.Row(y + 1)[x]
	if d00 == 0 || d01 == 0 || d10 == 0 {
		return mathutil.Vec3{}, false
	}
	v00 := intr.Reproject(x, y, float32(d00)*0.001)
	v01 := intr.Reproject(x+1, y, float32(d01)*0.001)
	v10 := intr.Reproject(x, y+1, float32(d10)*0.001)

	n := v10.Sub(v00).Cross(v01.Sub(v00)).Normalize()
	if n == (mathutil.Vec3{}) {
		return n, false
	}
	return n, true
}

// ResizeDepthNormals halves a depth and normal map. A 2×2 block yields a
// sample only if all four inputs are valid.
func (h *Host) ResizeDepthNormals(depth devbuf.Array2D[Depth], normals devbuf.Array2D[Normal], depthOut *devbuf.Array2D[Depth], normalsOut *devbuf.Array2D[Normal]) error {
	rows, cols := depth.Rows(), depth.Cols()
	if !normals.SameSize(rows, cols) {
		return fmt.Errorf("%w: depth %dx%d, normals %dx%d", ErrSizeMismatch, rows, cols, normals.Rows(), normals.Cols())
	}
	if err := depthOut.Create(rows/2, cols/2); err != nil {
		return err
	}
	if err := normalsOut.Create(rows/2, cols/2); err != nil {
		return err
	}
	di, err := devbuf.HostGrid(depth)
	if err != nil {
		return err
	}
	ni, err := devbuf.HostGrid(normals)
	if err != nil {
		return err
	}
	do, err := devbuf.HostGrid(*depthOut)
	if err != nil {
		return err
	}
	no, err := devbuf.HostGrid(*normalsOut)
	if err != nil {
		return err
	}

	workpool.Each(h.workers, do.Rows(), func(y int) {
		drow, nrow := do.Row(y), no.Row(y)
		for x := range drow {
			var dsum float64
			var nsum mathutil.Vec3
			valid := true
			for _, o := range blockOffsets {
				sy, sx := 2*y+o[0], 2*x+o[1]
				d := di.Row(sy)[sx]
				n := ni.Row(sy)[sx]
				if d == 0 || !n.Valid() {
					valid = false
					break
				}
				dsum += float64(d)
				nsum = nsum.Add(n.Vec())
			}
			if !valid {
				drow[x], nrow[x] = 0, InvalidPoint
				continue
			}
			drow[x] = Depth(dsum/4 + 0.5)
			nrow[x] = PointOf(nsum.Normalize())
		}
	})
	return nil
}

// ResizePointsNormals halves a point and normal map. A 2×2 block yields a
// sample only if all four inputs are valid.
func (h *Host) ResizePointsNormals(points devbuf.Array2D[Point], normals devbuf.Array2D[Normal], pointsOut *devbuf.Array2D[Point], normalsOut *devbuf.Array2D[Normal]) error {
	rows, cols := points.Rows(), points.Cols()
	if !normals.SameSize(rows, cols) {
		return fmt.Errorf("%w: points %dx%d, normals %dx%d", ErrSizeMismatch, rows, cols, normals.Rows(), normals.Cols())
	}
	if err := pointsOut.Create(rows/2, cols/2); err != nil {
		return err
	}
	if err := normalsOut.Create(rows/2, cols/2); err != nil {
		return err
	}
	pi, err := devbuf.HostGrid(points)
	if err != nil {
		return err
	}
	ni, err := devbuf.HostGrid(normals)
	if err != nil {
		return err
	}
	po, err := devbuf.HostGrid(*pointsOut)
	if err != nil {
		return err
	}
	no, err := devbuf.HostGrid(*normalsOut)
	if err != nil {
		return err
	}

	workpool.Each(h.workers, po.Rows(), func(y int) {
		prow, nrow := po.Row(y), no.Row(y)
		for x := range prow {
			var psum, nsum mathutil.Vec3
			valid := true
			for _, o := range blockOffsets {
				sy, sx := 2*y+o[0], 2*x+o[1]
				p := pi.Row(sy)[sx]
				n := ni.Row(sy)[sx]
				if !p.Valid() || !n.Valid() {
					valid = false
					break
				}
				psum = psum.Add(p.Vec())
				nsum = nsum.Add(n.Vec())
			}
			if !valid {
				prow[x], nrow[x] = InvalidPoint, InvalidPoint
				continue
			}
			prow[x] = PointOf(psum.Scale(0.25))
			nrow[x] = PointOf(nsum.Normalize())
		}
	})
	return nil
}

var blockOffsets = [4][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}

// WaitAll blocks until all work issued to the device has completed.
func (h *Host) WaitAll() error {
	return h.dev.Synchronize()
}
