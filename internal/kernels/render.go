package kernels

import (
	"fmt"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/workpool"
)

// surface yields the camera-space point and normal of pixel (y, x), or
// false when the pixel holds no surface.
type surface func(y, x int) (p, n mathutil.Vec3, ok bool)

func pointSurface(points devbuf.Array2D[Point], normals devbuf.Array2D[Normal]) (surface, error) {
	if !normals.SameSize(points.Rows(), points.Cols()) {
		return nil, fmt.Errorf("%w: points %dx%d, normals %dx%d",
			ErrSizeMismatch, points.Rows(), points.Cols(), normals.Rows(), normals.Cols())
	}
	pg, err := devbuf.HostGrid(points)
	if err != nil {
		return nil, err
	}
	ng, err := devbuf.HostGrid(normals)
	if err != nil {
		return nil, err
	}
	return func(y, x int) (mathutil.Vec3, mathutil.Vec3, bool) {
		p, n := pg.Row(y)[x], ng.Row(y)[x]
		if !p.Valid() || !n.Valid() {
			return mathutil.Vec3{}, mathutil.Vec3{}, false
		}
		return p.Vec(), n.Vec(), true
	}, nil
}

func depthSurface(depth devbuf.Array2D[Depth], normals devbuf.Array2D[Normal], intr Intr) (surface, error) {
	if !normals.SameSize(depth.Rows(), depth.Cols()) {
		return nil, fmt.Errorf("%w: depth %dx%d, normals %dx%d",
			ErrSizeMismatch, depth.Rows(), depth.Cols(), normals.Rows(), normals.Cols())
	}
	dg, err := devbuf.HostGrid(depth)
	if err != nil {
		return nil, err
	}
	ng, err := devbuf.HostGrid(normals)
	if err != nil {
		return nil, err
	}
	return func(y, x int) (mathutil.Vec3, mathutil.Vec3, bool) {
		d, n := dg.Row(y)[x], ng.Row(y)[x]
		if d == 0 || !n.Valid() {
			return mathutil.Vec3{}, mathutil.Vec3{}, false
		}
		return intr.Reproject(x, y, float32(d)*0.001), n.Vec(), true
	}, nil
}

// RenderImage shades a point map as gray Phong-lit surfaces. Pixels
// without a surface are black.
func (h *Host) RenderImage(points devbuf.Array2D[Point], normals devbuf.Array2D[Normal], intr Intr, light mathutil.Vec3, out *devbuf.Array2D[RGB]) error {
	s, err := pointSurface(points, normals)
	if err != nil {
		return err
	}
	return h.shade(s, points.Rows(), points.Cols(), light, out)
}

// RenderImageDepth is RenderImage for a depth map.
func (h *Host) RenderImageDepth(depth devbuf.Array2D[Depth], normals devbuf.Array2D[Normal], intr Intr, light mathutil.Vec3, out *devbuf.Array2D[RGB]) error {
	s, err := depthSurface(depth, normals, intr)
	if err != nil {
		return err
	}
	return h.shade(s, depth.Rows(), depth.Cols(), light, out)
}

func (h *Host) shade(s surface, rows, cols int, light mathutil.Vec3, out *devbuf.Array2D[RGB]) error {
	if err := out.Create(rows, cols); err != nil {
		return err
	}
	og, err := devbuf.HostGrid(*out)
	if err != nil {
		return err
	}
	workpool.Each(h.workers, rows, func(y int) {
		row := og.Row(y)
		for x := range row {
			p, n, ok := s(y, x)
			if !ok {
				row[x] = RGB{}
				continue
			}
			g := toByte(h.light.ComputeShade(p, n, light))
			row[x] = RGB{B: g, G: g, R: g}
		}
	})
	return nil
}

// RenderTangentColors maps each normal component from [-1, 1] to a color
// channel: x to red, y to green, z to blue.
func (h *Host) RenderTangentColors(normals devbuf.Array2D[Normal], out *devbuf.Array2D[RGB]) error {
	rows, cols := normals.Rows(), normals.Cols()
	if err := out.Create(rows, cols); err != nil {
		return err
	}
	ng, err := devbuf.HostGrid(normals)
	if err != nil {
		return err
	}
	og, err := devbuf.HostGrid(*out)
	if err != nil {
		return err
	}
	workpool.Each(h.workers, rows, func(y int) {
		in, row := ng.Row(y), og.Row(y)
		for x, n := range in {
			if !n.Valid() {
				row[x] = RGB{}
				continue
			}
			row[x] = RGB{
				B: toByte(float64(n.Z)*0.5 + 0.5),
				G: toByte(float64(n.Y)*0.5 + 0.5),
				R: toByte(float64(n.X)*0.5 + 0.5),
			}
		}
	})
	return nil
}

// RenderVertexColors shades surfaces with the camera color image instead
// of gray. An empty color image shades white.
func (h *Host) RenderVertexColors(points devbuf.Array2D[Point], normals devbuf.Array2D[Normal], intr Intr, light mathutil.Vec3, colors devbuf.Array2D[RGB], out *devbuf.Array2D[RGB]) error {
	s, err := pointSurface(points, normals)
	if err != nil {
		return err
	}
	return h.tint(s, points.Rows(), points.Cols(), light, colors, out)
}

// RenderVertexColorsDepth is RenderVertexColors for a depth map.
func (h *Host) RenderVertexColorsDepth(depth devbuf.Array2D[Depth], normals devbuf.Array2D[Normal], intr Intr, light mathutil.Vec3, colors devbuf.Array2D[RGB], out *devbuf.Array2D[RGB]) error {
	s, err := depthSurface(depth, normals, intr)
	if err != nil {
		return err
	}
	return h.tint(s, depth.Rows(), depth.Cols(), light, colors, out)
}

func (h *Host) tint(s surface, rows, cols int, light mathutil.Vec3, colors devbuf.Array2D[RGB], out *devbuf.Array2D[RGB]) error {
	if !colors.Empty() && !colors.SameSize(rows, cols) {
		return fmt.Errorf("%w: surface %dx%d, colors %dx%d", ErrSizeMismatch, rows, cols, colors.Rows(), colors.Cols())
	}
	if err := out.Create(rows, cols); err != nil {
		return err
	}
	cg, err := devbuf.HostGrid(colors)
	if err != nil {
		return err
	}
	og, err := devbuf.HostGrid(*out)
	if err != nil {
		return err
	}

	white := RGB{B: 255, G: 255, R: 255}
	workpool.Each(h.workers, rows, func(y int) {
		row := og.Row(y)
		for x := range row {
			p, n, ok := s(y, x)
			if !ok {
				row[x] = RGB{}
				continue
			}
			c := white
			if cg.Rows() > 0 {
				c = cg.Row(y)[x]
			}
			f := h.light.ComputeTint(p, n, light)
			row[x] = RGB{
				B: toByte(float64(c.B) / 255 * f),
				G: toByte(float64(c.G) / 255 * f),
				R: toByte(float64(c.R) / 255 * f),
			}
		}
	})
	return nil
}
