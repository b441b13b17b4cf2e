package scanner

import (
	"kinfu-scanner/internal/config"
	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

// view is one rendered or predicted surface: depth or points, with normals.
type view struct {
	depth   devbuf.Array2D[kernels.Depth]
	points  devbuf.Array2D[kernels.Point]
	normals devbuf.Array2D[kernels.Normal]
}

// representation is the geometry a pyramid carries into registration.
// It is fixed when the scanner is built.
type representation interface {
	kind() config.Representation

	// derive computes per-level geometry from the depth pyramid.
	derive(k Kernels, intr kernels.Intr, f *Frame, levels int) error

	// promote hands the current pyramid over to the previous role.
	promote(curr, prev *Frame)

	register(reg Registration, intr kernels.Intr, curr, prev *Frame, levels int) (mathutil.Affine, bool, error)

	// predict ray casts level 0 of f from pose and resizes it down.
	predict(vol Volume, k Kernels, pose mathutil.Affine, intr kernels.Intr, f *Frame, levels int) error

	raycast(vol Volume, pose mathutil.Affine, intr kernels.Intr, v *view) error
	shade(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, out *devbuf.Array2D[kernels.RGB]) error
	tint(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, colors devbuf.Array2D[kernels.RGB], out *devbuf.Array2D[kernels.RGB]) error
}

func newRepresentation(r config.Representation) representation {
	if r == config.RepresentationDepth {
		return depthRepr{}
	}
	return pointsRepr{}
}

func frameView(f *Frame) view {
	return view{depth: f.Depth[0], points: f.Points[0], normals: f.Normals[0]}
}

type pointsRepr struct{}

func (pointsRepr) kind() config.Representation { return config.RepresentationPoints }

func (pointsRepr) derive(k Kernels, intr kernels.Intr, f *Frame, levels int) error {
	for l := 0; l < levels; l++ {
		if err := k.ComputePointNormals(intr.Level(l), f.Depth[l], &f.Points[l], &f.Normals[l]); err != nil {
			return err
		}
	}
	return nil
}

func (pointsRepr) promote(curr, prev *Frame) {
	swapLevels(curr.Points, prev.Points)
	swapLevels(curr.Normals, prev.Normals)
}

func (pointsRepr) register(reg Registration, intr kernels.Intr, curr, prev *Frame, levels int) (mathutil.Affine, bool, error) {
	return reg.EstimateTransformPoints(intr,
		curr.Points[:levels], curr.Normals[:levels], prev.Points[:levels], prev.Normals[:levels])
}

func (pointsRepr) predict(vol Volume, k Kernels, pose mathutil.Affine, intr kernels.Intr, f *Frame, levels int) error {
	if err := vol.RaycastPoints(pose, intr, &f.Points[0], &f.Normals[0]); err != nil {
		return err
	}
	for l := 1; l < levels; l++ {
		if err := k.ResizePointsNormals(f.Points[l-1], f.Normals[l-1], &f.Points[l], &f.Normals[l]); err != nil {
			return err
		}
	}
	return nil
}

func (pointsRepr) raycast(vol Volume, pose mathutil.Affine, intr kernels.Intr, v *view) error {
	return vol.RaycastPoints(pose, intr, &v.points, &v.normals)
}

func (pointsRepr) shade(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, out *devbuf.Array2D[kernels.RGB]) error {
	return k.RenderImage(v.points, v.normals, intr, light, out)
}

func (pointsRepr) tint(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, colors devbuf.Array2D[kernels.RGB], out *devbuf.Array2D[kernels.RGB]) error {
	return k.RenderVertexColors(v.points, v.normals, intr, light, colors, out)
}

type depthRepr struct{}

func (depthRepr) kind() config.Representation { return config.RepresentationDepth }

func (depthRepr) derive(k Kernels, intr kernels.Intr, f *Frame, levels int) error {
	for l := 0; l < levels; l++ {
		if err := k.ComputeNormalsAndMaskDepth(intr.Level(l), f.Depth[l], &f.Normals[l]); err != nil {
			return err
		}
	}
	return nil
}

func (depthRepr) promote(curr, prev *Frame) {
	swapLevels(curr.Depth, prev.Depth)
	swapLevels(curr.Normals, prev.Normals)
}

func (depthRepr) register(reg Registration, intr kernels.Intr, curr, prev *Frame, levels int) (mathutil.Affine, bool, error) {
	return reg.EstimateTransformDepth(intr,
		curr.Depth[:levels], curr.Normals[:levels], prev.Depth[:levels], prev.Normals[:levels])
}

func (depthRepr) predict(vol Volume, k Kernels, pose mathutil.Affine, intr kernels.Intr, f *Frame, levels int) error {
	if err := vol.RaycastDepth(pose, intr, &f.Depth[0], &f.Normals[0]); err != nil {
		return err
	}
	for l := 1; l < levels; l++ {
		if err := k.ResizeDepthNormals(f.Depth[l-1], f.Normals[l-1], &f.Depth[l], &f.Normals[l]); err != nil {
			return err
		}
	}
	return nil
}

func (depthRepr) raycast(vol Volume, pose mathutil.Affine, intr kernels.Intr, v *view) error {
	return vol.RaycastDepth(pose, intr, &v.depth, &v.normals)
}

func (depthRepr) shade(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, out *devbuf.Array2D[kernels.RGB]) error {
	return k.RenderImageDepth(v.depth, v.normals, intr, light, out)
}

func (depthRepr) tint(k Kernels, v view, intr kernels.Intr, light mathutil.Vec3, colors devbuf.Array2D[kernels.RGB], out *devbuf.Array2D[kernels.RGB]) error {
	return k.RenderVertexColorsDepth(v.depth, v.normals, intr, light, colors, out)
}
