package scanner

import (
	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

// Volume is the volumetric fusion engine. Poses map camera coordinates to
// world coordinates.
type Volume interface {
	Clear() error
	SetTruncDist(d float32)
	SetMaxWeight(w int)
	SetSize(s mathutil.Vec3)
	SetPose(p mathutil.Affine)
	SetRaycastStepFactor(f float32)
	SetGradientDeltaFactor(f float32)

	Integrate(dists devbuf.Array2D[kernels.Dist], color devbuf.Array2D[kernels.RGB], camPose mathutil.Affine, intr kernels.Intr) error

	// Raycast outputs must already be sized to the image.
	RaycastDepth(camPose mathutil.Affine, intr kernels.Intr, depth *devbuf.Array2D[kernels.Depth], normals *devbuf.Array2D[kernels.Normal]) error
	RaycastPoints(camPose mathutil.Affine, intr kernels.Intr, points *devbuf.Array2D[kernels.Point], normals *devbuf.Array2D[kernels.Normal]) error
}

// Registration estimates the transform taking the current frame's camera
// coordinates to the previous frame's. A false result with a nil error
// means tracking was lost.
type Registration interface {
	SetDistThreshold(d float32)
	SetAngleThreshold(a float32)
	SetIterationsNum(iters []int)
	UsedLevelsNum() int

	EstimateTransformDepth(intr kernels.Intr,
		currDepth []devbuf.Array2D[kernels.Depth], currNormals []devbuf.Array2D[kernels.Normal],
		prevDepth []devbuf.Array2D[kernels.Depth], prevNormals []devbuf.Array2D[kernels.Normal],
	) (mathutil.Affine, bool, error)
	EstimateTransformPoints(intr kernels.Intr,
		currPoints, currNormals, prevPoints, prevNormals []devbuf.Array2D[kernels.Point],
	) (mathutil.Affine, bool, error)
}

// Kernels are the image processing and rendering primitives. They are
// issued into the device stream; WaitAll drains it.
type Kernels interface {
	ComputeDists(depth devbuf.Array2D[kernels.Depth], dists *devbuf.Array2D[kernels.Dist], intr kernels.Intr) error
	BilateralFilter(src devbuf.Array2D[kernels.Depth], dst *devbuf.Array2D[kernels.Depth], kernelSize int, sigmaSpatial, sigmaDepth float32) error
	DepthTruncation(depth devbuf.Array2D[kernels.Depth], maxDist float32) error
	BuildPyramid(src devbuf.Array2D[kernels.Depth], dst *devbuf.Array2D[kernels.Depth], sigmaDepth float32) error
	ComputeNormalsAndMaskDepth(intr kernels.Intr, depth devbuf.Array2D[kernels.Depth], normals *devbuf.Array2D[kernels.Normal]) error
	ComputePointNormals(intr kernels.Intr, depth devbuf.Array2D[kernels.Depth], points *devbuf.Array2D[kernels.Point], normals *devbuf.Array2D[kernels.Normal]) error
	ResizeDepthNormals(depth devbuf.Array2D[kernels.Depth], normals devbuf.Array2D[kernels.Normal], depthOut *devbuf.Array2D[kernels.Depth], normalsOut *devbuf.Array2D[kernels.Normal]) error
	ResizePointsNormals(points devbuf.Array2D[kernels.Point], normals devbuf.Array2D[kernels.Normal], pointsOut *devbuf.Array2D[kernels.Point], normalsOut *devbuf.Array2D[kernels.Normal]) error

	RenderImage(points devbuf.Array2D[kernels.Point], normals devbuf.Array2D[kernels.Normal], intr kernels.Intr, light mathutil.Vec3, out *devbuf.Array2D[kernels.RGB]) error
	RenderImageDepth(depth devbuf.Array2D[kernels.Depth], normals devbuf.Array2D[kernels.Normal], intr kernels.Intr, light mathutil.Vec3, out *devbuf.Array2D[kernels.RGB]) error
	RenderTangentColors(normals devbuf.Array2D[kernels.Normal], out *devbuf.Array2D[kernels.RGB]) error
	RenderVertexColors(points devbuf.Array2D[kernels.Point], normals devbuf.Array2D[kernels.Normal], intr kernels.Intr, light mathutil.Vec3, colors devbuf.Array2D[kernels.RGB], out *devbuf.Array2D[kernels.RGB]) error
	RenderVertexColorsDepth(depth devbuf.Array2D[kernels.Depth], normals devbuf.Array2D[kernels.Normal], intr kernels.Intr, light mathutil.Vec3, colors devbuf.Array2D[kernels.RGB], out *devbuf.Array2D[kernels.RGB]) error

	WaitAll() error
}
