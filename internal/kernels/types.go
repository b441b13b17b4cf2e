// Package kernels holds the pixel types exchanged between pipeline stages
// and a CPU implementation of the image-processing kernels that runs on
// host-addressable devices.
package kernels

import (
	"math"

	"kinfu-scanner/internal/mathutil"
)

// MaxPyramidLevels is the number of levels in a frame pyramid.
const MaxPyramidLevels = 4

// Depth is a raw depth sample in millimeters. Zero means no measurement.
type Depth uint16

// Dist is the distance in meters from the camera center to the surface
// along the pixel ray.
type Dist float32

// Point is a camera-space position in meters. W is padding. An invalid
// point has NaN components.
type Point struct {
	X, Y, Z, W float32
}

// Normal is a unit surface normal laid out like Point.
type Normal = Point

// RGB is a packed 8-bit color in B, G, R, W byte order.
type RGB struct {
	B, G, R, W uint8
}

var nan32 = float32(math.NaN())

// InvalidPoint is the marker stored for pixels without a surface.
var InvalidPoint = Point{X: nan32, Y: nan32, Z: nan32}

// Valid reports whether p holds a surface sample.
func (p Point) Valid() bool {
	return !math.IsNaN(float64(p.X))
}

// Vec returns the point as a double-precision vector.
func (p Point) Vec() mathutil.Vec3 {
	return mathutil.V3(p.X, p.Y, p.Z)
}

// PointOf converts v to single precision.
func PointOf(v mathutil.Vec3) Point {
	x, y, z := v.F32()
	return Point{X: x, Y: y, Z: z}
}

// Intr holds pinhole camera intrinsics in pixels.
type Intr struct {
	Fx, Fy, Cx, Cy float32
}

// Level returns the intrinsics of pyramid level l, where every level
// halves the resolution of the one above.
func (in Intr) Level(l int) Intr {
	div := float32(int(1) << l)
	return Intr{Fx: in.Fx / div, Fy: in.Fy / div, Cx: in.Cx / div, Cy: in.Cy / div}
}

// Reproject returns the camera-space point seen at pixel (x, y) at depth
// z meters.
func (in Intr) Reproject(x, y int, z float32) mathutil.Vec3 {
	zf := float64(z)
	return mathutil.Vec3{
		(float64(x) - float64(in.Cx)) * zf / float64(in.Fx),
		(float64(y) - float64(in.Cy)) * zf / float64(in.Fy),
		zf,
	}
}

// Project returns the pixel coordinates of camera-space point p.
func (in Intr) Project(p mathutil.Vec3) (u, v float64) {
	return p[0]*float64(in.Fx)/p[2] + float64(in.Cx),
		p[1]*float64(in.Fy)/p[2] + float64(in.Cy)
}
