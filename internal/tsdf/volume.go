// Package tsdf implements a truncated signed distance volume on the CPU.
// Voxels live in device memory and are accessed in place, so the volume
// requires a host-addressable device.
package tsdf

import (
	"errors"
	"fmt"
	"math"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/workpool"
)

var (
	// ErrInvalidDims is returned for non-positive volume dimensions.
	ErrInvalidDims = errors.New("tsdf: invalid volume dimensions")

	// ErrNoOutput is returned when a ray cast target has not been sized.
	ErrNoOutput = errors.New("tsdf: ray cast output is empty")
)

// Voxel is one cell of the volume. Tsdf is the truncated signed distance
// normalized to [-1, 1], positive in front of the surface. A zero Weight
// means the voxel has never been observed.
type Voxel struct {
	Tsdf   float32
	Weight int32
	Color  kernels.RGB
}

// Volume is a cube of voxels placed in the world by a pose.
type Volume struct {
	dims       [3]int
	size       mathutil.Vec3
	pose       mathutil.Affine
	truncDist  float32
	maxWeight  int
	stepFactor float32
	gradFactor float32
	workers    int

	voxels devbuf.Array[Voxel]
}

// Option configures a Volume.
type Option func(*Volume)

// WithWorkers sets the number of goroutines integration and ray casting
// use. Zero or less uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(v *Volume) { v.workers = n }
}

// New allocates a cleared volume of dims voxels on dev. A nil dev means
// the current device.
func New(dev device.Device, dims [3]int, opts ...Option) (*Volume, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDims, dims)
	}
	if dev == nil {
		dev = device.Current()
	}
	v := &Volume{
		dims:       dims,
		size:       mathutil.Vec3{1.5, 1.5, 1.5},
		pose:       mathutil.Identity(),
		truncDist:  0.04,
		maxWeight:  64,
		stepFactor: 0.75,
		gradFactor: 0.5,
		voxels:     devbuf.OnDevice[Voxel](dev),
	}
	for _, o := range opts {
		o(v)
	}
	if err := v.voxels.Create(dims[0] * dims[1] * dims[2]); err != nil {
		return nil, fmt.Errorf("tsdf: allocate %v voxels: %w", dims, err)
	}
	if err := v.Clear(); err != nil {
		v.voxels.Release()
		return nil, err
	}
	return v, nil
}

// Release frees the voxel memory.
func (v *Volume) Release() { v.voxels.Release() }

// Clear marks every voxel unobserved.
func (v *Volume) Clear() error {
	vs, err := devbuf.HostSlice(v.voxels)
	if err != nil {
		return fmt.Errorf("tsdf: clear: %w", err)
	}
	clear(vs)
	return nil
}

func (v *Volume) SetTruncDist(d float32)           { v.truncDist = d }
func (v *Volume) SetMaxWeight(w int)               { v.maxWeight = w }
func (v *Volume) SetSize(s mathutil.Vec3)          { v.size = s }
func (v *Volume) SetPose(p mathutil.Affine)        { v.pose = p }
func (v *Volume) SetRaycastStepFactor(f float32)   { v.stepFactor = f }
func (v *Volume) SetGradientDeltaFactor(f float32) { v.gradFactor = f }
func (v *Volume) Dims() [3]int                     { return v.dims }
func (v *Volume) Size() mathutil.Vec3              { return v.size }
func (v *Volume) Pose() mathutil.Affine            { return v.pose }
func (v *Volume) TruncDist() float32               { return v.truncDist }
func (v *Volume) MaxWeight() int                   { return v.maxWeight }
func (v *Volume) Voxels() devbuf.Array[Voxel]      { return v.voxels }

// CellSize returns the edge lengths of one voxel in meters.
func (v *Volume) CellSize() mathutil.Vec3 {
	return mathutil.Vec3{
		v.size[0] / float64(v.dims[0]),
		v.size[1] / float64(v.dims[1]),
		v.size[2] / float64(v.dims[2]),
	}
}

func (v *Volume) index(x, y, z int) int {
	return (z*v.dims[1]+y)*v.dims[0] + x
}

// Integrate fuses one range image, taken from camera pose camPose, into the
// volume. dists holds ray distances in meters. color may be empty; if not,
// it must match dists in extent and is blended into voxels near the
// surface.
func (v *Volume) Integrate(dists devbuf.Array2D[kernels.Dist], color devbuf.Array2D[kernels.RGB], camPose mathutil.Affine, intr kernels.Intr) error {
	if !color.Empty() && !color.SameSize(dists.Rows(), dists.Cols()) {
		return fmt.Errorf("%w: dists %dx%d, color %dx%d",
			kernels.ErrSizeMismatch, dists.Rows(), dists.Cols(), color.Rows(), color.Cols())
	}
	vs, err := devbuf.HostSlice(v.voxels)
	if err != nil {
		return fmt.Errorf("tsdf: integrate: %w", err)
	}
	dg, err := devbuf.HostGrid(dists)
	if err != nil {
		return fmt.Errorf("tsdf: integrate: %w", err)
	}
	cg, err := devbuf.HostGrid(color)
	if err != nil {
		return fmt.Errorf("tsdf: integrate: %w", err)
	}

	volToCam := camPose.Inv().Mul(v.pose)
	cell := v.CellSize()
	trunc := float64(v.truncDist)
	maxW := int32(v.maxWeight)
	rows, cols := dg.Rows(), dg.Cols()

	workpool.Each(v.workers, v.dims[2], func(z int) {
		for y := 0; y < v.dims[1]; y++ {
			for x := 0; x < v.dims[0]; x++ {
				local := mathutil.Vec3{
					(float64(x) + 0.5) * cell[0],
					(float64(y) + 0.5) * cell[1],
					(float64(z) + 0.5) * cell[2],
				}
				pc := volToCam.Apply(local)
				if pc[2] <= 0 {
					continue
				}
				u, w := intr.Project(pc)
				ui, vi := int(math.Round(u)), int(math.Round(w))
				if ui < 0 || vi < 0 || ui >= cols || vi >= rows {
					continue
				}
				d := float64(dg.Row(vi)[ui])
				if d == 0 {
					continue
				}
				sdf := d - pc.Len()
				if sdf < -trunc {
					continue
				}
				f := math.Min(1, sdf/trunc)

				vox := &vs[v.index(x, y, z)]
				wt := float64(vox.Weight)
				vox.Tsdf = float32((float64(vox.Tsdf)*wt + f) / (wt + 1))
				if cg.Rows() > 0 && sdf < trunc {
					c := cg.Row(vi)[ui]
					vox.Color = kernels.RGB{
						B: blend(vox.Color.B, c.B, wt),
						G: blend(vox.Color.G, c.G, wt),
						R: blend(vox.Color.R, c.R, wt),
					}
				}
				vox.Weight = min(vox.Weight+1, maxW)
			}
		}
	})
	return nil
}

func blend(old, sample uint8, w float64) uint8 {
	return uint8((float64(old)*w+float64(sample))/(w+1) + 0.5)
}

// Occupied returns the number of observed voxels.
func (v *Volume) Occupied() (int, error) {
	vs, err := devbuf.HostSlice(v.voxels)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range vs {
		if vs[i].Weight > 0 {
			n++
		}
	}
	return n, nil
}
