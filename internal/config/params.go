package config

import (
	"errors"
	"fmt"

	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("invalid scanner parameters")

// Representation selects how pyramids carry geometry.
type Representation string

const (
	RepresentationPoints Representation = "points"
	RepresentationDepth  Representation = "depth"
)

// Params are the pipeline parameters. They may be changed between frames
// and take effect on the next one.
type Params struct {
	Cols int          `json:"cols" yaml:"cols"`
	Rows int          `json:"rows" yaml:"rows"`
	Intr kernels.Intr `json:"intr" yaml:"intr"`

	VolumeDims [3]int          `json:"volume_dims" yaml:"volume_dims"`
	VolumeSize mathutil.Vec3   `json:"volume_size" yaml:"volume_size"`
	VolumePose mathutil.Affine `json:"volume_pose" yaml:"volume_pose"`

	BilateralSigmaDepth   float32 `json:"bilateral_sigma_depth" yaml:"bilateral_sigma_depth"`
	BilateralSigmaSpatial float32 `json:"bilateral_sigma_spatial" yaml:"bilateral_sigma_spatial"`
	BilateralKernelSize   int     `json:"bilateral_kernel_size" yaml:"bilateral_kernel_size"`

	// ICPTruncateDepthDist drops depth beyond this many meters. Zero
	// disables truncation.
	ICPTruncateDepthDist float32 `json:"icp_truncate_depth_dist" yaml:"icp_truncate_depth_dist"`
	ICPDistThres         float32 `json:"icp_dist_thres" yaml:"icp_dist_thres"`
	ICPAngleThres        float32 `json:"icp_angle_thres" yaml:"icp_angle_thres"`
	ICPIterNum           []int   `json:"icp_iter_num" yaml:"icp_iter_num"`

	// TSDFMinCameraMovement is the motion below which frames are not fused.
	// Zero fuses every tracked frame.
	TSDFMinCameraMovement float32 `json:"tsdf_min_camera_movement" yaml:"tsdf_min_camera_movement"`
	TSDFTruncDist         float32 `json:"tsdf_trunc_dist" yaml:"tsdf_trunc_dist"`
	TSDFMaxWeight         int     `json:"tsdf_max_weight" yaml:"tsdf_max_weight"`

	RaycastStepFactor   float32 `json:"raycast_step_factor" yaml:"raycast_step_factor"`
	GradientDeltaFactor float32 `json:"gradient_delta_factor" yaml:"gradient_delta_factor"`

	LightPose      mathutil.Vec3  `json:"light_pose" yaml:"light_pose"`
	Representation Representation `json:"representation" yaml:"representation"`
}

// DefaultParams returns parameters for a 640×480 depth camera scanning a
// 1.5 m cube half a meter in front of it.
func DefaultParams() Params {
	const cols, rows = 640, 480
	return Params{
		Cols: cols,
		Rows: rows,
		Intr: kernels.Intr{Fx: 525, Fy: 525, Cx: cols/2 - 0.5, Cy: rows/2 - 0.5},

		VolumeDims: [3]int{512, 512, 512},
		VolumeSize: mathutil.Vec3{1.5, 1.5, 1.5},
		VolumePose: mathutil.Translate(-0.75, -0.75, 0.5),

		BilateralSigmaDepth:   0.04,
		BilateralSigmaSpatial: 4.5,
		BilateralKernelSize:   7,

		ICPTruncateDepthDist: 0,
		ICPDistThres:         0.1,
		ICPAngleThres:        float32(mathutil.Deg2Rad(30)),
		ICPIterNum:           []int{10, 5, 4, 0},

		TSDFMinCameraMovement: 0,
		TSDFTruncDist:         0.04,
		TSDFMaxWeight:         64,

		RaycastStepFactor:   0.75,
		GradientDeltaFactor: 0.5,

		Representation: RepresentationPoints,
	}
}

// UsedLevels returns the number of pyramid levels the iteration counts
// reach.
func (p *Params) UsedLevels() int {
	i := len(p.ICPIterNum) - 1
	for i >= 0 && p.ICPIterNum[i] == 0 {
		i--
	}
	return i + 1
}

// Validate checks the hard preconditions of the pipeline.
func (p *Params) Validate() error {
	if p.Cols <= 0 || p.Rows <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidParams, p.Cols, p.Rows)
	}
	for _, d := range p.VolumeDims {
		if d <= 0 || d%32 != 0 {
			return fmt.Errorf("%w: volume dims %v must be positive multiples of 32", ErrInvalidParams, p.VolumeDims)
		}
	}
	if len(p.ICPIterNum) == 0 || len(p.ICPIterNum) > kernels.MaxPyramidLevels {
		return fmt.Errorf("%w: %d icp levels, want 1..%d", ErrInvalidParams, len(p.ICPIterNum), kernels.MaxPyramidLevels)
	}
	for _, n := range p.ICPIterNum {
		if n < 0 {
			return fmt.Errorf("%w: negative icp iteration count %v", ErrInvalidParams, p.ICPIterNum)
		}
	}
	if p.UsedLevels() == 0 {
		return fmt.Errorf("%w: no icp iterations", ErrInvalidParams)
	}
	if p.BilateralKernelSize <= 0 {
		return fmt.Errorf("%w: bilateral kernel size %d", ErrInvalidParams, p.BilateralKernelSize)
	}
	switch p.Representation {
	case "", RepresentationPoints, RepresentationDepth:
	default:
		return fmt.Errorf("%w: representation %q", ErrInvalidParams, p.Representation)
	}
	return nil
}
