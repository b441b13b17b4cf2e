// Package scanner runs the per-frame reconstruction pipeline: it filters
// each depth frame into a pyramid, tracks the camera against the previous
// prediction, fuses the frame into the volume and ray casts the prediction
// for the next frame.
package scanner

import (
	"errors"
	"fmt"
	"time"

	"kinfu-scanner/internal/config"
	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/icp"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
	"kinfu-scanner/internal/tsdf"
)

// ErrInvalidParams is returned by New when the parameters break a hard
// precondition.
var ErrInvalidParams = config.ErrInvalidParams

// ErrMissingDependency is returned by New when a collaborator is nil.
var ErrMissingDependency = errors.New("scanner: missing dependency")

// Deps are the collaborators a Scanner drives.
type Deps struct {
	Volume       Volume
	Registration Registration
	Kernels      Kernels

	// Metrics may be nil.
	Metrics *Metrics

	// Device holds the scanner's buffers. Nil means the current device.
	Device device.Device
}

// Scanner is a reconstruction session. It is not safe for concurrent use.
type Scanner struct {
	params  config.Params
	dev     device.Device
	volume  Volume
	icp     Registration
	k       Kernels
	metrics *Metrics
	repr    representation

	frameCounter int
	poses        []mathutil.Affine

	dists   devbuf.Array2D[kernels.Dist]
	curr    Frame
	prev    Frame
	scratch view

	// color aliases the last color frame passed to ProcessFrame.
	color devbuf.Array2D[kernels.RGB]
}

// New validates params, configures the collaborators and allocates every
// buffer a frame needs.
func New(params config.Params, deps Deps) (*Scanner, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if deps.Volume == nil || deps.Registration == nil || deps.Kernels == nil {
		return nil, ErrMissingDependency
	}
	dev := deps.Device
	if dev == nil {
		dev = device.Current()
	}

	params.ICPIterNum = append([]int(nil), params.ICPIterNum...)
	s := &Scanner{
		params:  params,
		dev:     dev,
		volume:  deps.Volume,
		icp:     deps.Registration,
		k:       deps.Kernels,
		metrics: deps.Metrics,
		repr:    newRepresentation(params.Representation),
		dists:   devbuf.OnDevice2D[kernels.Dist](dev),
		curr:    newFrame(dev),
		prev:    newFrame(dev),
		scratch: view{
			depth:   devbuf.OnDevice2D[kernels.Depth](dev),
			points:  devbuf.OnDevice2D[kernels.Point](dev),
			normals: devbuf.OnDevice2D[kernels.Normal](dev),
		},
		color: devbuf.OnDevice2D[kernels.RGB](dev),
	}
	s.applyParams()
	if err := s.allocate(); err != nil {
		s.releaseBuffers()
		return nil, err
	}
	if err := s.Reset(); err != nil {
		s.releaseBuffers()
		return nil, err
	}
	slogger().Debug("scanner created",
		"cols", params.Cols, "rows", params.Rows,
		"volume_dims", params.VolumeDims, "representation", s.repr.kind())
	return s, nil
}

// NewHost builds a Scanner with the CPU volume, registration and kernels
// on dev. workers bounds the goroutines each of them uses; zero or less
// uses GOMAXPROCS.
func NewHost(params config.Params, dev device.Device, workers int, metrics *Metrics) (*Scanner, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		dev = device.Current()
	}
	vol, err := tsdf.New(dev, params.VolumeDims, tsdf.WithWorkers(workers))
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	s, err := New(params, Deps{
		Volume:       vol,
		Registration: icp.New(icp.WithWorkers(workers)),
		Kernels:      kernels.NewHost(dev, kernels.WithWorkers(workers)),
		Metrics:      metrics,
		Device:       dev,
	})
	if err != nil {
		vol.Release()
		return nil, err
	}
	return s, nil
}

// applyParams pushes the current parameters to the collaborators.
func (s *Scanner) applyParams() {
	p := &s.params
	s.volume.SetTruncDist(p.TSDFTruncDist)
	s.volume.SetMaxWeight(p.TSDFMaxWeight)
	s.volume.SetSize(p.VolumeSize)
	s.volume.SetPose(p.VolumePose)
	s.volume.SetRaycastStepFactor(p.RaycastStepFactor)
	s.volume.SetGradientDeltaFactor(p.GradientDeltaFactor)

	s.icp.SetDistThreshold(p.ICPDistThres)
	s.icp.SetAngleThreshold(p.ICPAngleThres)
	s.icp.SetIterationsNum(p.ICPIterNum)
}

// allocate sizes all frame buffers for the configured resolution.
func (s *Scanner) allocate() error {
	rows, cols := s.params.Rows, s.params.Cols
	if err := s.dists.Create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	if err := s.curr.create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	if err := s.prev.create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	if err := s.scratch.depth.Create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	if err := s.scratch.points.Create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	if err := s.scratch.normals.Create(rows, cols); err != nil {
		return fmt.Errorf("scanner: allocate: %w", err)
	}
	return nil
}

// Release frees every buffer the scanner owns. The volume is released too
// when it supports it.
func (s *Scanner) Release() {
	s.releaseBuffers()
	if r, ok := s.volume.(interface{ Release() }); ok {
		r.Release()
	}
}

func (s *Scanner) releaseBuffers() {
	s.dists.Release()
	s.curr.release()
	s.prev.release()
	s.scratch.depth.Release()
	s.scratch.points.Release()
	s.scratch.normals.Release()
	s.color.Release()
}

// Reset starts a new session: the trajectory returns to the identity pose
// and the volume is cleared.
func (s *Scanner) Reset() error {
	if s.frameCounter != 0 {
		slogger().Info("reset", "frames", s.frameCounter)
		s.metrics.reset()
	}
	s.frameCounter = 0
	s.poses = append(s.poses[:0], mathutil.Identity())
	if err := s.volume.Clear(); err != nil {
		return fmt.Errorf("scanner: reset: %w", err)
	}
	return nil
}

// ProcessFrame runs one depth frame and its color frame through the
// pipeline. It reports whether the camera was tracked; the first frame of
// a session and frames that lose tracking report false. Losing tracking
// resets the session and is not an error.
func (s *Scanner) ProcessFrame(depth devbuf.Array2D[kernels.Depth], color devbuf.Array2D[kernels.RGB]) (bool, error) {
	defer s.metrics.observe(time.Now())
	return s.processFrame(depth, color)
}

func (s *Scanner) processFrame(depth devbuf.Array2D[kernels.Depth], color devbuf.Array2D[kernels.RGB]) (bool, error) {
	s.applyParams()
	if err := s.allocate(); err != nil {
		return false, err
	}
	s.color.Assign(color)

	p := &s.params
	levels := min(s.icp.UsedLevelsNum(), kernels.MaxPyramidLevels)
	if levels < 1 {
		return false, fmt.Errorf("%w: no registration levels", ErrInvalidParams)
	}

	if err := s.k.ComputeDists(depth, &s.dists, p.Intr); err != nil {
		return false, fmt.Errorf("scanner: dists: %w", err)
	}
	if err := s.k.BilateralFilter(depth, &s.curr.Depth[0], p.BilateralKernelSize, p.BilateralSigmaSpatial, p.BilateralSigmaDepth); err != nil {
		return false, fmt.Errorf("scanner: bilateral: %w", err)
	}
	if p.ICPTruncateDepthDist > 0 {
		if err := s.k.DepthTruncation(s.curr.Depth[0], p.ICPTruncateDepthDist); err != nil {
			return false, fmt.Errorf("scanner: truncate: %w", err)
		}
	}
	for l := 1; l < levels; l++ {
		if err := s.k.BuildPyramid(s.curr.Depth[l-1], &s.curr.Depth[l], p.BilateralSigmaDepth); err != nil {
			return false, fmt.Errorf("scanner: pyramid level %d: %w", l, err)
		}
	}
	if err := s.repr.derive(s.k, p.Intr, &s.curr, levels); err != nil {
		return false, fmt.Errorf("scanner: normals: %w", err)
	}
	if err := s.k.WaitAll(); err != nil {
		return false, err
	}

	if s.frameCounter == 0 {
		if err := s.volume.Integrate(s.dists, s.color, s.poses[len(s.poses)-1], p.Intr); err != nil {
			return false, fmt.Errorf("scanner: integrate: %w", err)
		}
		s.repr.promote(&s.curr, &s.prev)
		s.frameCounter++
		s.metrics.bootstrap()
		slogger().Debug("bootstrap frame", "levels", levels)
		return false, nil
	}

	affine, ok, err := s.repr.register(s.icp, p.Intr, &s.curr, &s.prev, levels)
	if err != nil {
		return false, fmt.Errorf("scanner: register: %w", err)
	}
	if !ok {
		slogger().Info("tracking lost", "frame", s.frameCounter)
		return false, s.Reset()
	}

	pose := s.poses[len(s.poses)-1].Mul(affine)

	motion := float32((affine.RVec().Len() + affine.T.Len()) / 2)
	if motion >= p.TSDFMinCameraMovement {
		if err := s.volume.Integrate(s.dists, s.color, pose, p.Intr); err != nil {
			return false, fmt.Errorf("scanner: integrate: %w", err)
		}
	} else {
		s.metrics.skipped()
		slogger().Debug("integration skipped", "motion", motion, "min", p.TSDFMinCameraMovement)
	}

	if err := s.repr.predict(s.volume, s.k, pose, p.Intr, &s.prev, levels); err != nil {
		return false, fmt.Errorf("scanner: predict: %w", err)
	}
	if err := s.k.WaitAll(); err != nil {
		return false, err
	}

	// The pose and the frame counter advance together.
	s.poses = append(s.poses, pose)
	s.frameCounter++
	s.metrics.track()
	return true, nil
}

// Params returns the live parameters. Changes take effect on the next
// frame or render.
func (s *Scanner) Params() *config.Params { return &s.params }

func (s *Scanner) Volume() Volume             { return s.volume }
func (s *Scanner) Registration() Registration { return s.icp }
func (s *Scanner) Device() device.Device      { return s.dev }

// FrameCounter returns the number of frames processed in this session.
func (s *Scanner) FrameCounter() int { return s.frameCounter }

// CameraPose returns the camera pose after frame t, or the latest pose when
// t is out of range.
func (s *Scanner) CameraPose(t int) mathutil.Affine {
	if t < 0 || t >= len(s.poses) {
		t = len(s.poses) - 1
	}
	return s.poses[t]
}

// Poses returns a copy of the trajectory.
func (s *Scanner) Poses() []mathutil.Affine {
	return append([]mathutil.Affine(nil), s.poses...)
}
