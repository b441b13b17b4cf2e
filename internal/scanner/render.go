package scanner

import (
	"fmt"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

// RenderMode selects what Render and RenderPose draw.
type RenderMode int

const (
	// RenderShaded draws the surface in gray with Phong shading.
	RenderShaded RenderMode = iota
	// RenderNormals draws normals as tangent colors.
	RenderNormals
	// RenderSideBySide draws a double-width image: the shaded surface on
	// the left, colored surface on the right.
	RenderSideBySide
)

// String implements fmt.Stringer.
func (m RenderMode) String() string {
	switch m {
	case RenderNormals:
		return "normals"
	case RenderSideBySide:
		return "side-by-side"
	default:
		return "shaded"
	}
}

// Render draws the surface predicted for the latest camera pose into out,
// at the resolution of the last processed frame. In side-by-side mode the right half is shaded with the last color frame.
// Unknown modes render shaded.
func (s *Scanner) Render(out *devbuf.Array2D[kernels.RGB], mode RenderMode) error {
	s.applyParams()
	v := frameView(&s.prev)
	return s.render(out, mode, v, func(right *devbuf.Array2D[kernels.RGB]) error {
		return s.repr.tint(s.k, v, s.params.Intr, s.params.LightPose, s.color, right)
	})
}

// RenderPose ray casts the volume from pose and draws it into out. In
// side-by-side mode the right half shows tangent colors.
func (s *Scanner) RenderPose(out *devbuf.Array2D[kernels.RGB], pose mathutil.Affine, mode RenderMode) error {
	s.applyParams()
	if err := s.allocate(); err != nil {
		return err
	}
	if err := s.repr.raycast(s.volume, pose, s.params.Intr, &s.scratch); err != nil {
		return fmt.Errorf("scanner: raycast: %w", err)
	}
	v := s.scratch
	return s.render(out, mode, v, func(right *devbuf.Array2D[kernels.RGB]) error {
		return s.k.RenderTangentColors(v.normals, right)
	})
}

func (s *Scanner) render(out *devbuf.Array2D[kernels.RGB], mode RenderMode, v view, drawRight func(*devbuf.Array2D[kernels.RGB]) error) error {
	p := &s.params
	// The view keeps the resolution it was predicted at until the next
	// frame, even when Params changed since.
	rows, cols := v.normals.Rows(), v.normals.Cols()
	outCols := cols
	if mode == RenderSideBySide {
		outCols *= 2
	}
	if err := out.Create(rows, outCols); err != nil {
		return fmt.Errorf("scanner: render: %w", err)
	}

	switch mode {
	case RenderNormals:
		return s.k.RenderTangentColors(v.normals, out)
	case RenderSideBySide:
		left, err := out.Window(0, 0, rows, cols)
		if err != nil {
			return err
		}
		right, err := out.Window(0, cols, rows, cols)
		if err != nil {
			return err
		}
		if err := s.repr.shade(s.k, v, p.Intr, p.LightPose, &left); err != nil {
			return err
		}
		return drawRight(&right)
	default:
		return s.repr.shade(s.k, v, p.Intr, p.LightPose, out)
	}
}
