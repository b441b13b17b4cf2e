package trajectory

import (
	"errors"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"kinfu-scanner/internal/mathutil"
)

// ErrEmpty is returned when plotting an empty trajectory.
var ErrEmpty = errors.New("trajectory: no poses")

// TopDown projects the camera positions onto the X/Z ground plane.
func TopDown(poses []mathutil.Affine) plotter.XYs {
	pts := make(plotter.XYs, len(poses))
	for i, p := range poses {
		pts[i] = plotter.XY{X: p.T[0], Y: p.T[2]}
	}
	return pts
}

// Plot draws the top-down camera path and saves it to path. The image
// format follows the file extension (png, svg, pdf...).
func Plot(poses []mathutil.Affine, title, path string) error {
	if len(poses) == 0 {
		return ErrEmpty
	}
	pts := TopDown(poses)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.Add(plotter.NewGrid())

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	line.Width = vg.Points(1)
	points.GlyphStyle.Radius = vg.Points(1.5)
	points.GlyphStyle.Color = line.Color
	p.Add(line, points)
	p.Legend.Add("camera", line)

	ends, err := plotter.NewScatter(plotter.XYs{pts[0], pts[len(pts)-1]})
	if err != nil {
		return err
	}
	ends.GlyphStyle.Shape = draw.SquareGlyph{}
	ends.GlyphStyle.Radius = vg.Points(3)
	ends.GlyphStyle.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	p.Add(ends)
	p.Legend.Add("start/end", ends)

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}
