package scanner

import (
	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/kernels"
)

// Frame is a multi-resolution pyramid. Level 0 has the full image
// resolution; each further level halves both dimensions.
type Frame struct {
	Depth   []devbuf.Array2D[kernels.Depth]
	Points  []devbuf.Array2D[kernels.Point]
	Normals []devbuf.Array2D[kernels.Normal]
}

func newFrame(dev device.Device) Frame {
	f := Frame{
		Depth:   make([]devbuf.Array2D[kernels.Depth], kernels.MaxPyramidLevels),
		Points:  make([]devbuf.Array2D[kernels.Point], kernels.MaxPyramidLevels),
		Normals: make([]devbuf.Array2D[kernels.Normal], kernels.MaxPyramidLevels),
	}
	for l := 0; l < kernels.MaxPyramidLevels; l++ {
		f.Depth[l] = devbuf.OnDevice2D[kernels.Depth](dev)
		f.Points[l] = devbuf.OnDevice2D[kernels.Point](dev)
		f.Normals[l] = devbuf.OnDevice2D[kernels.Normal](dev)
	}
	return f
}

// create sizes every level for a rows×cols image. Levels that already
// have the right size keep their content.
func (f *Frame) create(rows, cols int) error {
	for l := 0; l < kernels.MaxPyramidLevels; l++ {
		if err := f.Depth[l].Create(rows, cols); err != nil {
			return err
		}
		if err := f.Points[l].Create(rows, cols); err != nil {
			return err
		}
		if err := f.Normals[l].Create(rows, cols); err != nil {
			return err
		}
		rows, cols = rows/2, cols/2
	}
	return nil
}

func (f *Frame) release() {
	for l := range f.Depth {
		f.Depth[l].Release()
		f.Points[l].Release()
		f.Normals[l].Release()
	}
}

func swapLevels[T any](a, b []devbuf.Array2D[T]) {
	for l := range a {
		a[l].Swap(&b[l])
	}
}
