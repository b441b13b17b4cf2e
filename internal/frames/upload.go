package frames

import (
	"encoding/binary"
	"image"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
)

// Upload copies f into the depth and color device buffers, allocating them
// as needed. A frame without color releases the color buffer.
func Upload(f Frame, depth *devbuf.Array2D[kernels.Depth], color *devbuf.Array2D[kernels.RGB]) error {
	if err := uploadDepth(f.Depth, depth); err != nil {
		return err
	}
	if f.Color == nil {
		color.Release()
		return nil
	}
	return uploadColor(f.Color, color)
}

func uploadDepth(img *image.Gray16, dst *devbuf.Array2D[kernels.Depth]) error {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	data := make([]kernels.Depth, cols*rows)
	for y := 0; y < rows; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < cols; x++ {
			// Gray16 stores samples big-endian.
			data[y*cols+x] = kernels.Depth(binary.BigEndian.Uint16(row[x*2:]))
		}
	}
	return dst.Upload(data, cols, rows, cols)
}

func uploadColor(img *image.NRGBA, dst *devbuf.Array2D[kernels.RGB]) error {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	data := make([]kernels.RGB, cols*rows)
	for y := 0; y < rows; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < cols; x++ {
			p := row[x*4:]
			data[y*cols+x] = kernels.RGB{R: p[0], G: p[1], B: p[2], W: 255}
		}
	}
	return dst.Upload(data, cols, rows, cols)
}
