// Package snapshot writes rendered frames to disk.
package snapshot

import (
	"image"

	"golang.org/x/image/draw"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/kernels"
)

// ToImage downloads a rendered RGB grid into an opaque NRGBA image.
func ToImage(a devbuf.Array2D[kernels.RGB]) (*image.NRGBA, error) {
	px, cols, err := a.DownloadSlice()
	if err != nil {
		return nil, err
	}
	rows := a.Rows()
	img := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			c := px[y*cols+x]
			i := img.PixOffset(x, y)
			img.Pix[i] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = 255
		}
	}
	return img, nil
}

// Scale resizes img by factor with CatmullRom filtering. Factors of 1 or
// less return img unchanged.
func Scale(img *image.NRGBA, factor int) *image.NRGBA {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
