package frames

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "github.com/ftrvxmtrx/tga"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ErrSizeMismatch is returned for depth images whose size differs from the
// configured resolution. Depth is never resampled.
var ErrSizeMismatch = errors.New("frames: depth size mismatch")

// LoadDepth reads a 16-bit depth image in millimeters (PNG or TIFF). Images
// with fewer bits per sample are widened.
func LoadDepth(path string, cols, rows int) (*image.Gray16, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() != cols || b.Dy() != rows {
		return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrSizeMismatch, path, b.Dx(), b.Dy(), cols, rows)
	}
	return toGray16(img), nil
}

// LoadColor reads a color image (PNG, JPEG, TGA or TIFF) and rescales it to
// cols×rows if needed.
func LoadColor(path string, cols, rows int) (*image.NRGBA, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	n := toNRGBA(img)
	if b := n.Bounds(); b.Dx() == cols && b.Dy() == rows {
		return n, nil
	}
	return Rescale(n, cols, rows), nil
}

// Rescale resizes img to cols×rows with bilinear filtering.
func Rescale(img *image.NRGBA, cols, rows int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frames: read %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("frames: decode %s: %w", path, err)
	}
	return img, nil
}

// toGray16 converts any image to 16-bit gray.
func toGray16(src image.Image) *image.Gray16 {
	if g, ok := src.(*image.Gray16); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16Model.Convert(src.At(x, y)).(color.Gray16))
		}
	}
	return dst
}

// toNRGBA converts any image to NRGBA format with its origin at (0, 0).
func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src.(type) {
	case *image.YCbCr, *image.Gray, *image.RGBA:
		// Opaque or premultiplied: draw converts directly.
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
				i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
				dst.Pix[i] = c.R
				dst.Pix[i+1] = c.G
				dst.Pix[i+2] = c.B
				dst.Pix[i+3] = c.A
			}
		}
	}
	return dst
}
