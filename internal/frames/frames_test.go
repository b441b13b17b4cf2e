package frames

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/kernels"
)

const (
	testCols = 8
	testRows = 6
)

func depthImage(base uint16) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, testCols, testRows))
	for y := 0; y < testRows; y++ {
		for x := 0; x < testCols; x++ {
			img.SetGray16(x, y, color.Gray16{Y: base + uint16(y*testCols+x)})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeTIFF(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

// newSession writes n depth frames and, if withColor, n solid color frames.
func newSession(t *testing.T, n int, withColor bool) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "depth"), 0755))
	if withColor {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "color"), 0755))
	}
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "depth", frameName(i, ".png"))
		writePNG(t, name, depthImage(uint16(1000*(i+1))))
		if withColor {
			c := image.NewNRGBA(image.Rect(0, 0, testCols, testRows))
			for p := 0; p < len(c.Pix); p += 4 {
				c.Pix[p], c.Pix[p+1], c.Pix[p+2], c.Pix[p+3] = uint8(10*i), 128, 255, 255
			}
			writePNG(t, filepath.Join(dir, "color", frameName(i, ".png")), c)
		}
	}
	return dir
}

func frameName(i int, ext string) string {
	return fmt.Sprintf("f%02d%s", i, ext)
}

func TestScanPairsDepthAndColor(t *testing.T) {
	dir := newSession(t, 3, true)
	// Unrelated files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "depth", "notes.txt"), []byte("x"), 0644))

	s, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Len(t, s.Color, 3)
	assert.Equal(t, filepath.Join(dir, "depth", "f00.png"), s.Depth[0])
	assert.Equal(t, filepath.Join(dir, "color", "f02.png"), s.Color[2])
}

func TestScanWithoutColor(t *testing.T) {
	s, err := Scan(newSession(t, 2, false))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Empty(t, s.Color)
}

func TestScanDropsMismatchedColor(t *testing.T) {
	dir := newSession(t, 2, true)
	require.NoError(t, os.Remove(filepath.Join(dir, "color", "f01.png")))

	s, err := Scan(dir)
	require.NoError(t, err)
	assert.Empty(t, s.Color)
}

func TestScanErrors(t *testing.T) {
	_, err := Scan(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "depth"), 0755))
	_, err = Scan(dir)
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestLoadDepthFormats(t *testing.T) {
	dir := t.TempDir()
	want := depthImage(4000)

	pngPath := filepath.Join(dir, "d.png")
	writePNG(t, pngPath, want)
	got, err := LoadDepth(pngPath, testCols, testRows)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, got.Pix)

	tiffPath := filepath.Join(dir, "d.tiff")
	writeTIFF(t, tiffPath, want)
	got, err = LoadDepth(tiffPath, testCols, testRows)
	require.NoError(t, err)
	assert.Equal(t, want.Pix, got.Pix)
}

func TestLoadDepthRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.png")
	writePNG(t, path, depthImage(1))
	_, err := LoadDepth(path, testCols*2, testRows)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoadDepthMissingFile(t *testing.T) {
	_, err := LoadDepth(filepath.Join(t.TempDir(), "none.png"), testCols, testRows)
	assert.ErrorContains(t, err, "frames: read")
}

func TestLoadColorRescales(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, testCols*2, testRows*2))
	for p := 0; p < len(src.Pix); p += 4 {
		src.Pix[p], src.Pix[p+1], src.Pix[p+2], src.Pix[p+3] = 200, 100, 50, 255
	}
	path := filepath.Join(t.TempDir(), "c.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, src, &jpeg.Options{Quality: 100}))
	require.NoError(t, f.Close())

	got, err := LoadColor(path, testCols, testRows)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testCols, testRows), got.Bounds())
	c := got.NRGBAAt(3, 3)
	assert.InDelta(t, 200, int(c.R), 6)
	assert.InDelta(t, 100, int(c.G), 6)
	assert.InDelta(t, 50, int(c.B), 6)
	assert.Equal(t, uint8(255), c.A)
}

func TestReaderDeliversInOrder(t *testing.T) {
	s, err := Scan(newSession(t, 7, true))
	require.NoError(t, err)

	r := NewReader(s, ReaderConfig{Cols: testCols, Rows: testRows, Workers: 3})
	defer r.Close()

	var got []int
	for f := range r.Frames() {
		require.NoError(t, f.Err)
		require.NotNil(t, f.Color)
		assert.Equal(t, uint8(10*f.Index), f.Color.Pix[0])
		assert.Equal(t, uint16(1000*(f.Index+1)), f.Depth.Gray16At(0, 0).Y)
		got = append(got, f.Index)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6}, got); diff != "" {
		t.Errorf("frame order mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderMaxFrames(t *testing.T) {
	s, err := Scan(newSession(t, 5, false))
	require.NoError(t, err)

	r := NewReader(s, ReaderConfig{Cols: testCols, Rows: testRows, Workers: 2, MaxFrames: 2})
	defer r.Close()

	n := 0
	for f := range r.Frames() {
		require.NoError(t, f.Err)
		assert.Nil(t, f.Color)
		n++
	}
	assert.Equal(t, 2, n)
}

func TestReaderReportsDecodeErrors(t *testing.T) {
	dir := newSession(t, 2, false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "depth", "f01.png"), []byte("not an image"), 0644))
	s, err := Scan(dir)
	require.NoError(t, err)

	r := NewReader(s, ReaderConfig{Cols: testCols, Rows: testRows, Workers: 2})
	defer r.Close()

	var errs []error
	for f := range r.Frames() {
		errs = append(errs, f.Err)
	}
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorContains(t, errs[1], "frames: decode")
}

func TestReaderCloseEarly(t *testing.T) {
	s, err := Scan(newSession(t, 20, false))
	require.NoError(t, err)

	r := NewReader(s, ReaderConfig{Cols: testCols, Rows: testRows, Workers: 2})
	f := <-r.Frames()
	assert.Equal(t, 0, f.Index)
	r.Close()
	r.Close()
}

func TestUpload(t *testing.T) {
	dev := device.NewHost(device.HostConfig{})
	depth := devbuf.OnDevice2D[kernels.Depth](dev)
	rgb := devbuf.OnDevice2D[kernels.RGB](dev)
	defer depth.Release()
	defer rgb.Release()

	c := image.NewNRGBA(image.Rect(0, 0, testCols, testRows))
	c.SetNRGBA(1, 2, color.NRGBA{R: 9, G: 8, B: 7, A: 100})
	f := Frame{Depth: depthImage(500), Color: c}
	require.NoError(t, Upload(f, &depth, &rgb))

	d, cols, err := depth.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, testCols, cols)
	assert.Equal(t, kernels.Depth(500+2*testCols+1), d[2*testCols+1])

	px, _, err := rgb.DownloadSlice()
	require.NoError(t, err)
	assert.Equal(t, kernels.RGB{B: 7, G: 8, R: 9, W: 255}, px[2*testCols+1])

	f.Color = nil
	require.NoError(t, Upload(f, &depth, &rgb))
	assert.True(t, rgb.Empty())
}
