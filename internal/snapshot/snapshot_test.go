package snapshot

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/mathutil"
)

func testImage(cols, rows int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x * 16)
			img.Pix[i+1] = uint8(y * 16)
			img.Pix[i+2] = 200
			img.Pix[i+3] = 255
		}
	}
	return img
}

func TestToImage(t *testing.T) {
	dev := device.NewHost(device.HostConfig{})
	a := devbuf.OnDevice2D[kernels.RGB](dev)
	defer a.Release()

	px := make([]kernels.RGB, 4*3)
	px[1*4+2] = kernels.RGB{B: 3, G: 2, R: 1, W: 0}
	require.NoError(t, a.Upload(px, 4, 3, 4))

	img, err := ToImage(a)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
	c := img.NRGBAAt(2, 1)
	assert.Equal(t, [4]uint8{1, 2, 3, 255}, [4]uint8{c.R, c.G, c.B, c.A})
}

func TestScale(t *testing.T) {
	img := testImage(4, 4)
	assert.Same(t, img, Scale(img, 1))
	assert.Equal(t, image.Rect(0, 0, 8, 8), Scale(img, 2).Bounds())
}

func TestWriterPNG(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, Format: FormatPNG, Workers: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		w.Submit(Entry{Frame: i * 30, Kind: "render", Tracked: i > 0}, testImage(8, 6))
	}
	results := w.Close()
	require.Len(t, results, 5)
	for i, r := range results {
		require.True(t, r.Success, r.Error)
		assert.Equal(t, i*30, r.Frame)
	}
	assert.Equal(t, "000030_render.png", results[1].Image)

	f, err := os.Open(filepath.Join(dir, results[1].Image))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
}

func TestWriterWebP(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, Scale: 2, Workers: 1})
	require.NoError(t, err)

	w.Submit(Entry{Frame: 7, Kind: "pose"}, testImage(8, 6))
	results := w.Close()
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, "000007_pose.webp", results[0].Image)

	f, err := os.Open(filepath.Join(dir, results[0].Image))
	require.NoError(t, err)
	defer f.Close()
	img, err := webp.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())
}

func TestWriterRejectsFormat(t *testing.T) {
	_, err := NewWriter(Config{Dir: t.TempDir(), Format: "bmp"})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestWriterCloseTwice(t *testing.T) {
	w, err := NewWriter(Config{Dir: t.TempDir(), Format: FormatPNG})
	require.NoError(t, err)
	assert.Empty(t, w.Close())
	assert.Empty(t, w.Close())
	w.Submit(Entry{Frame: 1, Kind: "render"}, testImage(2, 2))
	assert.Empty(t, w.Close())
}

func TestManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	results := []Result{
		{Entry: Entry{Frame: 0, Kind: "render", Image: "000000_render.webp", Pose: mathutil.Identity().Mat4()}, Success: true},
		{Entry: Entry{Frame: 30, Kind: "render", Image: "000030_render.webp"}, Error: "disk full"},
	}
	require.NoError(t, WriteManifest(path, Entries(results)))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	if diff := cmp.Diff([]Entry{results[0].Entry}, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, WriteManifest(path, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
