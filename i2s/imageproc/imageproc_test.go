package imageproc

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func writeJPEG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
	return path
}

func TestLoadImageShapeAndNormalization(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "white.png", solidImage(64, 40, color.White))

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, path, img.Path)
	assert.Equal(t, tensor.Shape{299, 299, 3}, img.Tensor.Shape())

	for c := 0; c < Channels; c++ {
		want := (1 - DefaultMean[c]) / DefaultStd[c]
		assert.InDelta(t, want, img.Tensor.At(0, 0, c), 1e-5)
		assert.InDelta(t, want, img.Tensor.At(298, 150, c), 1e-5)
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoadImageDropsAlpha(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "red.png", solidImage(10, 10, color.NRGBA{R: 255, A: 255}))

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.InDelta(t, (1-DefaultMean[0])/DefaultStd[0], img.Tensor.At(5, 5, 0), 1e-5)
	assert.InDelta(t, (0-DefaultMean[1])/DefaultStd[1], img.Tensor.At(5, 5, 1), 1e-5)
	assert.InDelta(t, (0-DefaultMean[2])/DefaultStd[2], img.Tensor.At(5, 5, 2), 1e-5)
}

func TestPreprocessKeepsColourOfTransparentPixels(t *testing.T) {
	for _, size := range []int{600, 299, 120} {
		data := encodePNG(t, solidImage(size, size, color.NRGBA{R: 255, G: 255, B: 255, A: 0}))

		got, err := NewPreprocessor().Preprocess(data)
		require.NoError(t, err)
		for c := 0; c < Channels; c++ {
			want := (1 - DefaultMean[c]) / DefaultStd[c]
			assert.InDelta(t, want, got.At(0, 0, c), 1e-5, "size %d channel %d", size, c)
			assert.InDelta(t, want, got.At(150, 298, c), 1e-5, "size %d channel %d", size, c)
		}
	}
}

// identity returns a preprocessor that leaves pixel values as v/255.
func identity(w, h int) *Preprocessor {
	p := NewPreprocessor()
	p.Width, p.Height = w, h
	p.Mean = [Channels]float32{}
	p.Std = [Channels]float32{1, 1, 1}
	return p
}

func row(values ...uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, len(values), 1))
	for x, v := range values {
		img.Set(x, 0, color.NRGBA{R: v, G: v, B: v, A: 255})
	}
	return img
}

func TestPreprocessResizesBilinearWithoutAntialias(t *testing.T) {
	down, err := identity(2, 1).Preprocess(encodePNG(t, row(0, 100, 200, 255)))
	require.NoError(t, err)
	assert.InDelta(t, 50.0/255, down.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 227.5/255, down.At(0, 1, 0), 1e-6)

	up, err := identity(4, 1).Preprocess(encodePNG(t, row(0, 255)))
	require.NoError(t, err)
	for x, want := range []float32{0, 63.75, 191.25, 255} {
		assert.InDelta(t, want/255, up.At(0, x, 1), 1e-6, "x=%d", x)
	}
}

func TestLoadImageIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	src := image.NewNRGBA(image.Rect(0, 0, 37, 91))
	for y := 0; y < 91; y++ {
		for x := 0; x < 37; x++ {
			src.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 3), B: uint8(x ^ y), A: 255})
		}
	}
	path := writePNG(t, dir, "gradient.png", src)

	a, err := LoadImage(path)
	require.NoError(t, err)
	b, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, a.Tensor.Data(), b.Tensor.Data())
}

func TestLoadImageRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	_, err := LoadImage(garbage)
	assert.ErrorIs(t, err, common.ErrDecode)

	_, err = LoadImage(filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, common.ErrDecode)

	jpg := writeJPEG(t, dir, "photo.jpg", solidImage(8, 8, color.Black))
	_, err = LoadImage(jpg)
	assert.ErrorIs(t, err, common.ErrDecode)
}

func TestPreprocessorAcceptsConfiguredFormats(t *testing.T) {
	dir := t.TempDir()
	jpg := writeJPEG(t, dir, "photo.jpg", solidImage(8, 8, color.Black))

	p := NewPreprocessor()
	p.Formats = []string{"png", "jpg"}
	p.Width, p.Height = 32, 16

	img, err := p.LoadImage(jpg)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{16, 32, 3}, img.Tensor.Shape())
}

func TestLoadImagesKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	colors := []color.Color{color.White, color.Black, color.NRGBA{G: 255, A: 255}}
	paths := make([]string, len(colors))
	for i, c := range colors {
		paths[i] = writePNG(t, dir, string(rune('a'+i))+".png", solidImage(12, 12, c))
	}

	p := NewPreprocessor()
	p.Workers = 2
	p.Metrics = common.NewMetrics(nil)

	imgs, err := p.LoadImages(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, imgs, 3)
	for i, img := range imgs {
		assert.Equal(t, paths[i], img.Path)
	}
	assert.InDelta(t, (1-DefaultMean[0])/DefaultStd[0], imgs[0].Tensor.At(0, 0, 0), 1e-5)
	assert.InDelta(t, (0-DefaultMean[0])/DefaultStd[0], imgs[1].Tensor.At(0, 0, 0), 1e-5)
	assert.InDelta(t, (1-DefaultMean[1])/DefaultStd[1], imgs[2].Tensor.At(0, 0, 1), 1e-5)
	assert.Equal(t, 3.0, testutil.ToFloat64(p.Metrics.OperationCount(common.OpLoadImage, "success")))
}

func TestLoadImagesFailsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "good.png", solidImage(4, 4, color.White))

	imgs, err := NewPreprocessor().LoadImages(context.Background(), []string{good, filepath.Join(dir, "missing.png")})
	assert.ErrorIs(t, err, common.ErrDecode)
	assert.Nil(t, imgs)
}
