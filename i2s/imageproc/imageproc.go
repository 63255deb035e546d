// Package imageproc turns chemical structure images into the normalized
// tensors consumed by the feature extractor.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	InputWidth  = 299
	InputHeight = 299
	Channels    = 3
)

// Per-channel normalization of the EfficientNet backbone ("torch" mode).
var (
	DefaultMean = [Channels]float32{0.485, 0.456, 0.406}
	DefaultStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// DefaultFormats lists the formats accepted by a zero-config Preprocessor.
var DefaultFormats = []string{"png"}

// Image is a preprocessed image and the path it was read from.
type Image struct {
	Tensor tensor.Tensor // (height, width, 3)
	Path   string
}

// Preprocessor decodes, resizes and normalizes images.
type Preprocessor struct {
	Width, Height int
	// Formats are the accepted decoder names (png, jpeg, gif, bmp, tiff, webp).
	Formats []string
	Mean    [Channels]float32
	Std     [Channels]float32
	// Workers bounds LoadImages concurrency; <= 0 uses GOMAXPROCS.
	Workers int
	Logger  zerolog.Logger
	Metrics *common.Metrics
}

// NewPreprocessor returns a preprocessor for the 299x299 PNG input of the
// pretrained backbone.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		Width:   InputWidth,
		Height:  InputHeight,
		Formats: DefaultFormats,
		Mean:    DefaultMean,
		Std:     DefaultStd,
		Logger:  zerolog.Nop(),
	}
}

var defaultPreprocessor = NewPreprocessor()

// LoadImage preprocesses path with the default preprocessor.
func LoadImage(path string) (*Image, error) {
	return defaultPreprocessor.LoadImage(path)
}

// LoadImage reads path and returns its normalized (H, W, 3) tensor.
// Failures wrap common.ErrDecode.
func (p *Preprocessor) LoadImage(path string) (img *Image, err error) {
	start := time.Now()
	defer func() { p.Metrics.ObserveOperation(common.OpLoadImage, start, err) }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", common.ErrDecode, path, err)
	}
	t, err := p.Preprocess(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Tensor: t, Path: path}, nil
}

// Preprocess decodes raw image bytes and returns the normalized tensor.
func (p *Preprocessor) Preprocess(data []byte) (tensor.Tensor, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return tensor.Tensor{}, fmt.Errorf("invalid target size %dx%d", p.Width, p.Height)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%w: %w", common.ErrDecode, err)
	}
	if !p.accepts(format) {
		return tensor.Tensor{}, fmt.Errorf("%w: format %q not accepted (want %s)",
			common.ErrDecode, format, strings.Join(p.formats(), ", "))
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: empty image", common.ErrDecode)
	}

	return p.normalize(p.resize(opaque(src)))
}

// opaque copies src to NRGBA keeping the stored colour of every pixel,
// transparent ones included, and sets alpha to 255.
func opaque(src image.Image) *image.NRGBA {
	img := imaging.Clone(src)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// sample is one output coordinate's source neighbours and weight.
type sample struct {
	lo, hi int
	frac   float32
}

// samples maps out output positions onto in source positions with half
// pixel centers and no antialiasing.
func samples(in, out int) []sample {
	scale := float64(in) / float64(out)
	ss := make([]sample, out)
	for i := range ss {
		pos := (float64(i)+0.5)*scale - 0.5
		fl := math.Floor(pos)
		ss[i] = sample{
			lo:   max(int(fl), 0),
			hi:   min(int(math.Ceil(pos)), in-1),
			frac: float32(pos - fl),
		}
	}
	return ss
}

// resize bilinearly interpolates img to the target size and returns RGB
// values in [0, 255], HWC order, without rounding.
func (p *Preprocessor) resize(img *image.NRGBA) []float32 {
	b := img.Bounds()
	ys := samples(b.Dy(), p.Height)
	xs := samples(b.Dx(), p.Width)
	at := func(x, y, c int) float32 {
		return float32(img.Pix[y*img.Stride+x*4+c])
	}

	out := make([]float32, p.Width*p.Height*Channels)
	for y, sy := range ys {
		for x, sx := range xs {
			o := (y*p.Width + x) * Channels
			for c := 0; c < Channels; c++ {
				top := at(sx.lo, sy.lo, c) + (at(sx.hi, sy.lo, c)-at(sx.lo, sy.lo, c))*sx.frac
				bottom := at(sx.lo, sy.hi, c) + (at(sx.hi, sy.hi, c)-at(sx.lo, sy.hi, c))*sx.frac
				out[o+c] = top + (bottom-top)*sy.frac
			}
		}
	}
	return out
}

// normalize applies (v/255 - mean) / std per channel to HWC pixel values.
func (p *Preprocessor) normalize(pix []float32) (tensor.Tensor, error) {
	for i, v := range pix {
		c := i % Channels
		pix[i] = (v/255.0 - p.Mean[c]) / p.Std[c]
	}
	return tensor.New(tensor.Shape{p.Height, p.Width, Channels}, pix)
}

// LoadImages preprocesses paths concurrently. Results keep the input order;
// the first failure cancels the remaining work and is returned.
func (p *Preprocessor) LoadImages(ctx context.Context, paths []string) ([]*Image, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]*Image, len(paths))

	wp := pool.New().
		WithMaxGoroutines(workers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i, path := range paths {
		i, path := i, path
		wp.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := p.LoadImage(path)
			if err != nil {
				return err
			}
			out[i] = img
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}

	p.Logger.Debug().Int("images", len(paths)).Int("workers", workers).Msg("preprocessed batch")
	return out, nil
}

func (p *Preprocessor) formats() []string {
	if len(p.Formats) == 0 {
		return DefaultFormats
	}
	return p.Formats
}

func (p *Preprocessor) accepts(format string) bool {
	for _, f := range p.formats() {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "jpg" {
			f = "jpeg"
		}
		if f == format {
			return true
		}
	}
	return false
}
