// Package backbone runs the pretrained image encoder that turns a
// preprocessed image into the feature map consumed by the decoder.
//
// The encoder is an EfficientNet-B3 without its classification head,
// exported to ONNX. Inference needs the binary built with -tags onnx; other
// builds return common.ErrWeightLoad from every constructor.
package backbone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/imageproc"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	"github.com/rs/zerolog"
)

// engine is a loaded inference session.
type engine interface {
	run(input tensor.Tensor) (tensor.Tensor, error)
	close() error
}

// The environment is shared by every Runtime in the process. It is
// initialised by the first NewRuntime and destroyed when the last Runtime
// is closed.
var (
	envMu      sync.Mutex
	envRefs    int
	envInit    = initEnvironment
	envDestroy = destroyEnvironment
)

func acquireEnvironment(opts RuntimeOptions) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if err := envInit(opts); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	return envDestroy()
}

// Runtime is a handle on the process-wide ONNX Runtime environment. Create
// one with NewRuntime and Close it when its extractors are closed.
type Runtime struct {
	opts RuntimeOptions

	mu       sync.Mutex
	acquired bool
	closed   bool
}

// NewRuntime initialises the inference environment if no other Runtime
// holds it.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrWeightLoad, err)
	}
	if err := acquireEnvironment(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrWeightLoad, err)
	}
	return &Runtime{opts: opts, acquired: true}, nil
}

// Options returns the normalised options the runtime was created with.
func (rt *Runtime) Options() RuntimeOptions { return rt.opts }

// Close releases this handle, tearing down the environment once no other
// Runtime is open. Calling it twice is a no-op.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	if !rt.acquired {
		return nil
	}
	return releaseEnvironment()
}

// FeatureExtractor maps a preprocessed image to the encoder's final hidden
// representation. Sessions are not safe for concurrent runs, so Extract
// serialises callers.
type FeatureExtractor struct {
	TargetShape tensor.Shape
	ModelPath   string
	Logger      zerolog.Logger
	Metrics     *common.Metrics

	mu  sync.Mutex
	eng engine
}

// LoadFeatureExtractor opens the encoder at modelPath for images of
// targetShape (height, width, channels).
func LoadFeatureExtractor(rt *Runtime, targetShape tensor.Shape, modelPath string) (*FeatureExtractor, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: runtime is nil", common.ErrWeightLoad)
	}
	if targetShape.NDim() != 3 || targetShape.NumElements() <= 0 {
		return nil, fmt.Errorf("%w: target shape %v is not (height, width, channels)", common.ErrWeightLoad, targetShape)
	}
	if err := common.NewValidationUtils().ValidateFileExists(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrWeightLoad, err)
	}

	rt.mu.Lock()
	closed := rt.closed
	rt.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: runtime is closed", common.ErrWeightLoad)
	}

	eng, err := openEngine(rt.opts, modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", common.ErrWeightLoad, modelPath, err)
	}
	return &FeatureExtractor{
		TargetShape: targetShape.Clone(),
		ModelPath:   modelPath,
		Logger:      zerolog.Nop(),
		eng:         eng,
	}, nil
}

// Extract runs the encoder on a single image and returns its output with
// the batch dimension kept, e.g. (1, 10, 10, 1536) for B3 at 299x299.
func (fe *FeatureExtractor) Extract(ctx context.Context, img *imageproc.Image) (out tensor.Tensor, err error) {
	start := time.Now()
	defer func() { fe.Metrics.ObserveOperation(common.OpExtract, start, err) }()

	if err := common.NewValidationUtils().ValidateContextCancellation(ctx); err != nil {
		return tensor.Tensor{}, err
	}
	if img == nil {
		return tensor.Tensor{}, fmt.Errorf("image is nil")
	}
	if !img.Tensor.Shape().Equal(fe.TargetShape) {
		return tensor.Tensor{}, fmt.Errorf("%w: image %v, extractor expects %v", tensor.ErrShapeMismatch, img.Tensor.Shape(), fe.TargetShape)
	}
	batched, err := img.Tensor.Reshape(append(tensor.Shape{1}, fe.TargetShape...))
	if err != nil {
		return tensor.Tensor{}, err
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.eng == nil {
		return tensor.Tensor{}, fmt.Errorf("%w: extractor is closed", common.ErrWeightLoad)
	}
	out, err = fe.eng.run(batched)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("run encoder: %w", err)
	}
	fe.Logger.Debug().Str("image", img.Path).Stringer("features", out.Shape()).Dur("took", time.Since(start)).Msg("extracted features")
	return out, nil
}

// Close releases the session.
func (fe *FeatureExtractor) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.eng == nil {
		return nil
	}
	err := fe.eng.close()
	fe.eng = nil
	return err
}
