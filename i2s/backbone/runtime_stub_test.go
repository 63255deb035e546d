//go:build !onnx
// +build !onnx

package backbone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubRuntimeUnavailable(t *testing.T) {
	rt, err := NewRuntime(RuntimeOptions{})
	assert.Nil(t, rt)
	assert.ErrorIs(t, err, common.ErrWeightLoad)
	assert.ErrorContains(t, err, "-tags onnx")
}

func TestStubExtractorUnavailable(t *testing.T) {
	model := filepath.Join(t.TempDir(), "efficientnet_b3_notop.onnx")
	require.NoError(t, os.WriteFile(model, []byte{0}, 0o644))

	rt := &Runtime{opts: RuntimeOptions{ExecutionProvider: ProviderCPU}}
	_, err := LoadFeatureExtractor(rt, tensor.Shape{299, 299, 3}, model)
	assert.ErrorIs(t, err, common.ErrWeightLoad)
	assert.ErrorContains(t, err, "-tags onnx")
}
