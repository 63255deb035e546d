//go:build onnx
// +build onnx

package backbone

import (
	"fmt"
	"strconv"

	"github.com/ZanzyTHEbar/img2selfies/i2s/tensor"

	ort "github.com/yalue/onnxruntime_go"
)

func initEnvironment(opts RuntimeOptions) error {
	if ort.IsInitialized() {
		return nil
	}
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

func destroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ortEngine struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
}

func openEngine(opts RuntimeOptions, modelPath string) (engine, error) {
	ins, outs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("get IO info: %w", err)
	}
	var inputName, outputName string
	for _, ii := range ins {
		if ii.DataType == ort.TensorElementDataTypeFloat {
			inputName = ii.Name
			break
		}
	}
	// The last float output is the top of the feature stack.
	for _, oi := range outs {
		if oi.DataType == ort.TensorElementDataTypeFloat {
			outputName = oi.Name
		}
	}
	if inputName == "" || outputName == "" {
		return nil, fmt.Errorf("model has no float input/output pair")
	}

	so, err := sessionOptions(opts)
	if err != nil {
		return nil, err
	}
	defer so.Destroy()

	s, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, so)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &ortEngine{session: s, inputName: inputName, outputName: outputName}, nil
}

func sessionOptions(opts RuntimeOptions) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	_ = so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	_ = so.SetIntraOpNumThreads(opts.IntraOpThreads)
	_ = so.SetInterOpNumThreads(opts.InterOpThreads)

	switch opts.ExecutionProvider {
	case ProviderCUDA:
		cu, err := ort.NewCUDAProviderOptions()
		if err != nil {
			so.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cu.Destroy()
		if err := cu.Update(providerOptions(opts)); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		if err := so.AppendExecutionProviderCUDA(cu); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	case ProviderTensorRT:
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			so.Destroy()
			return nil, fmt.Errorf("tensorrt provider options: %w", err)
		}
		defer trt.Destroy()
		if err := trt.Update(providerOptions(opts)); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("tensorrt provider options: %w", err)
		}
		if err := so.AppendExecutionProviderTensorRT(trt); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("append tensorrt provider: %w", err)
		}
	case ProviderCoreML:
		if err := so.AppendExecutionProviderCoreMLV2(opts.ProviderOptions); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("append coreml provider: %w", err)
		}
	case ProviderDirectML:
		if err := so.AppendExecutionProviderDirectML(opts.DeviceID); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("append directml provider: %w", err)
		}
	}
	return so, nil
}

// providerOptions adds device_id unless the caller set it explicitly.
func providerOptions(opts RuntimeOptions) map[string]string {
	m := make(map[string]string, len(opts.ProviderOptions)+1)
	for k, v := range opts.ProviderOptions {
		m[k] = v
	}
	if _, ok := m["device_id"]; !ok {
		m["device_id"] = strconv.Itoa(opts.DeviceID)
	}
	return m
}

func (e *ortEngine) run(input tensor.Tensor) (tensor.Tensor, error) {
	dims := input.Shape()
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	in, err := ort.NewTensor(shape, input.Data())
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	outs := make([]ort.Value, 1)
	if err := e.session.Run([]ort.Value{in}, outs); err != nil {
		return tensor.Tensor{}, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outs[0] != nil {
			outs[0].Destroy()
		}
	}()

	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("output %s is not float32", e.outputName)
	}
	outShape := t.GetShape()
	sh := make(tensor.Shape, len(outShape))
	for i, d := range outShape {
		sh[i] = int(d)
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return tensor.New(sh, data)
}

func (e *ortEngine) close() error {
	return e.session.Destroy()
}
