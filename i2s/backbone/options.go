package backbone

import (
	"fmt"
	"strings"
)

// Execution providers understood by RuntimeOptions.
const (
	ProviderCPU      = "cpu"
	ProviderCUDA     = "cuda"
	ProviderTensorRT = "tensorrt"
	ProviderCoreML   = "coreml"
	ProviderDirectML = "dml"
)

// RuntimeOptions configures the ONNX Runtime environment and the sessions
// created from it.
type RuntimeOptions struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath string
	// ExecutionProvider is one of cpu, cuda, tensorrt, coreml or dml.
	ExecutionProvider string
	DeviceID          int
	// IntraOpThreads and InterOpThreads of 0 let the runtime decide.
	IntraOpThreads int
	InterOpThreads int
	// ProviderOptions are passed verbatim to the selected provider.
	ProviderOptions map[string]string
}

func (o RuntimeOptions) normalized() (RuntimeOptions, error) {
	o.ExecutionProvider = strings.ToLower(strings.TrimSpace(o.ExecutionProvider))
	switch o.ExecutionProvider {
	case "":
		o.ExecutionProvider = ProviderCPU
	case ProviderCPU, ProviderCUDA, ProviderTensorRT, ProviderCoreML, ProviderDirectML:
	default:
		return o, fmt.Errorf("unknown execution provider %q", o.ExecutionProvider)
	}
	if o.DeviceID < 0 {
		return o, fmt.Errorf("device id must be non-negative, got %d", o.DeviceID)
	}
	if o.IntraOpThreads < 0 || o.InterOpThreads < 0 {
		return o, fmt.Errorf("thread counts must be non-negative")
	}
	return o, nil
}
