//go:build !onnx
// +build !onnx

package backbone

import "errors"

var errNoRuntime = errors.New("onnx runtime not available: build with -tags onnx")

func initEnvironment(RuntimeOptions) error { return errNoRuntime }

func destroyEnvironment() error { return nil }

func openEngine(RuntimeOptions, string) (engine, error) { return nil, errNoRuntime }
