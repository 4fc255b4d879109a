// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"io"
	"os"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the variables read from MATLAB .mat files by ImportMAT: the layer name followed by
// the MATLAB learnable (or statistic) name.
const (
	MATHiddenWeights     = HiddenName + "Weights"
	MATHiddenBias        = HiddenName + "Bias"
	MATLogitsWeights     = LogitsName + "Weights"
	MATLogitsBias        = LogitsName + "Bias"
	MATMean              = NormalizationName + "Mean"
	MATStandardDeviation = NormalizationName + "StandardDeviation"
)

// Dense layers variable names, created by layers.Dense under the "dense" sub-scope.
const (
	denseSubScope   = "dense"
	weightsVariable = "weights"
	biasesVariable  = "biases"
)

// ImportMATFile imports the model weights from a MATLAB .mat file. See ImportMAT.
func ImportMATFile(ctx *context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open MATLAB file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	if err = ImportMAT(ctx, f); err != nil {
		return errors.WithMessagef(err, "while importing %q", filePath)
	}
	return nil
}

// ImportMAT imports the model weights exported from MATLAB (with `save`) into the context.
//
// The file must contain the variables:
//
//   - "fc_Weights" [128x784] and "fc_Bias" [128x1]: hidden layer.
//   - "fc_1_Weights" [10x128] and "fc_1_Bias" [10x1]: output layer.
//   - "imageinput_Mean" [28x28]: input normalization mean.
//   - "imageinput_StandardDeviation" [28x28]: optional, input normalization standard deviation.
//     If missing the variance is set to 1, as with MATLAB's "zerocenter" normalization.
//
// MATLAB arrays are stored column-major. For the dense layers this is exactly the layout of the
// [inputs, outputs] row-major weights used here; the normalization statistics are transposed.
//
// Malformed files (including the sparse or object arrays the parser doesn't support) are reported as errors.
func ImportMAT(ctx *context.Context, r io.Reader) (err error) {
	// The parser expects reads to be fulfilled in full, so the file is read into memory first.
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "failed to read MATLAB file")
	}
	exception := exceptions.Try(func() { err = importMAT(ctx, data) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "failed to parse MATLAB file")
		}
		return errors.Errorf("failed to parse MATLAB file: %v", exception)
	}
	return err
}

func importMAT(ctx *context.Context, data []byte) error {
	file, err := matlab.NewFileFromReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to parse MATLAB file header")
	}
	// GetVar reports parsing errors as missing variables, and a parsing error drops every variable.
	names := file.GetVarsNames()
	if len(names) == 0 {
		return errors.New("no variables could be read from MATLAB file, it may be truncated or malformed")
	}
	klog.V(1).Infof("MATLAB file variables: %v", names)

	denseLayers := []struct {
		scope, weightsName, biasName string
		inputs, outputs              int
	}{
		{HiddenName, MATHiddenWeights, MATHiddenBias, Height * Width * Depth, HiddenUnits},
		{LogitsName, MATLogitsWeights, MATLogitsBias, HiddenUnits, NumClasses},
	}
	for _, layer := range denseLayers {
		weights, err := readMATFloats(file, layer.weightsName, layer.inputs*layer.outputs)
		if err != nil {
			return err
		}
		bias, err := readMATFloats(file, layer.biasName, layer.outputs)
		if err != nil {
			return err
		}
		if err = setDense(ctx, layer.scope, weights, bias, layer.inputs, layer.outputs); err != nil {
			return err
		}
	}

	mean, err := readMATFloats(file, MATMean, Height*Width*Depth)
	if err != nil {
		return err
	}
	variance := make([]float32, Height*Width*Depth)
	if _, found := file.GetVar(MATStandardDeviation); found {
		stddev, err := readMATFloats(file, MATStandardDeviation, Height*Width*Depth)
		if err != nil {
			return err
		}
		for ii, s := range stddev {
			variance[ii] = s * s
		}
	} else {
		klog.V(1).Infof("%q not found, using unit variance", MATStandardDeviation)
		for ii := range variance {
			variance[ii] = 1
		}
	}
	return SetNormalization(ctx,
		tensors.FromFlatDataAndDimensions(ColumnMajorToRowMajor(mean, Height, Width, Depth), Height, Width, Depth),
		tensors.FromFlatDataAndDimensions(ColumnMajorToRowMajor(variance, Height, Width, Depth), Height, Width, Depth))
}

// setDense sets the variables of the dense layer layerName from MATLAB's column-major weights [outputs x inputs]
// (which have the same flat layout as row-major [inputs, outputs]) and bias.
func setDense(ctx *context.Context, layerName string, weights, bias []float32, inputs, outputs int) error {
	if len(weights) != inputs*outputs || len(bias) != outputs {
		return errors.Errorf("dense layer %q needs %d weights and %d biases, got %d and %d",
			layerName, inputs*outputs, outputs, len(weights), len(bias))
	}
	scope := context.RootScope + ModelScope + context.ScopeSeparator + layerName + context.ScopeSeparator + denseSubScope
	err := setVariable(ctx, scope, weightsVariable, tensors.FromFlatDataAndDimensions(weights, inputs, outputs), true)
	if err != nil {
		return err
	}
	return setVariable(ctx, scope, biasesVariable, tensors.FromFlatDataAndDimensions(bias, outputs), true)
}

// readMATFloats reads the variable name from file, and checks that it has exactly size elements.
func readMATFloats(file *matlab.File, name string, size int) ([]float32, error) {
	v, found := file.GetVar(name)
	if !found {
		return nil, errors.Errorf("variable %q not found in MATLAB file", name)
	}
	values := v.Value()
	if len(values) != size {
		return nil, errors.Errorf("variable %q has %d elements, expected %d", name, len(values), size)
	}
	floats := make([]float32, size)
	for ii, value := range values {
		switch typed := value.(type) {
		case float32:
			floats[ii] = typed
		case float64:
			floats[ii] = float32(typed)
		case uint8:
			floats[ii] = float32(typed)
		case int8:
			floats[ii] = float32(typed)
		case uint16:
			floats[ii] = float32(typed)
		case int16:
			floats[ii] = float32(typed)
		case uint32:
			floats[ii] = float32(typed)
		case int32:
			floats[ii] = float32(typed)
		case uint64:
			floats[ii] = float32(typed)
		case int64:
			floats[ii] = float32(typed)
		default:
			return nil, errors.Errorf("variable %q has unsupported element type %T", name, value)
		}
	}
	return floats, nil
}

// ColumnMajorToRowMajor reorders data of an array with the given dimensions stored in column-major
// order (first index varies fastest, as in MATLAB and Fortran) to row-major order (last index varies fastest).
func ColumnMajorToRowMajor[T any](data []T, dimensions ...int) []T {
	out := make([]T, len(data))
	rank := len(dimensions)
	// Strides in the column-major source.
	strides := make([]int, rank)
	stride := 1
	for axis := range rank {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	indices := make([]int, rank)
	for ii := range out {
		src := 0
		for axis, idx := range indices {
			src += idx * strides[axis]
		}
		out[ii] = data[src]
		// Increment indices in row-major order.
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return out
}
