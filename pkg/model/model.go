// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements a small feed-forward classifier for 28x28 single-channel images, such as
// Fashion-MNIST or MNIST.
//
// The network is a fixed sequence of layers:
//
//	imageinput_unnormalized  [28, 28, 1]  input, raw pixel values
//	imageinput_              [28, 28, 1]  Normalization
//	imageinputperm           [1, 28, 28]  Permute(3, 2, 1)
//	flatten                  [784]        Flatten
//	fc_                      [128]        Dense
//	relu                     [128]        ReLU
//	fc_1_                    [10]         Dense
//	softmax                  [10]         Softmax
//
// The permutation before flattening makes the flattened features follow MATLAB's column-major order,
// so weights trained in MATLAB (see ImportMAT) can be used as is.
//
// Use CreateModel to create a model with freshly initialized weights, or New to wrap a context with
// weights loaded from a checkpoint.
package model

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
)

const (
	// Height, Width and Depth (number of channels) of the input images.
	Height = 28
	Width  = 28
	Depth  = 1

	// HiddenUnits is the width of the hidden dense layer.
	HiddenUnits = 128

	// NumClasses is the number of output classes.
	NumClasses = 10
)

// Names of the model input, output and layers.
const (
	InputName         = "imageinput_unnormalized"
	NormalizationName = "imageinput_"
	PermuteName       = "imageinputperm"
	FlattenName       = "flatten"
	HiddenName        = "fc_"
	ReluName          = "relu"
	LogitsName        = "fc_1_"
	OutputName        = "softmax"

	// ModelScope is the context scope under which the model variables are created.
	ModelScope = "model"
)

// DType of the model inputs, outputs and variables.
var DType = dtypes.Float32

// layerOutputs builds the model up to the logits and returns the output of each layer:
// normalization, permutation, flatten, hidden dense, relu and logits.
func layerOutputs(ctx *context.Context, images *Node) []*Node {
	images.AssertDims(images.Shape().Dimensions[0], Height, Width, Depth)
	if images.DType() != DType {
		images = ConvertDType(images, DType)
	}
	normalized := Normalization(ctx, images)
	permuted := Permute(normalized, 3, 2, 1)
	flat := Flatten(permuted)
	hidden := layers.DenseWithBias(ctx.In(HiddenName), flat, HiddenUnits)
	activated := activations.Relu(hidden)
	logits := layers.DenseWithBias(ctx.In(LogitsName), activated, NumClasses)
	return []*Node{normalized, permuted, flat, hidden, activated, logits}
}

// LogitsGraph builds the model without the final softmax, and returns the logits shaped [batch_size, NumClasses].
// This is what is used for training, with a loss that takes logits.
//
// inputs: only one tensor, with shape [batch_size, Height, Width, Depth].
//
// It's a train.ModelFn, and creates the variables under the ModelScope scope.
// While training, it also sets up the cosine learning rate schedule if cosineschedule.ParamPeriodSteps is set.
func LogitsGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	cosineschedule.New(ctx, inputs[0].Graph(), DType).FromContext().Done()
	ctx = ctx.In(ModelScope)
	outputs := layerOutputs(ctx, inputs[0])
	return outputs[len(outputs)-1:]
}

// ModelGraph builds the full model and returns the class probabilities shaped [batch_size, NumClasses].
//
// inputs: only one tensor, with shape [batch_size, Height, Width, Depth].
//
// It's a train.ModelFn, and creates the variables under the ModelScope scope.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	logits := LogitsGraph(ctx, spec, inputs)[0]
	return []*Node{Softmax(logits, -1)}
}

// TensorSpec describes a named model input or output. Dimensions exclude the batch axis.
type TensorSpec struct {
	Name       string
	DType      dtypes.DType
	Dimensions []int
}

// Model holds the backend, the context with the weights, and the compiled model.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
}

// CreateModel creates a model with freshly initialized weights, using the default backend
// (configurable with GOMLX_BACKEND).
func CreateModel() (*Model, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	return New(backend, context.New())
}

// New creates a model that uses the weights in ctx (typically loaded from a checkpoint, or set with
// Adapt or ImportMAT). Variables missing in ctx are initialized the first time the model is executed.
func New(backend backends.Backend, ctx *context.Context) (*Model, error) {
	m := &Model{backend: backend, ctx: ctx}
	var err error
	m.exec, err = context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model executor")
	}
	return m, nil
}

// Backend used by the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context holding the model's variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Inputs of the model.
func (m *Model) Inputs() []TensorSpec {
	return []TensorSpec{{Name: InputName, DType: DType, Dimensions: []int{Height, Width, Depth}}}
}

// Outputs of the model.
func (m *Model) Outputs() []TensorSpec {
	return []TensorSpec{{Name: OutputName, DType: DType, Dimensions: []int{NumClasses}}}
}

// Predict runs the model on a batch of images shaped [batch_size, Height, Width, Depth], given either as
// a tensor or as a Go value (e.g. [][][][]float32). It returns the class probabilities shaped
// [batch_size, NumClasses].
func (m *Model) Predict(images any) (*tensors.Tensor, error) {
	var imagesT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var ok bool
		if imagesT, ok = images.(*tensors.Tensor); !ok {
			imagesT = tensors.FromAnyValue(images)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "invalid images given to Predict")
	}
	dims := imagesT.Shape().Dimensions
	if len(dims) != 4 || !slices.Equal(dims[1:], []int{Height, Width, Depth}) {
		return nil, errors.Errorf("images must be shaped [batch_size, %d, %d, %d], got %s",
			Height, Width, Depth, imagesT.Shape())
	}
	if dims[0] == 0 {
		return nil, errors.New("images batch is empty, at least one image is required")
	}
	if !imagesT.DType().IsFloat() {
		return nil, errors.Errorf("images must be of a float dtype, got %s", imagesT.DType())
	}
	outputs, err := m.exec.Exec(imagesT)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute model")
	}
	return outputs[0], nil
}

// Finalize frees the compiled model. The model can't be used afterwards.
func (m *Model) Finalize() {
	if m.exec != nil {
		m.exec.Finalize()
		m.exec = nil
	}
}
