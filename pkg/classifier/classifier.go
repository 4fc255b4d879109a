// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier classifies images with a trained model.
//
// The model can be loaded from a training checkpoint (see package training), taken from a context already
// holding the weights (e.g. imported with model.ImportMAT), or be an ONNX export of the same network,
// read from a file or from the HuggingFace Hub.
//
// Images of any size or color model are accepted: they are converted to grayscale and resized
// to 28x28 first.
//
// This is an example of how to serve a model for inference.
package classifier

import (
	"image"
	"os"
	"slices"

	"github.com/gomlx/fashionnet/pkg/dataset"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/fashionnet/pkg/training"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HFTokenEnvVar is the environment variable with the HuggingFace authentication token, used
// by NewFromHub for private repositories.
const HFTokenEnvVar = "HF_TOKEN"

// Classifier holds the model compiled.
// The backend is created with defaults, so it can be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec takes images shaped [batch_size, 28, 28, 1] and returns the probabilities and the chosen classes.
	exec *context.Exec

	// onnxModel is set if the classifier runs an ONNX model.
	onnxModel *onnx.Model

	labels []string
}

// graphFn builds the probabilities shaped [batch_size, NumClasses] from the images.
type graphFn func(ctx *context.Context, images *Node) *Node

func newClassifier(backend backends.Backend, ctx *context.Context, fn graphFn) (*Classifier, error) {
	c := &Classifier{backend: backend, ctx: ctx, labels: dataset.Fashion.Labels()}
	if source, err := dataset.ParseSource(context.GetParamOr(ctx, training.ParamSource, dataset.Fashion.String())); err == nil {
		c.labels = source.Labels()
	}
	var err error
	c.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		probs := fn(ctx, inputs[0])
		if probs.DType() != dtypes.Float32 {
			probs = ConvertDType(probs, dtypes.Float32)
		}
		return []*Node{probs, ArgMax(probs, -1, dtypes.Int32)}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create classifier executor")
	}
	return c, nil
}

// New creates a Classifier from a training checkpoint.
func New(checkpointDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	ctx := context.New()

	// Hyperparameters are read from the checkpoint as well.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err = checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	ctx = ctx.Reuse() // It will be an error to create a new variable.
	return NewFromContext(backend, ctx)
}

// NewFromContext creates a Classifier that uses the model weights in ctx. Variables missing in ctx are
// initialized (randomly), unless ctx is marked for reuse.
func NewFromContext(backend backends.Backend, ctx *context.Context) (*Classifier, error) {
	return newClassifier(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return model.ModelGraph(ctx, nil, []*Node{images})[0]
	})
}

// NewFromONNX creates a Classifier that runs the ONNX model in onnxPath. The model must take one input
// with the images and return the probabilities as its first output.
//
// Images are fed as [batch_size, 28, 28, 1], or transposed to [batch_size, 1, 28, 28] if that is what the
// model input takes.
func NewFromONNX(onnxPath string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	onnxModel, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model from %q", onnxPath)
	}
	c, err := newFromONNXModel(backend, onnxModel)
	if err != nil {
		onnxModel.Close()
		return nil, errors.WithMessagef(err, "invalid ONNX model %q", onnxPath)
	}
	return c, nil
}

func newFromONNXModel(backend backends.Backend, onnxModel *onnx.Model) (*Classifier, error) {
	inputNames, inputShapes := onnxModel.Inputs()
	outputNames, _ := onnxModel.Outputs()
	if len(inputNames) != 1 || len(outputNames) == 0 {
		return nil, errors.Errorf("model must have one input and at least one output, got inputs %v and outputs %v",
			inputNames, outputNames)
	}
	transpose := channelsFirst(inputShapes[0].Dimensions)
	klog.V(1).Infof("ONNX model: input %q %v (channels first: %v), output %q",
		inputNames[0], inputShapes[0].Dimensions, transpose, outputNames[0])

	ctx := context.New()
	if err := onnxModel.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to load ONNX model variables")
	}
	c, err := newClassifier(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		if transpose {
			images = TransposeAllDims(images, 0, 3, 1, 2)
		}
		return onnxModel.CallGraph(ctx, images.Graph(), map[string]*Node{inputNames[0]: images}, outputNames[0])[0]
	})
	if err != nil {
		return nil, err
	}
	c.onnxModel = onnxModel
	return c, nil
}

// channelsFirst returns whether the model input dimensions are [batch_size, 1, height, width].
func channelsFirst(dims []int) bool {
	return len(dims) == 4 && dims[1] == model.Depth && dims[3] != model.Depth
}

// NewFromHub downloads (or uses the cached copy of) the ONNX model fileName from the HuggingFace
// repository repoID, and creates a Classifier with it. See NewFromONNX.
//
// The token in the HF_TOKEN environment variable is used for authentication, if set.
func NewFromHub(repoID, fileName string) (*Classifier, error) {
	if repoID == "" || fileName == "" {
		return nil, errors.Errorf("HuggingFace repository (%q) and file name (%q) must be given", repoID, fileName)
	}
	repo := hub.New(repoID).WithProgressBar(true)
	if token := os.Getenv(HFTokenEnvVar); token != "" {
		repo = repo.WithAuth(token)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get HuggingFace repository %q info", repoID)
	}
	onnxPath, err := repo.DownloadFile(fileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", fileName, repoID)
	}
	return NewFromONNX(onnxPath)
}

// Labels returns the names of the classes, indexed by the class returned by Classify.
func (c *Classifier) Labels() []string { return c.labels }

// Context holding the model's weights.
func (c *Classifier) Context() *context.Context { return c.ctx }

// Classify returns the most likely class of img, from 0 to 9. Use Labels to convert it to a name.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	classes, _, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return classes[0], nil
}

// Probabilities returns the probability of each class for img.
func (c *Classifier) Probabilities(img image.Image) ([]float32, error) {
	_, probs, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return nil, err
	}
	return probs[0], nil
}

// ClassifyBatch classifies all images at once, returning the most likely class and the probabilities
// of every class for each image.
func (c *Classifier) ClassifyBatch(imgs []image.Image) (classes []int32, probs [][]float32, err error) {
	if len(imgs) == 0 {
		return nil, nil, errors.New("no images to classify")
	}
	if c.exec == nil {
		return nil, nil, errors.New("classifier already finalized")
	}
	outputs, err := c.exec.Exec(imagesToTensor(imgs))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to execute model")
	}
	defer func() {
		for _, output := range outputs {
			output.MustFinalizeAll()
		}
	}()
	if dims := outputs[0].Shape().Dimensions; len(dims) != 2 || dims[1] != model.NumClasses {
		return nil, nil, errors.Errorf("model returned probabilities shaped %s, expected [%d, %d]",
			outputs[0].Shape(), len(imgs), model.NumClasses)
	}
	classes = tensors.MustCopyFlatData[int32](outputs[1])
	flat := tensors.MustCopyFlatData[float32](outputs[0])
	probs = make([][]float32, len(imgs))
	for ii := range probs {
		probs[ii] = slices.Clip(flat[ii*model.NumClasses : (ii+1)*model.NumClasses])
	}
	return classes, probs, nil
}

// imagesToTensor converts the images to a tensor shaped [len(imgs), Height, Width, Depth] of raw pixel values.
func imagesToTensor(imgs []image.Image) *tensors.Tensor {
	grays := dataset.FromImages(imgs)
	t := tensors.FromShape(shapes.Make(model.DType, len(imgs), model.Height, model.Width, model.Depth))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii, gray := range grays {
			row := flat[ii*dataset.ImageSize : (ii+1)*dataset.ImageSize]
			for jj, v := range gray {
				row[jj] = float32(v)
			}
		}
	})
	return t
}

// Finalize frees the compiled model and, if used, the ONNX model. The classifier can't be used afterwards.
func (c *Classifier) Finalize() {
	if c.exec != nil {
		c.exec.Finalize()
		c.exec = nil
	}
	if c.onnxModel != nil {
		c.onnxModel.Close()
		c.onnxModel = nil
	}
}
