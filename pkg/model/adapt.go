// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NormalizationScope is the absolute scope of the normalization statistics variables.
var NormalizationScope = context.RootScope + ModelScope + context.ScopeSeparator + NormalizationName

// Adapt sets the normalization statistics from the images yielded by ds: the mean and the (population)
// variance of each pixel, across all examples.
//
// It reads ds until it returns io.EOF, or at most maxBatches batches if maxBatches > 0. So for datasets
// that loop indefinitely maxBatches must be given. ds is reset before and after.
func Adapt(backend backends.Backend, ctx *context.Context, ds train.Dataset, maxBatches int) error {
	statsExec, err := context.NewExec(backend, context.New(), func(_ *context.Context, inputs []*Node) []*Node {
		x := ConvertDType(inputs[0], dtypes.Float64)
		return []*Node{ReduceSum(x, 0), ReduceSum(Square(x), 0)}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to create statistics executor")
	}
	defer statsExec.Finalize()

	const size = Height * Width * Depth
	sum := make([]float64, size)
	sumSq := make([]float64, size)
	count := 0
	ds.Reset()
	defer ds.Reset()
	for numBatches := 0; maxBatches <= 0 || numBatches < maxBatches; numBatches++ {
		_, inputs, _, yieldErr := ds.Yield()
		if yieldErr != nil && yieldErr != io.EOF {
			return errors.WithMessagef(yieldErr, "while reading dataset %q to adapt normalization", ds.Name())
		}
		if len(inputs) > 0 {
			images := inputs[0]
			dims := images.Shape().Dimensions
			if len(dims) != 4 || dims[1] != Height || dims[2] != Width || dims[3] != Depth {
				return errors.Errorf("dataset %q yielded images shaped %s, expected [batch_size, %d, %d, %d]",
					ds.Name(), images.Shape(), Height, Width, Depth)
			}
			// Empty batches are skipped: they add nothing and can't be reduced by every backend.
			if dims[0] > 0 {
				outputs, err := statsExec.Exec(images)
				if err != nil {
					return errors.WithMessage(err, "failed to compute batch statistics")
				}
				accumulate(sum, outputs[0])
				accumulate(sumSq, outputs[1])
				count += dims[0]
			}
		}
		if yieldErr == io.EOF {
			break
		}
	}
	if count == 0 {
		return errors.Errorf("dataset %q yielded no examples to adapt normalization", ds.Name())
	}

	mean := make([]float32, size)
	variance := make([]float32, size)
	n := float64(count)
	for ii := range size {
		m := sum[ii] / n
		mean[ii] = float32(m)
		variance[ii] = float32(math.Max(sumSq[ii]/n-m*m, 0))
	}
	klog.V(1).Infof("normalization adapted to %d examples", count)
	return SetNormalization(ctx,
		tensors.FromFlatDataAndDimensions(mean, Height, Width, Depth),
		tensors.FromFlatDataAndDimensions(variance, Height, Width, Depth))
}

func accumulate(acc []float64, t *tensors.Tensor) {
	tensors.MustConstFlatData[float64](t, func(flat []float64) {
		for ii, v := range flat {
			acc[ii] += v
		}
	})
	t.MustFinalizeAll()
}

// SetNormalization sets the normalization statistics variables, both shaped [Height, Width, Depth].
func SetNormalization(ctx *context.Context, mean, variance *tensors.Tensor) error {
	if err := setVariable(ctx, NormalizationScope, MeanVariable, mean, false); err != nil {
		return err
	}
	return setVariable(ctx, NormalizationScope, VarianceVariable, variance, false)
}

// setVariable creates or overwrites the variable scope/name with value.
func setVariable(ctx *context.Context, scope, name string, value *tensors.Tensor, trainable bool) error {
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		err := exceptions.TryCatch[error](func() {
			v = ctx.InAbsPath(scope).Checked(false).VariableWithValue(name, value)
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to create variable %s%s%s", scope, context.ScopeSeparator, name)
		}
	} else {
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("variable %s%s%s is shaped %s, cannot set it to a value shaped %s",
				scope, context.ScopeSeparator, name, v.Shape(), value.Shape())
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "failed to set variable %s%s%s", scope, context.ScopeSeparator, name)
		}
	}
	v.SetTrainable(trainable)
	return nil
}
