// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// MeanVariable and VarianceVariable are the names of the normalization statistics variables,
	// created under the NormalizationName scope.
	MeanVariable     = "mean"
	VarianceVariable = "variance"

	// Epsilon is the lower bound of the standard deviation used by Normalization.
	Epsilon = 1e-7
)

// Normalization standardizes x per element of its non-batch axes: (x - mean) / max(sqrt(variance), Epsilon).
//
// The mean and variance are non-trainable variables shaped like one example (x without the batch axis),
// initialized to 0 and 1, so an un-adapted layer is the identity. Use Adapt, ImportMAT or a checkpoint
// to set them.
//
// The variables may already exist when the graph is built (they are typically set before training starts),
// so they are created in an unchecked context.
func Normalization(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In(NormalizationName).Checked(false)
	g := x.Graph()
	if x.Rank() < 2 {
		exceptions.Panicf("Normalization requires a batch axis and at least one feature axis, got x.shape=%s", x.Shape())
	}
	statsShape := shapes.Make(x.DType(), x.Shape().Dimensions[1:]...)
	meanVar := ctx.WithInitializer(initializers.Zero).VariableWithShape(MeanVariable, statsShape).SetTrainable(false)
	varianceVar := ctx.WithInitializer(initializers.One).VariableWithShape(VarianceVariable, statsShape).SetTrainable(false)

	mean := BroadcastToDims(ExpandAxes(meanVar.ValueGraph(g), 0), x.Shape().Dimensions...)
	stddev := MaxScalar(Sqrt(varianceVar.ValueGraph(g)), Epsilon)
	stddev = BroadcastToDims(ExpandAxes(stddev, 0), x.Shape().Dimensions...)
	return Div(Sub(x, mean), stddev)
}

// Permute the non-batch axes of x. The dims are 1-based (axis 0 is the batch axis and stays in place):
// output axis i+1 is input axis dims[i]. So for x shaped [B, H, W, C], Permute(x, 3, 2, 1) returns [B, C, W, H].
//
// It panics if dims is not a permutation of 1...x.Rank()-1.
func Permute(x *Node, dims ...int) *Node {
	if len(dims) != x.Rank()-1 {
		exceptions.Panicf("Permute(dims=%v) requires %d dims for x.shape=%s", dims, x.Rank()-1, x.Shape())
	}
	sorted := slices.Clone(dims)
	slices.Sort(sorted)
	for ii, axis := range sorted {
		if axis != ii+1 {
			exceptions.Panicf("Permute(dims=%v) is not a permutation of the axes 1 to %d", dims, x.Rank()-1)
		}
	}
	permutation := append([]int{0}, dims...)
	return TransposeAllDims(x, permutation...)
}

// Flatten collapses all the non-batch axes of x into one.
func Flatten(x *Node) *Node {
	if x.Rank() < 1 {
		exceptions.Panicf("Flatten requires a batch axis, got a scalar")
	}
	return Reshape(x, x.Shape().Dimensions[0], -1)
}
