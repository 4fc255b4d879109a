// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LayerSpec describes one layer of the model.
type LayerSpec struct {
	Name, Kind string

	// Dimensions of the layer output, excluding the batch axis.
	Dimensions []int

	// TrainableParams and FixedParams are the number of scalars in the layer variables.
	TrainableParams, FixedParams int
}

var layerNamesAndKinds = [][2]string{
	{NormalizationName, "Normalization"},
	{PermuteName, "Permute"},
	{FlattenName, "Flatten"},
	{HiddenName, "Dense"},
	{ReluName, "ReLU"},
	{LogitsName, "Dense"},
	{OutputName, "Softmax"},
}

// InferLayers builds the model graph for one example and returns the description of the input and of each
// layer, with the shapes reported by the graph.
//
// It uses a scratch context, so it doesn't affect any model variables.
func InferLayers(backend backends.Backend) (specs []LayerSpec, err error) {
	err = exceptions.TryCatch[error](func() {
		ctx := context.New()
		g := NewGraph(backend, "InferLayers")
		defer g.Finalize()
		images := Parameter(g, InputName, shapes.Make(DType, 1, Height, Width, Depth))
		outputs := layerOutputs(ctx.In(ModelScope), images)
		outputs = append(outputs, Softmax(outputs[len(outputs)-1], -1))

		specs = make([]LayerSpec, 0, len(outputs)+1)
		specs = append(specs, LayerSpec{Name: InputName, Kind: "InputLayer", Dimensions: []int{Height, Width, Depth}})
		for ii, output := range outputs {
			spec := LayerSpec{
				Name:       layerNamesAndKinds[ii][0],
				Kind:       layerNamesAndKinds[ii][1],
				Dimensions: output.Shape().Dimensions[1:],
			}
			scopePrefix := fmt.Sprintf("%s%s%s%s", context.RootScope, ModelScope, context.ScopeSeparator, spec.Name)
			ctx.EnumerateVariables(func(v *context.Variable) {
				if v.Scope() != scopePrefix && !strings.HasPrefix(v.Scope(), scopePrefix+context.ScopeSeparator) {
					return
				}
				if v.Trainable {
					spec.TrainableParams += v.Shape().Size()
				} else {
					spec.FixedParams += v.Shape().Size()
				}
			})
			specs = append(specs, spec)
		}
	})
	return
}

// Layers returns the description of the input and of each layer of the model.
func (m *Model) Layers() ([]LayerSpec, error) {
	return InferLayers(m.backend)
}

// NumParameters returns the number of trainable parameters and the number of fixed parameters
// (the normalization statistics) of the model.
func (m *Model) NumParameters() (trainable, fixed int, err error) {
	specs, err := m.Layers()
	if err != nil {
		return 0, 0, err
	}
	for _, spec := range specs {
		trainable += spec.TrainableParams
		fixed += spec.FixedParams
	}
	return
}

var (
	summaryHeaderStyle = lipgloss.NewStyle().Reverse(true).Bold(true).Padding(0, 1).Align(lipgloss.Center)
	summaryRowStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// Summary returns a table with the layers of the model, their output shapes and number of parameters,
// followed by the totals.
func (m *Model) Summary() (string, error) {
	specs, err := m.Layers()
	if err != nil {
		return "", err
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return summaryHeaderStyle
			}
			if col == 3 {
				return summaryRowStyle.Align(lipgloss.Right)
			}
			return summaryRowStyle
		}).
		Headers("Layer", "Kind", "Output Shape", "Params")
	var trainable, fixed int
	for _, spec := range specs {
		dims := make([]string, len(spec.Dimensions))
		for ii, dim := range spec.Dimensions {
			dims[ii] = fmt.Sprint(dim)
		}
		params := spec.TrainableParams + spec.FixedParams
		table.Row(spec.Name, spec.Kind, "(None, "+strings.Join(dims, ", ")+")", humanize.Comma(int64(params)))
		trainable += spec.TrainableParams
		fixed += spec.FixedParams
	}
	var sb strings.Builder
	sb.WriteString(table.String())
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Total params: %s\n", humanize.Comma(int64(trainable+fixed)))
	fmt.Fprintf(&sb, "Trainable params: %s\n", humanize.Comma(int64(trainable)))
	fmt.Fprintf(&sb, "Non-trainable params: %s\n", humanize.Comma(int64(fixed)))
	return sb.String(), nil
}
