// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		_ = os.Setenv(backends.ConfigEnvVar, "go")
	}
}

func TestCheckpointDir(t *testing.T) {
	defer func(saved string) { *flagCheckpoint = saved }(*flagCheckpoint)
	*flagCheckpoint = "base"
	assert.Equal(t, filepath.Join("/data", "base"), checkpointDir("/data"))
	*flagCheckpoint = "/tmp/base"
	assert.Equal(t, "/tmp/base", checkpointDir("/data"))
}

func TestLoadContextAndList(t *testing.T) {
	defer func(saved string) { *flagCheckpoint = saved }(*flagCheckpoint)
	dataDir := t.TempDir()

	ctx := context.New()
	ctx.SetParam("source", "digits")
	ctx.InAbsPath(model.NormalizationScope).VariableWithValue(model.MeanVariable,
		tensors.FromScalarAndDimensions(float32(0.5), model.Height, model.Width, model.Depth)).SetTrainable(false)
	_ = ctx.In(model.ModelScope).VariableWithValue("step", tensors.FromScalar(int64(7)))
	checkpoint, err := checkpoints.Build(ctx).Dir(filepath.Join(dataDir, "base")).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	*flagCheckpoint = "base"
	loaded := loadContext(dataDir)
	v := loaded.GetVariableByScopeAndName(model.NormalizationScope, model.MeanVariable)
	require.NotNil(t, v)
	assert.Equal(t, []int{model.Height, model.Width, model.Depth}, v.Shape().Dimensions)
	source, found := loaded.GetParam("source")
	require.True(t, found)
	assert.Equal(t, "digits", source)

	backend, err := backends.New()
	require.NoError(t, err)
	require.NotPanics(t, func() {
		listParams(loaded)
		listVariables(backend, loaded.InAbsPath(*flagScope))
	})
}
