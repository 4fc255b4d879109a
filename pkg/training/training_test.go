// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/fashionnet/pkg/dataset"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		_ = os.Setenv(backends.ConfigEnvVar, "go")
	}
}

// syntheticExamples creates numPerClass copies of a prototype per class: the image of class k has
// columns 2k and 2k+1 lit.
func syntheticExamples(numPerClass int) *dataset.Examples {
	examples := &dataset.Examples{}
	for range numPerClass {
		for class := range model.NumClasses {
			var img dataset.Image
			for y := range model.Height {
				img.Set(2*class, y, 255)
				img.Set(2*class+1, y, 200)
			}
			examples.Images = append(examples.Images, img)
			examples.Labels = append(examples.Labels, uint8(class))
		}
	}
	return examples
}

func smallTrainingContext(trainSteps int) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:              trainSteps,
		ParamBatchSize:               20,
		ParamEvalBatchSize:           50,
		optimizers.ParamLearningRate: 1e-2,
	})
	return ctx
}

func TestTrain(t *testing.T) {
	backend, err := backends.New()
	require.NoError(t, err)
	base, err := dataset.NewInMemory(backend, "synthetic", syntheticExamples(10))
	require.NoError(t, err)
	trainDS := base.Copy().BatchSize(20, true).Shuffle().Infinite(true)
	evalDS := base.BatchSize(50, false)

	ctx := smallTrainingContext(100)
	checkpoint, err := checkpoints.Build(ctx).Dir(t.TempDir()).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, Train(backend, ctx, trainDS, evalDS, checkpoint, -1, evalDS))
	assert.Equal(t, int64(100), optimizers.GetGlobalStep(ctx))
	hasCheckpoints, err := checkpoint.HasCheckpoints()
	require.NoError(t, err)
	assert.True(t, hasCheckpoints)

	// Normalization was adapted: the lit columns have a mean of 255/10 and 200/10.
	meanVar := ctx.GetVariableByScopeAndName(model.NormalizationScope, model.MeanVariable)
	require.NotNil(t, meanVar)
	assert.False(t, meanVar.Trainable)
	meanValue := meanVar.MustValue().Value().([][][]float32)
	assert.InDelta(t, 25.5, meanValue[0][0][0], 1e-3)
	assert.InDelta(t, 20.0, meanValue[3][1][0], 1e-3)
	assert.InDelta(t, 0.0, meanValue[3][27][0], 1e-3)

	// The synthetic classes are trivially separable.
	m, err := model.New(backend, ctx)
	require.NoError(t, err)
	defer m.Finalize()
	prototypes := syntheticExamples(1)
	images, _ := prototypes.ToTensors()
	probs, err := m.Predict(images)
	require.NoError(t, err)
	numCorrect := 0
	for class, row := range probs.Value().([][]float32) {
		best := 0
		for ii, p := range row {
			if p > row[best] {
				best = ii
			}
		}
		if best == class {
			numCorrect++
		}
	}
	assert.GreaterOrEqual(t, numCorrect, 9)
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 5000, context.GetParamOr(ctx, ParamTrainSteps, 0))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.False(t, context.GetParamOr(ctx, plotly.ParamPlots, true))
	assert.Equal(t, 0, context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, -1))

	// The random number generator state is only created when first used.
	assert.Nil(t, ctx.GetVariableByScopeAndName(context.RootScope, context.RNGStateVariableName))
}

func TestTrainPlotsAndCosineSchedule(t *testing.T) {
	backend, err := backends.New()
	require.NoError(t, err)
	base, err := dataset.NewInMemory(backend, "synthetic", syntheticExamples(5))
	require.NoError(t, err)
	trainDS := base.Copy().BatchSize(10, true).Shuffle().Infinite(true)
	evalDS := base.BatchSize(50, false)

	const numSteps, periodSteps = 25, 10
	ctx := smallTrainingContext(numSteps)
	ctx.SetParams(map[string]any{
		plotly.ParamPlots:               true,
		cosineschedule.ParamPeriodSteps: periodSteps,
	})
	checkpoint, err := checkpoints.Build(ctx).Dir(t.TempDir()).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, Train(backend, ctx, trainDS, evalDS, checkpoint, -1, evalDS))
	assert.Equal(t, int64(numSteps), optimizers.GetGlobalStep(ctx))

	// Plot points were saved along the checkpoint.
	plotPoints, err := os.ReadFile(filepath.Join(checkpoint.Dir(), plots.TrainingPlotFileName))
	require.NoError(t, err)
	assert.NotEmpty(t, plotPoints)

	// The last step used the learning rate of step 24 of the cosine schedule: 4/10 into its third period.
	var learningRate *context.Variable
	for v := range ctx.IterVariables() {
		if v.Name() == optimizers.ParamLearningRate {
			learningRate = v
		}
	}
	require.NotNil(t, learningRate)
	want := 1e-2 * (math.Cos(math.Pi*float64((numSteps-1)%periodSteps)/periodSteps) + 1) / 2
	assert.InDelta(t, want, tensors.MustCopyFlatData[float32](learningRate.MustValue())[0], 1e-5)
}

func writeCSV(t *testing.T, filePath string, examples *dataset.Examples) {
	var sb strings.Builder
	sb.WriteString(dataset.LabelColumn)
	for ii := range dataset.ImageSize {
		sb.WriteString(",")
		sb.WriteString(dataset.PixelColumn(ii))
	}
	sb.WriteString("\n")
	for ii, img := range examples.Images {
		sb.WriteString(strconv.Itoa(int(examples.Labels[ii])))
		for _, v := range img {
			sb.WriteString(",")
			sb.WriteString(strconv.Itoa(int(v)))
		}
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(filePath, []byte(sb.String()), 0644))
}

func TestTrainModelFromCSV(t *testing.T) {
	dataDir := t.TempDir()
	trainPath := filepath.Join(dataDir, "train.csv")
	testPath := filepath.Join(dataDir, "test.csv")
	writeCSV(t, trainPath, syntheticExamples(4))
	writeCSV(t, testPath, syntheticExamples(1))

	newContext := func() *context.Context {
		ctx := smallTrainingContext(20)
		ctx.SetParams(map[string]any{ParamTrainCSV: trainPath, ParamTestCSV: testPath})
		return ctx
	}
	ctx := newContext()
	require.NoError(t, TrainModel(ctx, dataDir, "checkpoint", true, -1, nil))
	assert.Equal(t, int64(20), optimizers.GetGlobalStep(ctx))

	// A second session continues from the checkpoint, and has nothing left to train.
	ctx = newContext()
	require.NoError(t, TrainModel(ctx, dataDir, "checkpoint", false, -1, nil))
	assert.Equal(t, int64(20), optimizers.GetGlobalStep(ctx))

	// Missing test file.
	ctx = smallTrainingContext(20)
	ctx.SetParam(ParamTrainCSV, trainPath)
	require.Error(t, TrainModel(ctx, dataDir, "", false, -1, nil))
}

func TestTrainModelInvalidSource(t *testing.T) {
	ctx := smallTrainingContext(20)
	ctx.SetParam(ParamSource, "cifar")
	require.Error(t, TrainModel(ctx, t.TempDir(), "", false, -1, nil))
}

func TestTrainModelDownload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping download and training in short mode")
		return
	}
	ctx := smallTrainingContext(50)
	require.NoError(t, TrainModel(ctx, filepath.Join(os.TempDir(), "fashionnet_data"), "", true, 1, nil))
}
