// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains the image classifier of package model on Fashion-MNIST (or MNIST), or on
// datasets given as CSV files.
package training

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fashionnet/pkg/dataset"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters keys, set in the context. See CreateDefaultContext.
const (
	ParamTrainSteps     = "train_steps"
	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamNumCheckpoints = "num_checkpoints"

	// ParamSource is the dataset used for training: "fashion" or "digits".
	ParamSource = "source"

	// ParamTrainCSV and ParamTestCSV, if set, are paths to CSV files (see dataset.LoadCSV) used instead of ParamSource.
	ParamTrainCSV = "train_csv"
	ParamTestCSV  = "test_csv"

	// ParamAdapt sets whether the normalization statistics are computed from the training data before
	// training starts.
	ParamAdapt = "adapt"

	// ParamAdaptBatches limits the number of evaluation batches used to adapt the normalization. 0 means all.
	ParamAdaptBatches = "adapt_batches"
)

// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
// along with the model checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamNumCheckpoints, ParamTrainCSV, ParamTestCSV,
}

// CreateDefaultContext returns a context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:     5000,
		ParamNumCheckpoints: 3,

		// batch_size for training.
		ParamBatchSize: 128,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 1000,

		ParamSource:       dataset.Fashion.String(),
		ParamTrainCSV:     "",
		ParamTestCSV:      "",
		ParamAdapt:        true,
		ParamAdaptBatches: 0,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamPeriodSteps: 0,
		regularizers.ParamL2:            0.0,

		// If plots is true, metrics are collected during training (at exponentially spaced steps) and saved
		// along the checkpoint, to be plotted later.
		plotly.ParamPlots: false,
	})
	return ctx
}

// TrainModel with the hyperparameters given in ctx: it downloads (or reads from CSV files) the datasets, and
// trains the model, saving checkpoints to checkpointPath, if not empty. A relative checkpointPath is
// taken relative to dataDir.
//
// paramsSet are the hyperparameters set by the user, which are not overwritten by the values loaded from
// a previous checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) error {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create data directory %q", dataDir)
		}
	}

	// Checkpoints are loaded before the datasets are created, since they may change the hyperparameters.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		var err error
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint handler for %q", checkpointPath)
		}
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		return errors.Errorf("%q must be > 0 (maybe it was not set?): %d", ParamBatchSize, batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS, err := createDatasets(backend, ctx, dataDir, batchSize, evalBatchSize)
	if err != nil {
		return err
	}
	var evalDSs []train.Dataset
	if evaluateOnEnd {
		evalDSs = []train.Dataset{testEvalDS, trainEvalDS}
	}
	return Train(backend, ctx, trainDS, trainEvalDS, checkpoint, verbosity, evalDSs...)
}

// createDatasets from the CSV files, if ParamTrainCSV is set, or from the ParamSource dataset otherwise.
func createDatasets(backend backends.Backend, ctx *context.Context, dataDir string, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, testEvalDS *datasets.InMemoryDataset, err error) {
	trainCSV := context.GetParamOr(ctx, ParamTrainCSV, "")
	if trainCSV == "" {
		var source dataset.Source
		source, err = dataset.ParseSource(context.GetParamOr(ctx, ParamSource, dataset.Fashion.String()))
		if err != nil {
			return
		}
		return dataset.CreateDatasets(backend, dataDir, source, batchSize, evalBatchSize)
	}

	testCSV := context.GetParamOr(ctx, ParamTestCSV, "")
	if testCSV == "" {
		err = errors.Errorf("%q must be set along with %q", ParamTestCSV, ParamTrainCSV)
		return
	}
	var baseTrain, baseTest *datasets.InMemoryDataset
	if baseTrain, err = csvDataset(backend, "Training", fsutil.MustReplaceTildeInDir(trainCSV)); err != nil {
		return
	}
	if baseTest, err = csvDataset(backend, "Test", fsutil.MustReplaceTildeInDir(testCSV)); err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}

func csvDataset(backend backends.Backend, name, filePath string) (*datasets.InMemoryDataset, error) {
	examples, err := dataset.LoadCSV(filePath)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("read %d examples from %q", examples.Len(), filePath)
	return dataset.NewInMemory(backend, name, examples)
}

// Train the model with the hyperparameters in ctx, until the global step reaches ParamTrainSteps.
//
// If this is the first training session (global step 0) and ParamAdapt is set, the normalization statistics
// are first computed from adaptDS, which must be a finite dataset (or ParamAdaptBatches must be set).
//
// If checkpoint is not nil, it is saved periodically and at the end of the training. If the "plots" hyperparameter
// (plotly.ParamPlots) is set, training metrics and the metrics on evalDSs are collected during training, and saved
// in the checkpoint directory.
// At the end, if any evalDSs are given, the model is evaluated on them and a report is printed.
func Train(backend backends.Backend, ctx *context.Context, trainDS, adaptDS train.Dataset,
	checkpoint *checkpoints.Handler, verbosity int, evalDSs ...train.Dataset) error {
	return exceptions.TryCatch[error](func() { mustTrain(backend, ctx, trainDS, adaptDS, checkpoint, verbosity, evalDSs) })
}

func mustTrain(backend backends.Backend, ctx *context.Context, trainDS, adaptDS train.Dataset,
	checkpoint *checkpoints.Handler, verbosity int, evalDSs []train.Dataset) {
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep == 0 && context.GetParamOr(ctx, ParamAdapt, true) && adaptDS != nil {
		start := time.Now()
		err := model.Adapt(backend, ctx, adaptDS, context.GetParamOr(ctx, ParamAdaptBatches, 0))
		if err != nil {
			panic(err)
		}
		if verbosity >= 1 {
			fmt.Printf("\tAdapted normalization to %q in %s\n", adaptDS.Name(), time.Since(start))
		}
	}

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// The model is trained on the logits, the softmax is folded in the loss.
	trainer := train.NewTrainer(backend, ctx, model.LogitsGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every 3 minutes of training, and at the end.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps, evaluated on evalDSs.
	// The points generated are saved along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(evalDSs...).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Loop until the target global step, which also takes care of continuing from a checkpoint.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	if globalStep < numTrainSteps {
		if _, err := loop.RunToGlobalStep(trainDS, numTrainSteps); err != nil {
			panic(errors.WithMessage(err, "training failed"))
		}
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		if globalStep > 0 {
			trainer.SetContext(ctx.Reuse())
		}
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number additional "+
			"to current global step.\n", ParamTrainSteps, numTrainSteps)
	}

	// Finally, print an evaluation on the given datasets.
	if len(evalDSs) > 0 {
		if verbosity >= 1 {
			fmt.Println()
		}
		if err := commandline.ReportEval(trainer, evalDSs...); err != nil {
			panic(errors.WithMessage(err, "evaluation failed"))
		}
	}
}
