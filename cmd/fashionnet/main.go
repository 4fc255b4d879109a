// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fashionnet trains, inspects and runs the 28x28 grayscale image classifier.
//
// Examples:
//
//	# Train on Fashion-MNIST, checkpointing to ~/work/fashionnet/base:
//	$ fashionnet -train -checkpoint=base -set="train_steps=10000;batch_size=256"
//
//	# Classify images with the trained model, or with weights exported from MATLAB:
//	$ fashionnet -checkpoint=base -classify=shoe.png,shirt.jpg
//	$ fashionnet -mat=fashionNet1.mat -classify=shoe.png
//
//	# Show the layers, or the variables of a checkpoint:
//	$ fashionnet -summary
//	$ fashionnet -checkpoint=base -vars -params
package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/gomlx/fashionnet/pkg/classifier"
	"github.com/gomlx/fashionnet/pkg/dataset"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/fashionnet/pkg/training"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir    = flag.String("data", "~/work/fashionnet", "Directory to cache downloaded dataset files and, by default, checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to --data if not absolute. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagDownload = flag.Bool("download", false, "Download the dataset selected by the \"source\" hyperparameter.")
	flagTrain    = flag.Bool("train", false, "Train the model with the hyperparameters set with --set.")
	flagEval     = flag.Bool("eval", true, "Whether to evaluate the model on the train and test datasets at the end of training.")

	flagSummary = flag.Bool("summary", false, "Display the layers of the model and their number of parameters.")
	flagVars    = flag.Bool("vars", false, "List the variables of the loaded model under --scope.")
	flagScope   = flag.String("scope", "/"+model.ModelScope, "Scope of the variables listed by --vars.")
	flagParams  = flag.Bool("params", false, "List the hyperparameters of the loaded model.")

	flagClassify = flag.String("classify", "", "Comma-separated list of image files to classify, "+
		"with the model from --onnx, --hf_repo, --mat or --checkpoint (in this order of precedence).")
	flagONNX   = flag.String("onnx", "", "ONNX export of the model to use.")
	flagHFRepo = flag.String("hf_repo", "", "HuggingFace repository with the ONNX export of the model to use, see also --hf_file.")
	flagHFFile = flag.String("hf_file", "model.onnx", "Name of the ONNX file in --hf_repo.")
	flagMAT    = flag.String("mat", "", "MATLAB .mat file with the model weights to use.")
)

func main() {
	// Flags with context settings.
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)

	var done bool
	if *flagDownload {
		source := must.M1(dataset.ParseSource(context.GetParamOr(ctx, training.ParamSource, dataset.Fashion.String())))
		if !fsutil.MustFileExists(dataDir) {
			must.M(os.MkdirAll(dataDir, 0777))
		}
		must.M(dataset.Download(dataDir, source))
		fmt.Printf("Dataset %q available in %q\n", source, source.Dir(dataDir))
		done = true
	}
	if *flagTrain {
		must.M(training.TrainModel(ctx, dataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet))
		done = true
	}
	if *flagSummary {
		m := must.M1(model.CreateModel())
		if *flagVerbosity >= 1 {
			fmt.Printf("Backend %q:\t%s\n", m.Backend().Name(), m.Backend().Description())
		}
		fmt.Println(must.M1(m.Summary()))
		m.Finalize()
		done = true
	}
	if *flagVars || *flagParams {
		backend := must.M1(backends.New())
		loaded := loadContext(dataDir)
		if *flagParams {
			listParams(loaded)
		}
		if *flagVars {
			listVariables(backend, loaded.InAbsPath(*flagScope))
		}
		done = true
	}
	if *flagClassify != "" {
		classify(dataDir, strings.Split(*flagClassify, ","))
		done = true
	}
	if !done {
		klog.Errorf("Nothing to do. See 'fashionnet -help'.")
		os.Exit(1)
	}
}

// checkpointDir returns the --checkpoint directory, relative to dataDir if not absolute.
func checkpointDir(dataDir string) string {
	dir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(dataDir, dir)
	}
	return dir
}

// loadContext with all the variables of the model selected by the flags.
func loadContext(dataDir string) *context.Context {
	ctx := context.New()
	switch {
	case *flagONNX != "":
		onnxModel := must.M1(onnx.ReadFile(*flagONNX))
		defer onnxModel.Close()
		must.M(onnxModel.VariablesToContext(ctx))
	case *flagMAT != "":
		must.M(model.ImportMATFile(ctx, *flagMAT))
	case *flagCheckpoint != "":
		_ = must.M1(checkpoints.Load(ctx).Dir(checkpointDir(dataDir)).Immediate().Done())
	default:
		klog.Fatalf("No model given: set one of --onnx, --mat or --checkpoint.")
	}
	return ctx
}

// newClassifier with the model selected by the flags.
func newClassifier(dataDir string) *classifier.Classifier {
	switch {
	case *flagONNX != "":
		return must.M1(classifier.NewFromONNX(*flagONNX))
	case *flagHFRepo != "":
		return must.M1(classifier.NewFromHub(*flagHFRepo, *flagHFFile))
	case *flagMAT != "":
		ctx := context.New()
		must.M(model.ImportMATFile(ctx, *flagMAT))
		return must.M1(classifier.NewFromContext(must.M1(backends.New()), ctx.Reuse()))
	case *flagCheckpoint != "":
		return must.M1(classifier.New(checkpointDir(dataDir)))
	}
	klog.Fatalf("No model given to classify images: set one of --onnx, --hf_repo, --mat or --checkpoint.")
	return nil
}

// classify the image files and print a table with the results.
func classify(dataDir string, paths []string) {
	c := newClassifier(dataDir)
	defer c.Finalize()
	imgs := make([]image.Image, len(paths))
	for ii, path := range paths {
		var err error
		imgs[ii], err = imaging.Open(fsutil.MustReplaceTildeInDir(path), imaging.AutoOrientation(true))
		if err != nil {
			klog.Fatalf("Failed to read image %q: %+v", path, err)
		}
	}
	classes, probs := must.M2(c.ClassifyBatch(imgs))
	labels := c.Labels()

	table := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Image", "Class", "Label", "Probability")
	for ii, path := range paths {
		class := classes[ii]
		table.Row(false, path, fmt.Sprint(class), labels[class], fmt.Sprintf("%.1f%%", 100*probs[ii][class]))
		if *flagVerbosity >= 2 {
			// All classes, with the chosen one highlighted.
			for jj, p := range probs[ii] {
				table.Row(int32(jj) == class, "", fmt.Sprint(jj), labels[jj], fmt.Sprintf("%.1f%%", 100*p))
			}
		}
	}
	fmt.Println(table.Table.Render())
}
