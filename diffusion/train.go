package diffusion

import (
	"fmt"
	"path"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// TrainModel with the given config -- it includes the context with hyperparameters.
//
// checkpointPath is where to save checkpoints (and the sampled images generated during training);
// it is required, since the fixed noise samples used to monitor the training live there.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	paramsSet := config.ParamsSet
	backend := config.Backend

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving, and the fixed noise from which samples are generated during training.
	checkpoint, samplesNoise := config.AttachCheckpoint(checkpointPath)
	if samplesNoise == nil {
		klog.Exitf("A checkpoint directory name with --checkpoint is required for storing evolution of some samples, none given")
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		must.M(ctx.ResetRNGState())
	}
	if verbosity >= 1 {
		// Enumerate parameters that were set.
		for _, paramsPath := range paramsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	// Create datasets used for training and evaluation.
	trainDS, validationDS := config.CreateInMemoryDatasets()
	trainEvalDS := trainDS.Copy()
	trainDS.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	validationDS.BatchSize(config.EvalBatchSize, false)

	// Custom loss: model returns the scalar loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	// Metrics on the images component of the loss -- the third element of the predictions.
	imgMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[2]
	}
	pprintLossFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.3f", t.Value())
	}
	meanImagesLoss := metrics.NewMeanMetric(
		"Images Loss", "img_loss", "img_loss", imgMetricFn, pprintLossFn)
	movingImagesLoss := metrics.NewExponentialMovingAverageMetric(
		"Moving Images Loss", "~img_loss", "img_loss", imgMetricFn, pprintLossFn, 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(
		backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingImagesLoss}, // trainMetrics
		[]metrics.Interface{meanImagesLoss})   // evalMetrics
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Periodic checkpoint saving.
	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory.
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Generate samples from the fixed noise to monitor the training.
	generationSteps := context.GetParamOr(ctx, "generation_steps", 20)
	generator := config.NewImagesGenerator(samplesNoise, generationSteps)

	// Samples are generated even with plots disabled: the monitor only skips the plot points then.
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	train.ExponentialCallback(loop, samplesFrequency, samplesFrequencyGrowth, true,
		"Monitor", 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
			var plotterSink stdplots.Plotter
			var evalDatasets []train.Dataset
			if plotter != nil {
				plotterSink = plotter
				evalDatasets = plotter.EvalDatasets
			}
			return TrainingMonitor(checkpoint, loop, metrics, plotterSink, evalDatasets, generator)
		})

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				errSave := checkpoint.Save()
				if errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}

		// Update batch normalization averages -- they include the image normalization statistics
		// needed to de-normalize generated images.
		bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			klog.Exitf("Error while updating batch normalization averages: %+v", err)
		}
		if bnUpdated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}

	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

// TrainingMonitor is periodically called during training, and is used to report metrics and generate
// sample images at the current training step.
//
// plotter may be nil, in which case only the checkpoint and the sample images are saved.
func TrainingMonitor(checkpoint *checkpoints.Handler, loop *train.Loop, metrics []*tensors.Tensor,
	plotter stdplots.Plotter, evalDatasets []train.Dataset, generator *ImagesGenerator) error {
	// Save checkpoint, just in case.
	if checkpoint == nil {
		// Only works if there is a model directory.
		return nil
	}
	must.M(checkpoint.Save())
	must.M(checkpoint.Backup()) // Save backup, so these checkpoints don't get automatically collected.

	// Update plotter with metrics.
	if plotter != nil {
		must.M(stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, evalDatasets[0]))
	}

	// Generate intermediary samples from the fixed noise: saved both as a tensor -- so their
	// evolution can be re-read programmatically -- and as a PNG grid for quick inspection.
	sampledImages := generator.Generate()
	baseName := fmt.Sprintf("%s%07d", GeneratedSamplesPrefix, loop.LoopStep)
	must.M(sampledImages.Save(path.Join(checkpoint.Dir(), baseName+".tensor")))
	must.M(WriteImagesGrid(sampledImages, path.Join(checkpoint.Dir(), baseName+".png")))
	return nil
}
