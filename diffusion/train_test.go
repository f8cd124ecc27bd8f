package diffusion

import (
	"fmt"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantColorImages builds a batch of images, each filled with a single color.
func constantColorImages(numImages, imageSize int) *tensors.Tensor {
	flat := make([]float32, numImages*imageSize*imageSize*3)
	pos := 0
	for imgIdx := range numImages {
		var color [3]float32
		for c := range color {
			color[c] = float32((imgIdx+c)%5) / 4.0
		}
		for range imageSize * imageSize {
			for c := range color {
				flat[pos] = color[c]
				pos++
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, numImages, imageSize, imageSize, 3)
}

func TestTrainLossDecreases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in -short mode")
	}
	config := getTestConfig(t, map[string]any{
		"image_size":            8,
		"sinusoidal_embed_size": 8,
	})
	ctx := config.Context

	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		config.Backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx), nil, nil)

	batch := constantColorImages(16, config.ImageSize)
	const numSteps = 300
	const window = 50
	var first, last float64
	for step := range numSteps {
		metrics := must.M1(trainer.TrainStep(nil, []*tensors.Tensor{batch}, nil))
		loss := float64(metrics[0].Value().(float32))
		if step < window {
			first += loss
		}
		if step >= numSteps-window {
			last += loss
		}
	}
	first /= window
	last /= window
	t.Logf("mean loss: first %d steps %.4f, last %d steps %.4f", window, first, window, last)
	// The model easily learns a dataset of constant-color images.
	require.Less(t, last, first)
}

func TestCheckpointRoundTrip(t *testing.T) {
	smallParams := map[string]any{
		"image_size":            8,
		"sinusoidal_embed_size": 8,
	}
	config := getTestConfig(t, smallParams)
	checkpoint, sampledNoise := config.AttachCheckpoint("ckpt")
	require.NotNil(t, checkpoint)
	require.NotNil(t, sampledNoise)

	// One training step, so the saved state also includes the optimizer variables (the Adam
	// moments and the global step), not only the model weights.
	ctx := config.Context
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		config.Backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx), nil, nil)
	batch := constantColorImages(4, config.ImageSize)
	_ = must.M1(trainer.TrainStep(nil, []*tensors.Tensor{batch}, nil))
	require.Greater(t, ctx.NumVariables(), 0)
	numOptimizerVars := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), optimizers.AdamDefaultScope) {
			numOptimizerVars++
		}
	})
	require.Greater(t, numOptimizerVars, 0, "the training step must create the Adam optimizer state")
	must.M(checkpoint.Save())

	// A fresh context attached to the same directory must restore the exact same state.
	ctx2 := CreateDefaultContext()
	ctx2.SetParams(smallParams)
	config2 := NewConfig(graphtest.BuildTestBackend(), ctx2, config.DataDir, nil)
	checkpoint2, sampledNoise2 := config2.AttachCheckpoint("ckpt")
	require.NotNil(t, checkpoint2)
	assert.Equal(t, sampledNoise.Value(), sampledNoise2.Value(),
		"the fixed noise used to sample images during training must survive a restart")

	// GetVariableByScopeAndName triggers the lazy loading of each checkpointed variable, weights
	// and optimizer state alike.
	numCompared := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		v2 := config2.Context.GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNilf(t, v2, "variable %s/%s missing after checkpoint reload", v.Scope(), v.Name())
		assert.Equalf(t, v.MustValue().Value(), v2.MustValue().Value(),
			"variable %s/%s changed by a checkpoint save/load round-trip", v.Scope(), v.Name())
		numCompared++
	})
	assert.Greater(t, numCompared, numOptimizerVars)
	assert.EqualValues(t, 1, optimizers.GetGlobalStep(ctx2),
		"the global step must survive a restart, so training resumes where it stopped")
}

func TestCreateInMemoryDatasetsSkipsCheckpointDir(t *testing.T) {
	config := getTestConfig(t, nil)
	for ii := range 10 {
		img := imaging.New(16, 16, color.NRGBA{R: uint8(20 * ii), G: 100, B: 200, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(config.DataDir, fmt.Sprintf("img%02d.png", ii))))
	}
	checkpoint, _ := config.AttachCheckpoint("ckpt")
	require.NotNil(t, checkpoint)

	// A sample grid left over by the training monitor of a previous run: it lives under DataDir,
	// but it is a model output, not a dataset example.
	grid := imaging.New(32, 32, color.NRGBA{R: 255, A: 255})
	require.NoError(t, imaging.Save(grid,
		filepath.Join(checkpoint.Dir(), GeneratedSamplesPrefix+"0000100.png")))

	trainDS, validationDS := config.CreateInMemoryDatasets()
	assert.Equal(t, 9, trainDS.NumExamples())
	assert.Equal(t, 1, validationDS.NumExamples())
}

func TestTrainingMonitorWithoutPlotter(t *testing.T) {
	config := getTestConfig(t, map[string]any{
		"image_size":              8,
		"sinusoidal_embed_size":   8,
		"samples_during_training": 2,
	})
	checkpoint, sampledNoise := config.AttachCheckpoint("ckpt")
	require.NotNil(t, checkpoint)
	createModelVariables(config)
	generator := config.NewImagesGenerator(sampledNoise, 2)

	ctx := config.Context
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		config.Backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx), nil, nil)
	loop := train.NewLoop(trainer)

	// Sample images are exported even when no plotter is configured (plots=false).
	require.NoError(t, TrainingMonitor(checkpoint, loop, nil, nil, nil, generator))
	baseName := fmt.Sprintf("%s%07d", GeneratedSamplesPrefix, loop.LoopStep)
	assert.FileExists(t, filepath.Join(checkpoint.Dir(), baseName+".png"))
	assert.FileExists(t, filepath.Join(checkpoint.Dir(), baseName+".tensor"))
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 64, context.GetParamOr(ctx, "image_size", 0))
	assert.Equal(t, []int{32, 64, 96, 128}, context.GetParamOr(ctx, "diffusion_channels_list", []int(nil)))
	assert.Equal(t, 0.95, context.GetParamOr(ctx, "diffusion_max_signal_ratio", 0.0))
	assert.Equal(t, 0.02, context.GetParamOr(ctx, "diffusion_min_signal_ratio", 0.0))
	assert.Equal(t, "adamw", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))

	config := NewConfig(graphtest.BuildTestBackend(), ctx, t.TempDir(), nil)
	assert.Equal(t, dtypes.Float32, config.DType)
	assert.Equal(t, 64, config.ImageSize)
}
