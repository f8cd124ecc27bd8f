package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
)

// DenoiseStepGraph executes one step of the deterministic (DDIM) reverse diffusion: it separates the
// noise and images from the noisy images at diffusionTime, and re-mixes the predictions at
// nextDiffusionTime.
//
// diffusionTime and nextDiffusionTime are scalars, shared by the whole batch.
func (c *Config) DenoiseStepGraph(ctx *context.Context, noisyImages, diffusionTime, nextDiffusionTime *Node) (
	predictedImages, nextNoisyImages *Node) {
	g := noisyImages.Graph()
	ctx.SetTraining(g, false) // Normalization layers use the frozen averages.

	numImages := noisyImages.Shape().Dimensions[0]
	diffusionTimes := BroadcastToDims(ConvertDType(diffusionTime, c.DType), numImages, 1, 1, 1)
	signalRatios, noiseRatios := DiffusionSchedule(ctx, diffusionTimes)
	var predictedNoises *Node
	predictedImages, predictedNoises = Denoise(ctx, c.NanLogger, noisyImages, signalRatios, noiseRatios)

	nextDiffusionTimes := BroadcastToDims(ConvertDType(nextDiffusionTime, c.DType), numImages, 1, 1, 1)
	nextSignalRatios, nextNoiseRatios := DiffusionSchedule(ctx, nextDiffusionTimes)
	nextNoisyImages = Add(
		Mul(predictedImages, nextSignalRatios),
		Mul(predictedNoises, nextNoiseRatios))
	return
}

// ImagesGenerator runs the reverse diffusion from a fixed noise.
// Use it with Config.NewImagesGenerator.
type ImagesGenerator struct {
	config            *Config
	ctx               *context.Context
	noise             *tensors.Tensor
	numImages         int
	numDiffusionSteps int
	stepExec          *context.Exec
	denormalizerExec  *context.Exec
}

// NewImagesGenerator generates images from the initial `noise`, in `numDiffusionSteps`.
//
// The model variables must already exist in the configured context: either trained in this process,
// or loaded from a checkpoint (see Config.AttachCheckpoint).
func (c *Config) NewImagesGenerator(noise *tensors.Tensor, numDiffusionSteps int) *ImagesGenerator {
	ctx := c.Context.Reuse()
	if numDiffusionSteps <= 0 {
		exceptions.Panicf("expected numDiffusionSteps > 0, got %d", numDiffusionSteps)
	}
	if noise.Rank() != 4 {
		exceptions.Panicf("noise must be shaped [num_images, height, width, channels], got shape %s", noise.Shape())
	}
	return &ImagesGenerator{
		config:            c,
		ctx:               ctx,
		noise:             noise,
		numImages:         noise.Shape().Dimensions[0],
		numDiffusionSteps: numDiffusionSteps,
		stepExec:          context.MustNewExec(c.Backend, ctx, c.DenoiseStepGraph),
		denormalizerExec: context.MustNewExec(c.Backend, ctx, func(ctx *context.Context, images *Node) *Node {
			return c.DenormalizeImages(ctx, images)
		}),
	}
}

// GenerateEveryN images from the original noise.
// It always returns the last generated images, plus the images predicted at every n intermediary
// diffusion steps.
//
// It can be called more than once if the context changed, if the model was further trained.
// Otherwise, it will always return the same images.
//
// It returns a slice of batches of images, one batch per reported diffusion step, the corresponding
// step numbers and the diffusion "time" after each of those steps -- 1.0 is pure noise, and the last
// step always lands on time 0.0.
func (g *ImagesGenerator) GenerateEveryN(n int) (
	predictedImages []*tensors.Tensor, diffusionSteps []int, diffusionTimes []float64) {
	// Copy the noise tensor: the buffer is donated to the first step execution, and we want to
	// preserve the original g.noise.
	noisyImages := must.M1(g.noise.LocalClone())

	var denoisedImages *tensors.Tensor
	stepSize := 1.0 / float64(g.numDiffusionSteps)
	for step := 0; step < g.numDiffusionSteps; step++ {
		diffusionTime := 1.0 - float64(step)*stepSize
		nextDiffusionTime := math.Max(diffusionTime-stepSize, 0)
		parts := g.stepExec.MustExec(noisyImages, diffusionTime, nextDiffusionTime)
		if denoisedImages != nil {
			denoisedImages.MustFinalizeAll() // Immediate release of (accelerator) memory for intermediary results.
		}
		if step > 0 {
			noisyImages.MustFinalizeAll()
		}
		denoisedImages, noisyImages = parts[0], parts[1]
		if (n > 0 && step%n == 0) || step == g.numDiffusionSteps-1 {
			predictedImages = append(predictedImages, g.denormalizerExec.MustExec(denoisedImages)[0])
			diffusionSteps = append(diffusionSteps, step)
			diffusionTimes = append(diffusionTimes, nextDiffusionTime)
		}
	}
	return
}

// Generate images from the original noise.
//
// It can be called multiple times if the context changed, if the model was further trained.
// Otherwise, it will always return the same images.
func (g *ImagesGenerator) Generate() (batchedImages *tensors.Tensor) {
	allBatches, _, _ := g.GenerateEveryN(0)
	return allBatches[0]
}

// GenerateImages generates numImages images in numDiffusionSteps from fresh random noise, using the
// model loaded in cfg.
func GenerateImages(cfg *Config, numImages, numDiffusionSteps int) *tensors.Tensor {
	if cfg.Checkpoint == nil {
		exceptions.Panicf("GenerateImages requires a model loaded from a checkpoint, see Config.AttachCheckpoint")
	}
	noise := cfg.GenerateNoise(numImages)
	generator := cfg.NewImagesGenerator(noise, numDiffusionSteps)
	return generator.Generate()
}
