// Package diffusion implements a Denoising Diffusion Implicit Model (DDIM) for image generation,
// trained on an arbitrary directory of images.
//
// It is based on the DDIM paper https://arxiv.org/abs/2010.02502 and the Keras tutorial in
// https://keras.io/examples/generative/ddim/, with many small modifications.
//
// The subdirectories `cmd/ddim_train` and `cmd/ddim_generate` have the command line binaries to
// train a model and to generate images from a trained model.
//
// All the model hyperparameters live in the context (see CreateDefaultContext) and can be overridden
// from the command line with `-set`.
package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/janpfeifer/must"
)

// SinusoidalEmbedding provides embeddings of `x` for geometrically spaced frequencies.
// This is applied to the variance of the noise, and facilitates the NN model to easily map different
// ranges of the signal/noise ratio.
//
// The embedding size is given by the "sinusoidal_embed_size" hyperparameter, and it must be an even
// number >= 4, otherwise the frequencies would be degenerate.
//
// x must be shaped [batchSize, 1, 1, 1]: one noise variance per example, with unit spatial and
// channel axes so the embedding lands on the channels axis.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	x.AssertDims(-1, 1, 1, 1)

	embedSize := context.GetParamOr(ctx, "sinusoidal_embed_size", 32)
	if embedSize < 4 || embedSize%2 != 0 {
		exceptions.Panicf(`hyperparameter "sinusoidal_embed_size" must be an even number >= 4, got %d`, embedSize)
	}

	// Generate geometrically spaced frequencies: only 1/2 of embedSize because we use half for
	// sine numbers, half for cosine numbers.
	halfEmbed := embedSize / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)
	frequencies.AssertDims(halfEmbed)

	// Generate sine/cosine embeddings.
	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// DiffusionSchedule calculates a ratio of noise and image that needs to be mixed,
// given the diffusion time `~ [0.0, 1.0]`.
//
// Diffusion time 0 means minimum diffusion -- the signal ratio will be set to "diffusion_max_signal_ratio",
// default 0.95 -- and diffusion time 1.0 means almost all noise -- the signal ratio will be set to
// "diffusion_min_signal_ratio", default 0.02.
//
// Typically, the shape of `times` and the returned ratios will be `[batch_size, 1, 1, 1]`.
//
// The ratios observe the element-wise constraint: signalRatios^2 + noiseRatios^2 = 1.
// This preserves the variance of the combined (image*signalRatio+noise*noiseRatio) to 1.
func DiffusionSchedule(ctx *context.Context, times *Node) (signalRatios, noiseRatios *Node) {
	minSignalRatio := context.GetParamOr(ctx, "diffusion_min_signal_ratio", 0.02)
	maxSignalRatio := context.GetParamOr(ctx, "diffusion_max_signal_ratio", 0.95)
	if minSignalRatio <= 0 || maxSignalRatio > 1 || minSignalRatio >= maxSignalRatio {
		exceptions.Panicf("invalid diffusion schedule: required 0 < min_signal_ratio < max_signal_ratio <= 1, "+
			"got diffusion_min_signal_ratio=%g, diffusion_max_signal_ratio=%g", minSignalRatio, maxSignalRatio)
	}

	// diffusion times -> angles
	startAngle := math.Acos(maxSignalRatio)
	endAngle := math.Acos(minSignalRatio)
	diffusionAngles := AddScalar(MulScalar(times, endAngle-startAngle), startAngle)

	// The ratios used are Cos(angle) and Sin(angle) because it has the nice property of preserving
	// the variance (of 1) during the process.
	signalRatios = Cos(diffusionAngles)
	noiseRatios = Sin(diffusionAngles)
	return
}

// ResidualBlock on the input with `outputChannels` (axis 3) in the output.
//
// The parameter `x` must be of rank 4, shaped `[batch_size, height, width, channels]`.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		// Project the shortcut to the output number of channels, so it can be added back.
		residual = layers.Convolution(nextCtx("residual_projection"), x).
			Filters(outputChannels).KernelSize(1).PadSame().Done()
	}
	nanLogger.TraceFirstNaN(residual, "residual")

	x = NormalizeLayer(nextCtx("norm"), x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	nanLogger.TraceFirstNaN(x, "conv")

	return Add(x, residual)
}

// DownBlock applies `numBlocks` residual blocks followed by a pooling of size 2, halving the spatial size.
// It pushes the values between each residual blocks to the `skips` stack, to build the skip connections later.
//
// It returns the transformed `x` and `skips` with newly stacked skip connections.
func DownBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, "diffusion_pool", "max")
	switch poolType {
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	case "sum":
		x = SumPool(x).Window(2).NoPadding().Done()
	case "concat":
		x = ConcatPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf(`invalid "diffusion_pool" setting %q: valid values are mean, max, sum or concat`, poolType)
	}
	nanLogger.TraceFirstNaN(x)
	return x, skips
}

// UpBlock is the counter-part to DownBlock. It up-samples the image (bilinear interpolation) and connects
// skip-connections popped from `skips` before each residual block.
//
// It returns `x` and `skips` after popping the consumed skip connections.
func UpBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = Interpolate(x, timages.GetUpSampledSizes(x, timages.ChannelsLast, 2)...).Bilinear().Done()
	nanLogger.TraceFirstNaN(x, "up-sampling")
	for ii := 0; ii < numBlocks; ii++ {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, outputChannels)
		nanLogger.TraceFirstNaN(x)
	}
	return x, skips
}

// UNetModelScope is the context scope under which all the U-Net variables are created.
const UNetModelScope = "u-net"

// UNetModelGraph builds the U-Net model that predicts the noise content of the noisy images.
// Its output has the same shape as noisyImages.
//
// Parameters:
//   - noisyImages: image shaped `[batch_size, size, size, channels=3]`.
//   - noiseVariances: One value [0.0-1.0] per example in the batch, shaped `[batch_size, 1, 1, 1]`.
//
// Hyperparameters set in ctx:
//
//   - "diffusion_channels_list" (static hyperparameter): number of channels (embedding size) to use per
//     spatial resolution. All but the last entry create a down-block (that halves the image) and a matching
//     up-block; the last entry is the number of channels of the innermost ("bottleneck") residual blocks.
//   - "diffusion_num_residual_blocks" (static hyperparameter): number of residual blocks to use per
//     numChannelsList element.
func UNetModelGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, noiseVariances *Node) *Node {
	ctx = ctx.In(UNetModelScope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	batchSize := noisyImages.Shape().Dimensions[0]
	imgSize := noisyImages.Shape().Dimensions[1]
	imageChannels := noisyImages.Shape().Dimensions[3] // Always 3, but if some day we want to predict the alpha, this may be 4.
	noisyImages.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	noiseVariances.AssertDims(batchSize, 1, 1, 1)

	numChannelsList := context.GetParamOr(ctx, "diffusion_channels_list", []int{32, 64, 96, 128})
	numBlocks := context.GetParamOr(ctx, "diffusion_num_residual_blocks", 2)
	if len(numChannelsList) == 0 {
		exceptions.Panicf(`hyperparameter "diffusion_channels_list" must have at least one element`)
	}
	numHalvings := len(numChannelsList) - 1
	if imgSize%(1<<numHalvings) != 0 {
		exceptions.Panicf("image size %d is not divisible by 2^%d: each of the %d down-blocks halves the image",
			imgSize, numHalvings, numHalvings)
	}

	nanLogger.TraceFirstNaN(noisyImages, "UNetModelGraph:noisyImages")
	nanLogger.TraceFirstNaN(noiseVariances, "UNetModelGraph:noiseVariances")

	// Sinusoidal representation of the noise variances, broadcast to the spatial dimensions.
	sinEmbed := SinusoidalEmbedding(ctx, noiseVariances)
	embedSize := sinEmbed.Shape().Dimensions[3]
	sinEmbed = BroadcastToDims(sinEmbed, batchSize, imgSize, imgSize, embedSize)
	nanLogger.TraceFirstNaN(sinEmbed, "UNetModelGraph:sinEmbed")

	// Adjust imageChannels to the initial num channels, and attach the noise variance embedding.
	x := layers.Convolution(nextCtx("input_projection"), noisyImages).
		Filters(numChannelsList[0]).KernelSize(1).PadSame().Done()
	x = Concatenate([]*Node{x, sinEmbed}, -1)

	// Downward: keep pooling image to a smaller size.
	// Keep the `skips` features as we move "downward," so they can be "skip" connected later as we move upward.
	skips := make([]*Node, 0, numBlocks*numHalvings)
	for ii, numChannels := range numChannelsList[:numHalvings] {
		x, skips = DownBlock(nextCtx("down-block-%d", ii), nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.TraceFirstNaN(x, "UNetModelGraph:down")
	}

	// Innermost part of the model: smallest spatial shape, but the largest embedding size.
	lastNumChannels := xslices.Last(numChannelsList)
	for ii := range numBlocks {
		x = ResidualBlock(nextCtx("bottleneck-%02d", ii), nanLogger, x, lastNumChannels)
	}

	// Upward: up-sample image back to original size, one block at a time.
	for ii := range numHalvings {
		numChannels := numChannelsList[numHalvings-(ii+1)]
		x, skips = UpBlock(nextCtx("up-block-%d", ii), nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.TraceFirstNaN(x, "UNetModelGraph:up")
	}
	if len(skips) != 0 {
		exceptions.Panicf("Ended with %d skips not accounted for!?", len(skips))
	}

	// Output initialized to 0, which is the mean of the target.
	x = layers.Convolution(nextCtx("readout").WithInitializer(initializers.Zero), x).
		Filters(imageChannels).KernelSize(1).PadSame().Done()
	nanLogger.TraceFirstNaN(x, "UNetModelGraph:readout")
	return x
}

// Denoise separates the noise from the image, given the signal and noise ratios of the
// noisy images.
//
// It returns both the predicted images and the predicted noises: the U-Net models the noise --
// it's easier to model than the image -- and the image is recovered from it.
func Denoise(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, signalRatios, noiseRatios *Node) (
	predictedImages, predictedNoises *Node) {
	// Noise variance: since the noise is expected to have variance 1, adjusted by the noiseRatio
	// (just a multiplicative factor), the new variance is:
	noiseVariances := Square(noiseRatios)

	predictedNoises = UNetModelGraph(ctx, nanLogger, noisyImages, noiseVariances)
	predictedImages = Sub(noisyImages, Mul(predictedNoises, noiseRatios))
	predictedImages = Div(predictedImages, signalRatios)
	return
}

// BuildTrainingModelGraph builds the model for training and evaluation.
//
// The returned predictions are: the de-normalized predicted images, the (scalar) training loss, the
// images component of the loss and the noises component of the loss.
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()

		// Prepare the input image and noise.
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		images = AugmentImages(ctx, images) // Random augmentation, only if training.
		images = ConvertDType(images, c.DType)
		images = c.NormalizeImages(ctx, images)
		c.NanLogger.TraceFirstNaN(images, "normalizedImages")
		noises := ctx.RandomNormal(g, images.Shape())

		// Cosine learning-rate schedule, if enabled.
		cosineschedule.New(ctx, g, c.DType).FromContext().Done()

		// Mix noise and image at uniformly sampled diffusion times.
		diffusionTimes := ctx.RandomUniform(g, shapes.Make(c.DType, batchSize, 1, 1, 1))
		signalRatios, noiseRatios := DiffusionSchedule(ctx, diffusionTimes)
		noisyImages := Add(
			Mul(images, signalRatios),
			Mul(noises, noiseRatios))
		noisyImages = StopGradient(noisyImages)
		predictedImages, predictedNoises := Denoise(ctx, c.NanLogger, noisyImages, signalRatios, noiseRatios)

		// The training loss is the sum of the loss on the predicted noise -- what the U-Net actually
		// models -- and the MAE on the recovered images.
		lossFn := must.M1(losses.LossFromContext(ctx))
		noisesLoss := lossFn([]*Node{noises}, []*Node{predictedNoises})
		if !noisesLoss.IsScalar() {
			noisesLoss = ReduceAllMean(noisesLoss)
		}
		imagesLoss := losses.MeanAbsoluteError([]*Node{images}, []*Node{predictedImages})
		if !imagesLoss.IsScalar() {
			imagesLoss = ReduceAllMean(imagesLoss)
		}
		loss := Add(noisesLoss, imagesLoss)

		return []*Node{c.DenormalizeImages(ctx, predictedImages), loss, imagesLoss, noisesLoss}
	}
}
