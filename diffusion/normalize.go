package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// NormalizationScope is the context scope under which the input image normalization statistics live.
const NormalizationScope = "img_normalization"

// batchNormEpsilon is the default epsilon used by batchnorm.New: DenormalizeImages must invert
// the normalization with the same value.
const batchNormEpsilon = 1e-3

// NormalizeLayer behaves according to the layers.ParamNormalization ("normalization") hyperparameter.
// It works with `x` of rank 4 and rank 3.
func NormalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	}
	return x
}

// NormalizeImages centers and scales the input images -- expected to be in the range [0, 1] -- so
// they have approximately zero mean and unit variance per channel, which is what the diffusion
// process assumes of its signal.
//
// The statistics are kept as the running averages of a non-affine batch normalization: during
// training they converge to the dataset statistics, and they are saved along with the model
// checkpoint. During evaluation and generation the (frozen) averages are used.
func (c *Config) NormalizeImages(ctx *context.Context, images *Node) *Node {
	return batchnorm.New(ctx.In(NormalizationScope), images, -1).
		Center(false).Scale(false).Done()
}

// DenormalizeImages reverts NormalizeImages, mapping the model output back to the [0, 1] range --
// values outside of it are clipped.
//
// It reads the same running mean/variance used by NormalizeImages, so it must run on a context
// where those variables already exist (a trained model, or one loaded from a checkpoint).
func (c *Config) DenormalizeImages(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	normCtx := ctx.In(NormalizationScope).In(batchnorm.BatchNormalizationScopeName).Checked(false)
	varShape := shapes.Make(images.DType(), images.Shape().Dimensions[3])
	mean := normCtx.WithInitializer(initializers.Zero).
		VariableWithShape("mean", varShape).SetTrainable(false).ValueGraph(g)
	variance := normCtx.WithInitializer(initializers.One).
		VariableWithShape("variance", varShape).SetTrainable(false).ValueGraph(g)

	images = Add(Mul(images, Sqrt(AddScalar(variance, batchNormEpsilon))), mean)
	return ClipScalar(images, 0.0, 1.0)
}
