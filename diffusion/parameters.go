package diffusion

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
)

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from models checkpoints.
	//
	// These are appended to the list of settings given in the command line in the flag -set.
	ParamsExcludedFromLoading = []string{
		"train_steps", "plots", "nan_logger",
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		"train_steps":          100_000,
		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 64,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 128,

		// image_size the dataset images are resized (and center-cropped) to, and the size of the generated
		// images. It must be divisible by 2^(len(diffusion_channels_list)-1), since each down-block halves
		// the spatial resolution.
		"image_size": 64,

		// dtype to use for the model.
		"dtype": "float32",

		// samples_during_training is the number of images generated from a fixed noise during training,
		// to observe the evolution of the model.
		// These start with noise, that gets de-noised to images at different stages of the training.
		"samples_during_training":                  64,
		"samples_during_training_frequency":        200, // Number of steps between regenerating samples. It's actually the period not the frequency.
		"samples_during_training_frequency_growth": 1.2, // Growth factor for samples_during_training_frequency.

		// samples_rng_seed seeds the generation of the fixed noise used for the samples above, so
		// different runs (and restarts) monitor the generation quality from the same starting noise.
		"samples_rng_seed": 42,

		// generation_steps is the number of reverse diffusion steps used when sampling images during training.
		"generation_steps": 20,

		// rng_reset enables resetting the random number generator state with a new random value -- useful when continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help debug where NaNs may appear in the model.
		"nan_logger": false,

		// Data augmentation: random horizontal flips of the training images.
		"augmentation_random_flips": true,

		// Diffusion model:
		"diffusion_num_residual_blocks": 2,                      // Number of residual blocks per image size in the U-Net model.
		"diffusion_channels_list":       []int{32, 64, 96, 128}, // Number of channels (features) for each image size (progressively smaller) in U-Net model.
		"diffusion_min_signal_ratio":    0.02,                   // Minimum of the signal-to-noise ratio when training. Must be > 0.
		"diffusion_max_signal_ratio":    0.95,                   // Maximum of the signal-to-noise ratio when training. Must be <= 1.
		"diffusion_pool":                "max",                  // Values are: "mean", "max", "sum", "concat"

		// Sinusoidal embedding of the noise variance:
		"sinusoidal_embed_size": 32,     // Sinusoidal embedding size. It must be an even number >= 4.
		"sinusoidal_max_freq":   1000.0, // Sinusoidal embedding max frequency.
		"sinusoidal_min_freq":   1.0,    // Sinusoidal embedding min frequency.

		layers.ParamNormalization: "batch",

		losses.ParamLoss:                "mae", // Loss applied to the predicted noise. The image loss is always "mae".
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		optimizers.ParamAdamWeightDecay: 1e-4,
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,

		optimizers.ParamLearningRate:        1e-3,
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, it sets the period of the cosine schedule. Typically, the same value as 'train_steps'.
		cosineschedule.ParamMinLearningRate: 1e-5,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		//
		// From the command-line, an easy way to monitor the metrics being generated during the training of a model
		// is using the gomlx_checkpoints tool:
		//
		//	$ gomlx_checkpoints --metrics --metrics_names='E(Tra)/#loss,E(Val)/#loss' --loop=3s "<checkpoint_path>"
		plotly.ParamPlots: true,
	})
	return ctx
}
