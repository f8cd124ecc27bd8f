package diffusion

import (
	"os"
	"path"
	"slices"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/ddim/imageds"
)

var (
	// PartitionSeed used for the dataset splitting into train/validation.
	PartitionSeed = int64(42) //nolint:mnd // Some fixed arbitrary number for a deterministic split.

	// ValidationFraction where the rest is used for training. There is no test set.
	ValidationFraction = 0.1 // 10% of data.
)

const (
	// NoiseSamplesFile is saved along the checkpoint with the fixed noise from which samples are
	// generated during training.
	NoiseSamplesFile = "noise_samples.tensor"

	// GeneratedSamplesPrefix is the prefix of the tensor files with the images sampled during training.
	GeneratedSamplesPrefix = "generated_samples_"
)

// Config holds a configuration for all diffusion image/data operations.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where the dataset images are read from, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                               dtypes.DType
	ImageSize, BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration for most of the diffusion methods.
//
// paramsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ImageSize:     context.GetParamOr(ctx, "image_size", 64),
		BatchSize:     context.GetParamOr(ctx, "batch_size", 64),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 128),
		DType:         dtype,
		ParamsSet:     paramsSet,
	}
	useNanLogger := context.GetParamOr(ctx, "nan_logger", false)
	if useNanLogger {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}

// AttachCheckpoint to the configured context, so variables and hyperparameters are loaded from the latest
// checkpoint under checkpointPath (if one already exists), and can be saved back with Config.Checkpoint.Save.
//
// If checkpointPath is not absolute, it is taken relative to Config.DataDir.
//
// It also loads (or creates and saves) the fixed noise samples for this model: at each monitoring step
// during training, images are generated from this same noise, so one can observe the model quality evolving.
//
// It returns nil values if checkpointPath is empty.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, sampledNoise *tensors.Tensor) {
	if checkpointPath == "" {
		return
	}
	ctx := c.Context
	numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 5)
	excludeFromLoading := append(slices.Clone(c.ParamsSet), ParamsExcludedFromLoading...)
	checkpoint = must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpoints).
		ExcludeParams(excludeFromLoading...).
		Done())
	c.Checkpoint = checkpoint

	// Load noise samples if they were already created for this model, otherwise create and save them.
	noisePath := path.Join(checkpoint.Dir(), NoiseSamplesFile)
	if fsutil.MustFileExists(noisePath) {
		sampledNoise = must.M1(tensors.Load(noisePath))
		return
	}
	numSamples := context.GetParamOr(ctx, "samples_during_training", 64)
	sampledNoise = c.GenerateSeededNoise(numSamples)
	must.M(sampledNoise.Save(noisePath))
	return
}

// CreateInMemoryDatasets returns a train and a validation InMemoryDataset, built from the images
// found under Config.DataDir.
//
// If a checkpoint is attached and its directory lives under Config.DataDir, it is skipped by the
// scan: otherwise the sample images generated during training would be read back as training
// examples on a restarted run.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	var excludeDirs []string
	if c.Checkpoint != nil {
		excludeDirs = append(excludeDirs, c.Checkpoint.Dir())
	}
	trainDS = must.M1(
		imageds.InMemoryDataset(c.Backend, c.DataDir, c.ImageSize, "train", PartitionSeed, ValidationFraction, 1.0, excludeDirs...))
	validationDS = must.M1(
		imageds.InMemoryDataset(c.Backend, c.DataDir, c.ImageSize, "validation", PartitionSeed, 0.0, ValidationFraction, excludeDirs...))
	return
}

// GenerateNoise generates random noise from which images can be generated.
// It is shaped [numImages, Config.ImageSize, Config.ImageSize, 3].
func (c *Config) GenerateNoise(numImages int) *tensors.Tensor {
	imageSize := c.ImageSize
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state, shapes.Make(c.DType, numImages, imageSize, imageSize, 3))
		return noise
	})
}

// GenerateSeededNoise is like GenerateNoise, but the noise is a pure function of the
// "samples_rng_seed" hyperparameter: every call (and every process) returns the same values.
//
// It uses its own RNG state, so it doesn't disturb the random sequence used by training.
func (c *Config) GenerateSeededNoise(numImages int) *tensors.Tensor {
	seed := int64(context.GetParamOr(c.Context, "samples_rng_seed", 42))
	imageSize := c.ImageSize
	rngCtx := context.New()
	rngCtx.SetRNGStateFromSeed(seed)
	return must.M1(context.ExecOnce(c.Backend, rngCtx,
		func(ctx *context.Context, g *Graph) *Node {
			return ctx.RandomNormal(g, shapes.Make(c.DType, numImages, imageSize, imageSize, 3))
		}))
}
