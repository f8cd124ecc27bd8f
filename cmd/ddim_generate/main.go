// ddim_generate samples images from a trained DDIM model checkpoint.
//
// Typical usage:
//
//	ddim_generate --data=~/work/ddim --checkpoint=ddim_base --num_images=16 --diffusion_steps=50 \
//		--output="sampled_%03d.png"
//
// With --grid it writes instead a single image with all the samples tiled.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/ddim/diffusion"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/ddim", "Directory with the dataset images; model checkpoints are stored under it.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the model checkpoint from. Required.")
	flagNumImages  = flag.Int("num_images", 16, "Number of images to generate.")
	flagNumSteps   = flag.Int("diffusion_steps", 50, "Number of reverse diffusion steps.")
	flagOutput     = flag.String("output", "generated_%03d.png", "Pattern of the output image files: it must contain one %d verb, replaced by the image index (or by the diffusion step, with -every_n).")
	flagGrid       = flag.String("grid", "", "If set, write all the samples tiled in one grid image to this file instead of individual files.")
	flagEveryN     = flag.Int("every_n", 0, "If > 0, write a grid of the intermediary predicted images every n diffusion steps -- the %d in -output is then replaced by the diffusion step.")
	flagSeeded     = flag.Bool("seeded", false, "If set, generate from the deterministic noise seeded by the \"samples_rng_seed\" hyperparameter, instead of fresh random noise.")
)

var (
	backend = backends.MustNew()
)

func main() {
	ctx := diffusion.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := diffusion.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	if *flagCheckpoint == "" {
		klog.Exitf("A checkpoint directory with a trained model is required with --checkpoint, none given")
	}
	err := exceptions.TryCatch[error](func() {
		_, _ = config.AttachCheckpoint(*flagCheckpoint)
		var noise *tensors.Tensor
		if *flagSeeded {
			noise = config.GenerateSeededNoise(*flagNumImages)
		} else {
			noise = config.GenerateNoise(*flagNumImages)
		}
		generator := config.NewImagesGenerator(noise, *flagNumSteps)
		if *flagEveryN > 0 {
			// One grid of samples per recorded diffusion step, to see the images take shape.
			batches, steps, _ := generator.GenerateEveryN(*flagEveryN)
			for ii, batch := range batches {
				check(diffusion.WriteImagesGrid(batch, fmt.Sprintf(*flagOutput, steps[ii])))
			}
			return
		}
		images := generator.Generate()
		if *flagGrid != "" {
			check(diffusion.WriteImagesGrid(images, *flagGrid))
		} else {
			check(diffusion.WriteImages(images, *flagOutput))
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
