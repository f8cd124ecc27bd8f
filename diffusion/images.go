package diffusion

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// ToImages converts a batch of images in tensor format -- shaped
// [num_images, height, width, 3], with values in [0, 1] -- to Go images.
func ToImages(imagesT *tensors.Tensor) []image.Image {
	return timages.ToImage().MaxValue(1.0).Batch(imagesT)
}

// WriteImages saves each image of the batch as an individual file.
// pathPattern must contain one "%d" verb, replaced by the index of the image within the batch.
// The image format is taken from the file extension (e.g. ".png").
func WriteImages(imagesT *tensors.Tensor, pathPattern string) error {
	for ii, img := range ToImages(imagesT) {
		imgPath := fmt.Sprintf(pathPattern, ii)
		if err := imaging.Save(img, imgPath); err != nil {
			return errors.WithMessagef(err, "failed to save image #%d to %q", ii, imgPath)
		}
	}
	return nil
}

// WriteImagesGrid tiles the batch of images into one (roughly square) grid image and saves it to
// outputPath. The image format is taken from the file extension (e.g. ".png").
func WriteImagesGrid(imagesT *tensors.Tensor, outputPath string) error {
	images := ToImages(imagesT)
	if len(images) == 0 {
		return errors.Errorf("no images to write to %q", outputPath)
	}
	width := images[0].Bounds().Dx()
	height := images[0].Bounds().Dy()
	numColumns := int(math.Ceil(math.Sqrt(float64(len(images)))))
	numRows := (len(images) + numColumns - 1) / numColumns

	grid := imaging.New(numColumns*width, numRows*height, color.Black)
	for ii, img := range images {
		grid = imaging.Paste(grid, img, image.Pt((ii%numColumns)*width, (ii/numColumns)*height))
	}
	if err := imaging.Save(grid, outputPath); err != nil {
		return errors.WithMessagef(err, "failed to save %dx%d images grid to %q", numRows, numColumns, outputPath)
	}
	return nil
}
