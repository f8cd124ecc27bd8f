// Package imageds implements a train.Dataset over an arbitrary directory of image files.
//
// The directory is scanned recursively for images, which are resized and center-cropped to a fixed
// square size when yielded, as float32 tensors with values in the range [0, 1], channels-last.
//
// The file list order is deterministic (sorted), so a Partition with a fixed seed always yields the
// same train/validation split, no matter the process.
package imageds

import (
	"image"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ImageExtensions recognized when scanning the dataset directory.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// Dataset implements train.Dataset, and yields one image at a time.
// It pre-transforms the image to the target size.
//
// To do batching or shuffling, wrap it with datasets.InMemory -- see InMemoryDataset.
type Dataset struct {
	name  string
	size  int
	files []string

	next int
	mu   sync.Mutex
}

// New creates a Dataset that yields, one epoch at a time, every image found under dir (scanned
// recursively), resized and center-cropped to `imageSize x imageSize` pixels.
//
// Directories listed in excludeDirs are skipped entirely: a model checkpoint directory placed
// under dir writes its own sample images, which must not be mistaken for dataset examples.
//
// It fails if dir has no images.
func New(name, dir string, imageSize int, excludeDirs ...string) (*Dataset, error) {
	if imageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d for dataset %q", imageSize, name)
	}
	dir = fsutil.MustReplaceTildeInDir(dir)
	excluded := make(map[string]bool, len(excludeDirs))
	for _, excludeDir := range excludeDirs {
		excluded[filepath.Clean(fsutil.MustReplaceTildeInDir(excludeDir))] = true
	}
	var files []string
	err := filepath.WalkDir(dir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if excluded[filepath.Clean(filePath)] {
				return fs.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(filePath))
		for _, imgExt := range ImageExtensions {
			if ext == imgExt {
				files = append(files, filePath)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan images under %q", dir)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no image files (%s) found under %q", strings.Join(ImageExtensions, ", "), dir)
	}
	sort.Strings(files)
	return &Dataset{name: name, size: imageSize, files: files}, nil
}

// Partition returns a new Dataset with the fraction [from, to) of the examples, pseudo-randomly
// selected with the given seed: the same seed always selects the same examples, so disjoint
// fractions with the same seed can be used as train/validation splits.
func (ds *Dataset) Partition(seed int64, from, to float64) *Dataset {
	shuffled := make([]string, len(ds.files))
	copy(shuffled, ds.files)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	start := int(math.Round(from * float64(len(shuffled))))
	end := int(math.Round(to * float64(len(shuffled))))
	return &Dataset{name: ds.name, size: ds.size, files: shuffled[start:end]}
}

// Name implements train.Dataset interface.
func (ds *Dataset) Name() string {
	return ds.name
}

// NumExamples in the dataset (or in the current partition).
func (ds *Dataset) NumExamples() int {
	return len(ds.files)
}

// nextIndex returns the next index and increments it.
// Concurrency safe.
// Returns -1 if reached the end of the epoch.
func (ds *Dataset) nextIndex() (index int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	index = ds.next
	if ds.next < 0 {
		return
	}
	ds.next++
	if ds.next >= len(ds.files) {
		ds.next = -1 // Indicates the end of epoch.
	}
	return
}

// ReadExample reads, resizes and center-crops the image of the given index, and converts it to a
// float32 tensor shaped [size, size, 3], with values in [0, 1].
func (ds *Dataset) ReadExample(index int) (*tensors.Tensor, error) {
	if index < 0 || index >= len(ds.files) {
		return nil, errors.Errorf("example index %d out of range for dataset %q with %d examples",
			index, ds.name, len(ds.files))
	}
	img, err := imaging.Open(ds.files[index])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", ds.files[index])
	}

	// 1. Resize the smallest dimension to size, preserving ratio.
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(ds.size)
		width = ds.size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(ds.size)
		height = ds.size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = ds.size
		height = ds.size
	}
	img = imaging.Resize(img, width, height, imaging.Linear)

	// 2. Crop at center the largest dimension to size.
	if width > height {
		start := (width - ds.size) / 2
		img = imaging.Crop(img, image.Rect(start, 0, start+ds.size, ds.size))
	} else if height > width {
		start := (height - ds.size) / 2
		img = imaging.Crop(img, image.Rect(0, start, ds.size, start+ds.size))
	}

	return timages.ToTensor(dtypes.Float32).Single(img), nil
}

// Yield implements train.Dataset interface.
// It returns `ds` (the Dataset pointer) as spec.
//
// It yields one example at a time: `inputs` holds only the image, and there are no `labels`.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	index := ds.nextIndex()
	if index < 0 {
		err = io.EOF
		return
	}
	var img *tensors.Tensor
	img, err = ds.ReadExample(index)
	if err != nil {
		err = errors.WithMessagef(err, "failed to read image #%d of dataset %q", index, ds.name)
		return
	}
	inputs = []*tensors.Tensor{img}
	return
}

// Reset implements train.Dataset interface.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

// InMemoryDataset reads the fraction [from, to) of the images under dir into an
// datasets.InMemoryDataset, that can then be shuffled and batched.
//
// Directories listed in excludeDirs are not scanned -- see New.
//
// The partition with a same partitionSeed is always the same, so disjoint fractions can be used as
// train/validation splits.
func InMemoryDataset(backend backends.Backend, dir string, imageSize int, name string,
	partitionSeed int64, from, to float64, excludeDirs ...string) (*datasets.InMemoryDataset, error) {
	ds, err := New(name, dir, imageSize, excludeDirs...)
	if err != nil {
		return nil, err
	}
	return datasets.InMemory(backend, ds.Partition(partitionSeed, from, to), false)
}
