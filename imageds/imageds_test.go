package imageds

import (
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// createTestImages writes numImages constant-color images of different sizes and formats to dir.
func createTestImages(t *testing.T, dir string, numImages int) {
	sizes := [][2]int{{20, 30}, {30, 20}, {16, 16}, {64, 48}, {33, 77}}
	names := []string{"a.png", "b.jpg", "c.png", "d.png", "e.jpeg"}
	require.LessOrEqual(t, numImages, len(names))
	for ii := 0; ii < numImages; ii++ {
		size := sizes[ii%len(sizes)]
		img := imaging.New(size[0], size[1], color.NRGBA{R: uint8(40 * ii), G: 128, B: 255 - uint8(40*ii), A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, names[ii])))
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 5)
	ds, err := New("test", dir, 16)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 5, ds.NumExamples())

	// Errors: no images found, and an invalid image size.
	_, err = New("empty", t.TempDir(), 16)
	require.Error(t, err)
	_, err = New("test", dir, 0)
	require.Error(t, err)
}

func TestNewExcludesDirs(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 5)

	// A model directory under the dataset dir: its images (e.g. sample grids generated during
	// training) must not be picked up as dataset examples.
	modelDir := filepath.Join(dir, "model")
	require.NoError(t, os.MkdirAll(filepath.Join(modelDir, "backups"), 0777))
	img := imaging.New(8, 8, color.NRGBA{R: 255, A: 255})
	require.NoError(t, imaging.Save(img, filepath.Join(modelDir, "generated_samples_0000100.png")))
	require.NoError(t, imaging.Save(img, filepath.Join(modelDir, "backups", "generated_samples_0000050.png")))

	// Without exclusion the scan is fully recursive.
	ds, err := New("test", dir, 16)
	require.NoError(t, err)
	assert.Equal(t, 7, ds.NumExamples())

	ds, err = New("test", dir, 16, modelDir)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.NumExamples())
	for _, file := range ds.files {
		assert.NotContains(t, file, "model")
	}
}

func TestReadExample(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 5)
	const imageSize = 16
	ds, err := New("test", dir, imageSize)
	require.NoError(t, err)

	for index := 0; index < ds.NumExamples(); index++ {
		img, err := ds.ReadExample(index)
		require.NoError(t, err)
		require.NoError(t, img.Shape().CheckDims(imageSize, imageSize, 3))
		assert.Equal(t, dtypes.Float32, img.Shape().DType)

		// Values scaled to [0.0, 1.0].
		flat := img.Value().([][][]float32)
		for _, row := range flat {
			for _, pixel := range row {
				for _, channel := range pixel {
					assert.GreaterOrEqual(t, channel, float32(0))
					assert.LessOrEqual(t, channel, float32(1))
				}
			}
		}
	}
}

func TestYieldAndReset(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 3)
	const imageSize = 8
	ds, err := New("test", dir, imageSize)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		for ii := 0; ii < ds.NumExamples(); ii++ {
			spec, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			assert.Same(t, ds, spec)
			require.Len(t, inputs, 1)
			assert.Empty(t, labels)
			require.NoError(t, inputs[0].Shape().CheckDims(imageSize, imageSize, 3))
		}
		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}

func TestPartition(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 5)
	ds, err := New("test", dir, 16)
	require.NoError(t, err)

	const seed = int64(42)
	train := ds.Partition(seed, 0.4, 1.0)
	validation := ds.Partition(seed, 0.0, 0.4)
	assert.Equal(t, 3, train.NumExamples())
	assert.Equal(t, 2, validation.NumExamples())
	assert.Equal(t, ds.NumExamples(), train.NumExamples()+validation.NumExamples())

	// Same seed yields the same partition; the two ranges are disjoint and cover all files.
	seen := make(map[string]bool)
	for _, part := range []*Dataset{train, validation, ds.Partition(seed, 0.4, 1.0)} {
		for _, file := range part.files {
			seen[file] = true
		}
	}
	assert.Len(t, seen, ds.NumExamples())
	assert.ElementsMatch(t, train.files, ds.Partition(seed, 0.4, 1.0).files)
}

func TestInMemoryDataset(t *testing.T) {
	dir := t.TempDir()
	createTestImages(t, dir, 4)
	backend := graphtest.BuildTestBackend()
	const imageSize = 8
	mds, err := InMemoryDataset(backend, dir, imageSize, "test", 42, 0.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 4, mds.NumExamples())

	batched := mds.Copy().BatchSize(2, true)
	_, inputs, _, err := batched.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.NoError(t, inputs[0].Shape().CheckDims(2, imageSize, imageSize, 3))
}
