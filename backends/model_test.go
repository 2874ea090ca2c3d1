package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReshapeImageOutputRanks(t *testing.T) {
	flat := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

	out, err := ReshapeImageOutput(flat, []int{12})
	assert.NoError(t, err)
	assert.Equal(t, flat, out)

	out, err = ReshapeImageOutput(flat, []int{3, 4})
	assert.NoError(t, err)
	plane, ok := out.([][]float32)
	assert.True(t, ok)
	assert.Equal(t, [][]float32{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}, plane)

	out, err = ReshapeImageOutput(flat, []int{2, 3, 2})
	assert.NoError(t, err)
	cube, ok := out.([][][]float32)
	assert.True(t, ok)
	assert.Equal(t, [][][]float32{
		{{0, 1}, {2, 3}, {4, 5}},
		{{6, 7}, {8, 9}, {10, 11}},
	}, cube)

	out, err = ReshapeImageOutput(flat, []int{1, 2, 3, 2})
	assert.NoError(t, err)
	batch, ok := out.([][][][]float32)
	assert.True(t, ok)
	assert.Len(t, batch, 1)
	assert.Equal(t, [][][]float32{
		{{0, 1}, {2, 3}, {4, 5}},
		{{6, 7}, {8, 9}, {10, 11}},
	}, batch[0])
}

func TestReshapeImageOutputInvalidRank(t *testing.T) {
	_, err := ReshapeImageOutput([]float32{0}, []int{1, 1, 1, 1, 1})
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	shape := NewShape(1, 256, 256, 3)
	assert.Equal(t, "[1 256 256 3]", shape.String())
	assert.Equal(t, []int{1, 256, 256, 3}, shape.ValuesInt())
}

func TestNewBatch(t *testing.T) {
	batch := NewBatch(4)
	assert.Equal(t, 4, batch.Size)
	assert.NoError(t, batch.Destroy())
}

func TestGetNames(t *testing.T) {
	info := []InputOutputInfo{
		{Name: "input", Dimensions: NewShape(1, 4, 4, 3)},
		{Name: "other"},
	}
	assert.Equal(t, []string{"input", "other"}, GetNames(info))
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	config := `{
		"image_size": 128,
		"mask_threshold": 0.4,
		"id2label": {"0": "background", "1": "building"},
		"metrics": {"iou": 0.82, "accuracy": 0.95}
	}`
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))

	model := &Model{Path: dir, ImageSize: DefaultImageSize}
	assert.NoError(t, loadModelConfig(model))
	assert.Equal(t, 128, model.ImageSize)
	if assert.NotNil(t, model.MaskThreshold) {
		assert.InDelta(t, 0.4, float64(*model.MaskThreshold), 1e-6)
	}
	assert.Equal(t, map[int]string{0: "background", 1: "building"}, model.IDLabelMap)
	assert.Equal(t, map[string]float64{"iou": 0.82, "accuracy": 0.95}, model.Metrics)
}

func TestLoadModelConfigMissing(t *testing.T) {
	model := &Model{Path: t.TempDir(), ImageSize: DefaultImageSize}
	assert.NoError(t, loadModelConfig(model))
	assert.Equal(t, DefaultImageSize, model.ImageSize)
	assert.Nil(t, model.MaskThreshold)
}

func TestLoadModelConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"image_size": "big"}`), 0o644))

	model := &Model{Path: dir}
	assert.Error(t, loadModelConfig(model))
}

func TestGetOnnxModelPath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("stub"), 0o644))

	model := &Model{Path: dir}
	assert.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "model.onnx"), model.OnnxPath)
}

func TestGetOnnxModelPathMissing(t *testing.T) {
	model := &Model{Path: t.TempDir()}
	assert.Error(t, GetOnnxModelPath(model))
}

func TestGetOnnxModelPathMultiple(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "a.onnx"), []byte("stub"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "b.onnx"), []byte("stub"), 0o644))

	model := &Model{Path: dir}
	assert.Error(t, GetOnnxModelPath(model))

	model.OnnxFilename = "b.onnx"
	assert.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "b.onnx"), model.OnnxPath)
}
