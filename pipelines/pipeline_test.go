package pipelines

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skylens-analytics/skylens/util/imageutil"
)

func TestSqueezeOutputFourAxes(t *testing.T) {
	output := [][][][]float32{
		{
			{{0.1, 0.9}, {0.2, 0.8}},
			{{0.3, 0.7}, {0.4, 0.6}},
		},
		{
			{{0.5, 0.1}, {0.6, 0.2}},
			{{0.7, 0.3}, {0.8, 0.4}},
		},
	}
	planes, err := squeezeOutput(output)
	assert.NoError(t, err)
	assert.Len(t, planes, 2)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, planes[0])
	assert.Equal(t, [][]float32{{0.5, 0.6}, {0.7, 0.8}}, planes[1])
}

func TestSqueezeOutputThreeAxes(t *testing.T) {
	output := [][][]float32{
		{{0.1, 0.9}, {0.2, 0.8}},
		{{0.3, 0.7}, {0.4, 0.6}},
	}
	planes, err := squeezeOutput(output)
	assert.NoError(t, err)
	assert.Len(t, planes, 1)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, planes[0])
}

func TestSqueezeOutputTwoAxes(t *testing.T) {
	output := [][]float32{{0.1, 0.2}, {0.3, 0.4}}
	planes, err := squeezeOutput(output)
	assert.NoError(t, err)
	assert.Len(t, planes, 1)
	assert.Equal(t, output, planes[0])
}

func TestSqueezeOutputInvalidAxisCount(t *testing.T) {
	var shapeErr *InvalidShapeError

	_, err := squeezeOutput([]float32{0.1, 0.2})
	assert.Error(t, err)
	assert.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 1, shapeErr.Axes)

	_, err = squeezeOutput([][][][][]float32{})
	assert.Error(t, err)
	assert.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 5, shapeErr.Axes)
}

func TestSqueezeOutputUnsupportedType(t *testing.T) {
	_, err := squeezeOutput([]int{1, 2, 3})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestPreprocessImagesShape(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 3; x++ {
			img.Pix[y*img.Stride+x*4] = 200
			img.Pix[y*img.Stride+x*4+3] = 255
		}
	}

	batch, err := preprocessImages(
		[]image.Image{img},
		[]imageutil.PreprocessStep{imageutil.ResizeStep(4, 4)},
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	assert.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Len(t, batch[0], 4)
	assert.Len(t, batch[0][0], 4)
	assert.Len(t, batch[0][0][0], 3)

	for _, row := range batch[0] {
		for _, pixel := range row {
			for _, channel := range pixel {
				assert.GreaterOrEqual(t, channel, float32(0))
				assert.LessOrEqual(t, channel, float32(1))
			}
		}
	}
}

func TestPreprocessImagesGrayscaleReplication(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix = []uint8{10, 60, 120, 250}

	batch, err := preprocessImages(
		[]image.Image{img},
		nil,
		[]imageutil.NormalizationStep{imageutil.RescaleStep()},
	)
	assert.NoError(t, err)
	assert.Len(t, batch, 1)
	for _, row := range batch[0] {
		for _, pixel := range row {
			assert.Len(t, pixel, 3)
			assert.Equal(t, pixel[0], pixel[1])
			assert.Equal(t, pixel[1], pixel[2])
		}
	}
	assert.InDelta(t, 10.0/255.0, batch[0][0][0][0], 1e-6)
	assert.InDelta(t, 250.0/255.0, batch[0][1][1][0], 1e-6)
}
