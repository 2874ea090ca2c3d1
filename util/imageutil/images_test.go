package imageutil

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResizeStep(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	resized, err := ResizeStep(4, 4).Apply(img)
	assert.NoError(t, err)
	assert.Equal(t, 4, resized.Bounds().Dx())
	assert.Equal(t, 4, resized.Bounds().Dy())
}

func TestResizeStepPassthrough(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	resized, err := ResizeStep(4, 4).Apply(img)
	assert.NoError(t, err)
	assert.Same(t, img, resized.(*image.RGBA))
}

func TestRescaleStep(t *testing.T) {
	r, g, b := RescaleStep().Apply(255, 0, 128)
	assert.Equal(t, float32(1), r)
	assert.Equal(t, float32(0), g)
	assert.InDelta(t, 128.0/255.0, float64(b), 1e-6)
}

func TestPixelNormalizationStep(t *testing.T) {
	step := PixelNormalizationStep([3]float32{100, 100, 100}, [3]float32{50, 50, 50})
	r, g, b := step.Apply(100, 150, 50)
	assert.Equal(t, float32(0), r)
	assert.Equal(t, float32(1), g)
	assert.Equal(t, float32(-1), b)
}

func TestIsGrayscale(t *testing.T) {
	assert.True(t, IsGrayscale(image.NewGray(image.Rect(0, 0, 1, 1))))
	assert.True(t, IsGrayscale(image.NewGray16(image.Rect(0, 0, 1, 1))))
	assert.False(t, IsGrayscale(image.NewRGBA(image.Rect(0, 0, 1, 1))))
}

func TestToNHWCGrayReplication(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.Pix = []uint8{10, 200}

	out := ToNHWC(img, nil)
	assert.Len(t, out, 1)
	assert.Len(t, out[0], 2)
	assert.Equal(t, []float32{10, 10, 10}, out[0][0])
	assert.Equal(t, []float32{200, 200, 200}, out[0][1])
}

func TestToNHWCRescaled(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Pix = []uint8{255, 128, 0, 255}

	out := ToNHWC(img, []NormalizationStep{RescaleStep()})
	assert.Equal(t, float32(1), out[0][0][0])
	assert.InDelta(t, 128.0/255.0, float64(out[0][0][1]), 1e-6)
	assert.Equal(t, float32(0), out[0][0][2])
}

func TestMaskImageThresholdIsStrict(t *testing.T) {
	data := [][]float32{
		{0.5, 0.51},
		{0.0, 1.0},
	}
	mask := MaskImage(data, 0.5)
	assert.Equal(t, []uint8{0, 255, 0, 255}, mask.Pix)
}

func TestMaskImageIdempotent(t *testing.T) {
	data := [][]float32{
		{0, 255},
		{255, 0},
	}
	mask := MaskImage(data, 0.5)
	assert.Equal(t, []uint8{0, 255, 255, 0}, mask.Pix)
}

func TestRenderHeightmap(t *testing.T) {
	data := [][]float32{
		{0, 1},
		{2, 4},
	}
	rendering := RenderHeightmap(data)
	assert.Equal(t, uint8(0), rendering.Pix[0])
	assert.Equal(t, uint8(63), rendering.Pix[1])
	assert.Equal(t, uint8(127), rendering.Pix[2])
	assert.Equal(t, uint8(255), rendering.Pix[3])
}

func TestRenderHeightmapConstant(t *testing.T) {
	data := [][]float32{
		{3, 3},
		{3, 3},
	}
	rendering := RenderHeightmap(data)
	assert.Equal(t, []uint8{0, 0, 0, 0}, rendering.Pix)
}

func TestRenderHeightmapEmpty(t *testing.T) {
	rendering := RenderHeightmap(nil)
	assert.Equal(t, 0, rendering.Bounds().Dx())
}

func TestEncodePNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix = []uint8{0, 255, 255, 0}

	b, err := EncodePNG(img)
	assert.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(b))
	assert.NoError(t, err)
	assert.Equal(t, 2, decoded.Bounds().Dx())
	gray, ok := decoded.(*image.Gray)
	assert.True(t, ok)
	assert.Equal(t, img.Pix, gray.Pix)
}

func TestWritePNGAndLoad(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix = []uint8{10, 20, 30, 40}

	path := t.TempDir() + "/mask.png"
	assert.NoError(t, WritePNG(path, img))

	loaded, err := LoadImageFromPath(path)
	assert.NoError(t, err)
	assert.Equal(t, 2, loaded.Bounds().Dx())
	gray, ok := loaded.(*image.Gray)
	assert.True(t, ok)
	assert.Equal(t, img.Pix, gray.Pix)
}
