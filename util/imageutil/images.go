package imageutil

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"

	"github.com/nfnt/resize"

	"github.com/skylens-analytics/skylens/util/fileutil"
	"github.com/skylens-analytics/skylens/util/safeconv"
)

func LoadImageFromPath(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		img, err := LoadImageFromPath(path)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePreprocessor struct {
	targetWidth  int
	targetHeight int
}

// ResizeStep resizes to the exact target dimensions with bilinear resampling,
// ignoring the source aspect ratio. Satellite tiles are usually square but
// user uploads need not be.
func ResizeStep(targetWidth, targetHeight int) *ResizePreprocessor {
	return &ResizePreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() == s.targetWidth && bounds.Dy() == s.targetHeight {
		return img, nil
	}
	return resize.Resize(uint(s.targetWidth), uint(s.targetHeight), img, resize.Bilinear), nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

type RescalePreprocessor struct{}

// RescaleStep maps native 0-255 intensities to [0,1].
func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// IsGrayscale reports whether the decoded image carries a single channel.
// Single-channel sources come out of ToNHWC with the channel replicated three
// times, which is what models trained on RGB tiles expect.
func IsGrayscale(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	default:
		return false
	}
}

// ToNHWC converts an image to an (height, width, 3) float32 array, applying
// the normalization steps per pixel. For grayscale sources the single channel
// is replicated across all three output channels.
func ToNHWC(img image.Image, steps []NormalizationStep) [][][]float32 {
	hh := img.Bounds().Dy()
	ww := img.Bounds().Dx()
	minX := img.Bounds().Min.X
	minY := img.Bounds().Min.Y

	out := make([][][]float32, hh)
	for y := range hh {
		row := make([][]float32, ww)
		for x := range ww {
			r, g, b, _ := img.At(minX+x, minY+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			row[x] = []float32{rf, gf, bf}
		}
		out[y] = row
	}
	return out
}

// MaskImage binarizes a (height, width) array at the given threshold
// (strictly greater-than) into a single-channel image with values in {0, 255}.
func MaskImage(data [][]float32, threshold float32) *image.Gray {
	hh := len(data)
	ww := 0
	if hh > 0 {
		ww = len(data[0])
	}
	img := image.NewGray(image.Rect(0, 0, ww, hh))
	for y := range hh {
		for x := range ww {
			if data[y][x] > threshold {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// RenderHeightmap scales a (height, width) array of raw height values to a
// grayscale rendering, mapping the minimum to black and the maximum to white.
// A constant array renders all black.
func RenderHeightmap(data [][]float32) *image.Gray {
	hh := len(data)
	ww := 0
	if hh > 0 {
		ww = len(data[0])
	}
	img := image.NewGray(image.Rect(0, 0, ww, hh))
	if hh == 0 || ww == 0 {
		return img
	}

	minV, maxV := data[0][0], data[0][0]
	for y := range hh {
		for x := range ww {
			v := data[y][x]
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	span := maxV - minV
	if span == 0 {
		return img
	}
	for y := range hh {
		for x := range ww {
			img.Pix[y*img.Stride+x] = safeconv.Float32ToPixel((data[y][x] - minV) / span)
		}
	}
	return img
}

func EncodePNG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WritePNG(path string, img image.Image) error {
	b, err := EncodePNG(img)
	if err != nil {
		return err
	}
	writer, err := fileutil.NewFileWriter(path, "image/png")
	if err != nil {
		return err
	}
	if _, err = writer.Write(b); err != nil {
		return errors.Join(err, writer.Close())
	}
	return writer.Close()
}
