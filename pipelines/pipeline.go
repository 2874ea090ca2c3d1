package pipelines

import (
	"fmt"
	"image"

	"github.com/skylens-analytics/skylens/util/imageutil"
)

// InvalidShapeError is returned when a model output cannot be interpreted as
// an image: its axis count is not 2, 3 or 4.
type InvalidShapeError struct {
	Axes int
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("unexpected output shape: %d axes (want 2, 3 or 4)", e.Axes)
}

// squeezeOutput collapses a model output to a batch of 2-axis (height, width)
// arrays:
//   - 4 axes (batch, height, width, channels): one array per batch element,
//     keeping the first channel
//   - 3 axes (height, width, channels): a single array, keeping the first
//     channel
//   - 2 axes (height, width): passed through unchanged
//
// Any other axis count fails with InvalidShapeError.
func squeezeOutput(output any) ([][][]float32, error) {
	switch v := output.(type) {
	case [][][][]float32:
		planes := make([][][]float32, len(v))
		for i, item := range v {
			planes[i] = dropChannelAxis(item)
		}
		return planes, nil
	case [][][]float32:
		return [][][]float32{dropChannelAxis(v)}, nil
	case [][]float32:
		return [][][]float32{v}, nil
	case []float32:
		return nil, &InvalidShapeError{Axes: 1}
	case [][][][][]float32:
		return nil, &InvalidShapeError{Axes: 5}
	default:
		return nil, fmt.Errorf("output type %T is not supported", output)
	}
}

func dropChannelAxis(plane [][][]float32) [][]float32 {
	out := make([][]float32, len(plane))
	for y, row := range plane {
		outRow := make([]float32, len(row))
		for x, pixel := range row {
			if len(pixel) > 0 {
				outRow[x] = pixel[0]
			}
		}
		out[y] = outRow
	}
	return out
}

// preprocessImages applies the preprocessing chain to every image and
// converts the results to an NHWC float32 batch. The output shape is
// (len(images), height, width, 3) with single-channel sources replicated to
// three channels.
func preprocessImages(images []image.Image, preprocessSteps []imageutil.PreprocessStep, normalizationSteps []imageutil.NormalizationStep) ([][][][]float32, error) {
	nhwc := make([][][][]float32, len(images))
	for i, img := range images {
		processed := img
		for _, step := range preprocessSteps {
			var err error
			processed, err = step.Apply(processed)
			if err != nil {
				return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
			}
		}
		nhwc[i] = imageutil.ToNHWC(processed, normalizationSteps)
	}
	return nhwc, nil
}
