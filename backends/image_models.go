package backends

import (
	"fmt"
)

// CreateImageTensors turns a preprocessed NHWC batch into the input tensors of
// the active runtime and stores them on the batch.
func CreateImageTensors(batch *PipelineBatch, preprocessed [][][][]float32, runtime string) error {
	switch runtime {
	case "ORT":
		return createImageTensorsORT(batch, preprocessed)
	case "GO":
		return createImageTensorsGo(batch, preprocessed)
	default:
		return fmt.Errorf("runtime %s is not supported for image tensors", runtime)
	}
}

// nhwcDims returns (batch, height, width, channels) for a preprocessed batch.
// Preprocessing guarantees rectangular data, so the first element is
// representative.
func nhwcDims(preprocessed [][][][]float32) (int, int, int, int, error) {
	b := len(preprocessed)
	if b == 0 || len(preprocessed[0]) == 0 || len(preprocessed[0][0]) == 0 {
		return 0, 0, 0, 0, fmt.Errorf("empty image batch")
	}
	h := len(preprocessed[0])
	w := len(preprocessed[0][0])
	c := len(preprocessed[0][0][0])
	return b, h, w, c, nil
}

func flattenNHWC(preprocessed [][][][]float32, b, h, w, c int) []float32 {
	flat := make([]float32, b*h*w*c)
	counter := 0
	for _, img := range preprocessed {
		for _, row := range img {
			for _, pixel := range row {
				for _, v := range pixel {
					flat[counter] = v
					counter++
				}
			}
		}
	}
	return flat
}
