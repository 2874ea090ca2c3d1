package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/util/fileutil"
)

// DefaultImageSize is the spatial input size assumed when the model config
// does not declare one.
const DefaultImageSize = 256

type Model struct {
	ID            string
	ORTModel      *ORTModel
	GoModel       *GoModel
	Destroy       func() error
	Pipelines     map[string]Pipeline
	IDLabelMap    map[int]string
	Metrics       map[string]float64
	Path          string
	OnnxFilename  string
	OnnxPath      string
	OnnxBytes     []byte
	InputsMeta    []InputOutputInfo
	OutputsMeta   []InputOutputInfo
	ImageSize     int
	MaskThreshold *float32
}

func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		ImageSize:    DefaultImageSize,
		Pipelines:    map[string]Pipeline{},
	}

	err := GetOnnxModelPath(model)
	if err != nil {
		return nil, err
	}
	model.OnnxBytes, err = fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, err
	}
	if err = loadModelConfig(model); err != nil {
		return nil, err
	}
	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}

	model.Destroy = func() error {
		var destroyErr error
		switch options.Backend {
		case "ORT":
			destroyErr = model.ORTModel.Destroy()
			model.ORTModel = nil
		case "GO":
			model.GoModel = nil
		}
		return destroyErr
	}
	return model, nil
}

func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx files detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	return nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig reads config.json next to the .onnx file, if present. For
// segmentation and height models the relevant fields are image_size,
// mask_threshold, id2label and the static evaluation metrics recorded at
// export time.
func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	configBytes, readErr := fileutil.ReadFileBytes(configPath)
	if readErr != nil {
		return readErr
	}
	configMap := map[string]any{}
	if readErr = jsoniter.Unmarshal(configBytes, &configMap); readErr != nil {
		return readErr
	}
	if imageSizeRaw, existsOk := configMap["image_size"]; existsOk {
		if imageSize, castOk := imageSizeRaw.(float64); castOk {
			model.ImageSize = int(imageSize)
		} else {
			return fmt.Errorf("image_size is not a number")
		}
	}
	if thresholdRaw, existsOk := configMap["mask_threshold"]; existsOk {
		if threshold, castOk := thresholdRaw.(float64); castOk {
			threshold32 := float32(threshold)
			model.MaskThreshold = &threshold32
		} else {
			return fmt.Errorf("mask_threshold is not a number")
		}
	}
	if id2LabelRaw, existsOk := configMap["id2label"]; existsOk {
		if id2Label, castOk := id2LabelRaw.(map[string]any); castOk {
			id2labelCast := map[int]string{}
			for k, v := range id2Label {
				kInt, kErr := strconv.Atoi(k)
				if kErr != nil {
					return kErr
				}
				vString, vOk := v.(string)
				if !vOk {
					return fmt.Errorf("id2label value for %s is not a string", k)
				}
				id2labelCast[kInt] = vString
			}
			model.IDLabelMap = id2labelCast
		} else {
			return fmt.Errorf("id2label is not a map")
		}
	}
	if metricsRaw, existsOk := configMap["metrics"]; existsOk {
		if metrics, castOk := metricsRaw.(map[string]any); castOk {
			model.Metrics = map[string]float64{}
			for k, v := range metrics {
				if num, numOk := v.(float64); numOk {
					model.Metrics[k] = num
				} else {
					return fmt.Errorf("metric %s is not a number", k)
				}
			}
		} else {
			return errors.New("metrics is not a map")
		}
	}
	return nil
}

// ReshapeImageOutput reconstructs the flat inference output into a nested
// array following the shape the backend actually returned, preserving the
// model's output rank so downstream shape dispatch sees the true axis count.
func ReshapeImageOutput(flat []float32, shape []int) (any, error) {
	switch len(shape) {
	case 1:
		return flat, nil
	case 2:
		return flatDataTo2D(flat, shape[0], shape[1]), nil
	case 3:
		return flatDataTo3D(flat, shape[0], shape[1], shape[2]), nil
	case 4:
		return flatDataTo4D(flat, shape[0], shape[1], shape[2], shape[3]), nil
	default:
		return nil, fmt.Errorf("cannot reshape output with %d dimensions", len(shape))
	}
}

func flatDataTo2D(input []float32, d0, d1 int) [][]float32 {
	output := make([][]float32, d0)
	counter := 0
	for i := range d0 {
		row := make([]float32, d1)
		for j := range d1 {
			row[j] = input[counter]
			counter++
		}
		output[i] = row
	}
	return output
}

func flatDataTo3D(input []float32, d0, d1, d2 int) [][][]float32 {
	output := make([][][]float32, d0)
	stride := d1 * d2
	for i := range d0 {
		output[i] = flatDataTo2D(input[i*stride:(i+1)*stride], d1, d2)
	}
	return output
}

func flatDataTo4D(input []float32, d0, d1, d2, d3 int) [][][][]float32 {
	output := make([][][][]float32, d0)
	stride := d1 * d2 * d3
	for i := range d0 {
		output[i] = flatDataTo3D(input[i*stride:(i+1)*stride], d1, d2, d3)
	}
	return output
}
