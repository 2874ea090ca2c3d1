package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoModel wraps the pure Go onnx runtime. It needs no shared library and no
// explicit teardown.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	session, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}

	inputs, outputs := loadInputOutputMetaGo(session)
	model.GoModel = &GoModel{Model: session}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

// createImageTensorsGo creates the NHWC input tensor for the gonnx session.
func createImageTensorsGo(batch *PipelineBatch, preprocessed [][][][]float32) error {
	b, h, w, c, err := nhwcDims(preprocessed)
	if err != nil {
		return err
	}
	flat := flattenNHWC(preprocessed, b, h, w, c)

	inputMap := map[string]tensor.Tensor{}
	inputMap["input"] = tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(b, h, w, c),
		tensor.WithBacking(flat),
	)
	batch.InputValues = inputMap
	batch.Height = h
	batch.Width = w
	return nil
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	session := p.Model.GoModel
	if session == nil {
		return fmt.Errorf("go model backend is not initialized")
	}

	inputMap, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return fmt.Errorf("invalid input type %T for go session", batch.InputValues)
	}
	// gonnx expects tensors keyed by the model's declared input names.
	if len(p.Model.InputsMeta) > 0 {
		if _, found := inputMap[p.Model.InputsMeta[0].Name]; !found {
			renamed := map[string]tensor.Tensor{}
			renamed[p.Model.InputsMeta[0].Name] = inputMap["input"]
			inputMap = renamed
		}
	}

	outputs, err := session.Model.Run(inputMap)
	if err != nil {
		return err
	}

	batch.OutputValues = make([]any, 0, len(p.Model.OutputsMeta))
	for _, outputMeta := range p.Model.OutputsMeta {
		outputTensor, found := outputs[outputMeta.Name]
		if !found {
			return fmt.Errorf("output %s missing from session results", outputMeta.Name)
		}
		flat, castOk := outputTensor.Data().([]float32)
		if !castOk {
			return fmt.Errorf("output %s is not a float32 tensor", outputMeta.Name)
		}
		reshaped, reshapeErr := ReshapeImageOutput(flat, outputTensor.Shape())
		if reshapeErr != nil {
			return reshapeErr
		}
		batch.OutputValues = append(batch.OutputValues, reshaped)
	}
	return nil
}
