//go:build ORT || ALL

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/skylens-analytics/skylens/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, s *options.Options) error {
	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	sessionOptions, optionsError := ortSessionOptions(s.ORTOptions)
	if optionsError != nil {
		return optionsError
	}

	session, sessionError := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if sessionError != nil {
		return errors.Join(sessionError, sessionOptions.Destroy())
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Destroy: func() error {
			return errors.Join(session.Destroy(), sessionOptions.Destroy())
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func ortSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if o.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.CPUMemArena != nil {
		if err = sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.MemPattern != nil {
		if err = sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.LogSeverityLevel != nil {
		if err = sessionOptions.SetLogSeverityLevel(ort.LoggingLevel(*o.LogSeverityLevel)); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr != nil {
			return nil, errors.Join(cudaErr, sessionOptions.Destroy())
		}
		if len(o.CudaOptions) > 0 {
			if cudaErr = cudaOptions.Update(o.CudaOptions); cudaErr != nil {
				return nil, errors.Join(cudaErr, sessionOptions.Destroy())
			}
		}
		if cudaErr = sessionOptions.AppendExecutionProviderCUDA(cudaOptions); cudaErr != nil {
			return nil, errors.Join(cudaErr, sessionOptions.Destroy())
		}
	}
	return sessionOptions, nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(infos []ort.InputOutputInfo) []InputOutputInfo {
	converted := make([]InputOutputInfo, len(infos))
	for i, info := range infos {
		converted[i] = InputOutputInfo{
			Name:       info.Name,
			Dimensions: Shape(info.Dimensions),
		}
	}
	return converted
}

// createImageTensorsORT creates the NHWC input tensor for the ORT session.
func createImageTensorsORT(batch *PipelineBatch, preprocessed [][][][]float32) error {
	b, h, w, c, err := nhwcDims(preprocessed)
	if err != nil {
		return err
	}
	flat := flattenNHWC(preprocessed, b, h, w, c)

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(b), int64(h), int64(w), int64(c)), flat)
	if err != nil {
		return err
	}
	batch.InputValues = []ort.Value{inputTensor}
	batch.Height = h
	batch.Width = w
	batch.DestroyInputs = func() error {
		return inputTensor.Destroy()
	}
	return nil
}

func runORTSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	session := p.Model.ORTModel
	if session == nil {
		return fmt.Errorf("ORT model backend is not initialized")
	}

	inputTensors, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return fmt.Errorf("invalid input type %T for ORT session", batch.InputValues)
	}

	// nil entries are allocated by onnxruntime based on the model's output shapes
	outputTensors := make([]ort.Value, len(p.Model.OutputsMeta))
	defer func() {
		for _, output := range outputTensors {
			if output != nil {
				_ = output.Destroy()
			}
		}
	}()

	if err := session.Session.Run(inputTensors, outputTensors); err != nil {
		return err
	}

	batch.OutputValues = make([]any, 0, len(outputTensors))
	for i, output := range outputTensors {
		outputTensor, castOk := output.(*ort.Tensor[float32])
		if !castOk {
			return fmt.Errorf("output %s is not a float32 tensor", p.Model.OutputsMeta[i].Name)
		}
		shape := outputTensor.GetShape()
		dims := make([]int, len(shape))
		for j, v := range shape {
			dims[j] = int(v)
		}
		flat := make([]float32, len(outputTensor.GetData()))
		copy(flat, outputTensor.GetData())
		reshaped, err := ReshapeImageOutput(flat, dims)
		if err != nil {
			return err
		}
		batch.OutputValues = append(batch.OutputValues, reshaped)
	}
	return nil
}
