package skylens

import (
	"errors"
	"fmt"
	"slices"

	"github.com/skylens-analytics/skylens/backends"
	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines
// already created. Models are loaded once per process and shared between the
// pipelines that use them.
type Session struct {
	segmentationPipelines pipelineMap[*pipelines.SegmentationPipeline]
	heightPipelines       pipelineMap[*pipelines.HeightPipeline]
	models                map[string]*backends.Model
	options               *options.Options
	environmentDestroy    func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		segmentationPipelines: map[string]*pipelines.SegmentationPipeline{},
		heightPipelines:       map[string]*pipelines.HeightPipeline{},
		models:                map[string]*backends.Model{},
		options:               parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}

	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// SegmentationConfig is the configuration for a segmentation pipeline.
type SegmentationConfig = backends.PipelineConfig[*pipelines.SegmentationPipeline]

// SegmentationOption is an option for a segmentation pipeline.
type SegmentationOption = backends.PipelineOption[*pipelines.SegmentationPipeline]

// HeightConfig is the configuration for a height prediction pipeline.
type HeightConfig = backends.PipelineConfig[*pipelines.HeightPipeline]

// HeightOption is an option for a height prediction pipeline.
type HeightOption = backends.PipelineOption[*pipelines.HeightPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	model, ok := s.models[pipelineConfig.ModelPath]

	var err error
	var name string

	if !ok {
		model, err = backends.LoadModel(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, s.options)
		if err != nil {
			return pipeline, err
		}
		s.models[pipelineConfig.ModelPath] = model
	}

	pipeline, name, err = InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.SegmentationPipeline:
		s.segmentationPipelines[name] = typedPipeline
	case *pipelines.HeightPipeline:
		s.heightPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.SegmentationPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.SegmentationPipeline])
		pipelineInitialised, err := pipelines.NewSegmentationPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.HeightPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.HeightPipeline])
		pipelineInitialised, err := pipelines.NewHeightPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.SegmentationPipeline:
		p, ok := s.segmentationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.HeightPipeline:
		p, ok := s.heightPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.SegmentationPipeline:
		p, ok := s.segmentationPipelines[name]
		if ok {
			model := p.Model
			delete(s.segmentationPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	case *pipelines.HeightPipeline:
		p, ok := s.heightPipelines[name]
		if ok {
			model := p.Model
			delete(s.heightPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record
// for each pipeline the total runtime of the inference step, the number of batch calls, and the average time
// per batch call.
func (s *Session) GetStats() []string {
	return slices.Concat(
		s.segmentationPipelines.GetStats(),
		s.heightPipelines.GetStats(),
	)
}

// Models returns the loaded models keyed by path. The dashboard uses this to
// surface static evaluation metrics without reaching into the model cache.
func (s *Session) Models() map[string]*backends.Model {
	return s.models
}

// Destroy deletes the skylens session and the backend environment along with all initialized pipelines,
// freeing memory. A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.segmentationPipelines = nil
	s.heightPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
