package pipelines

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/skylens-analytics/skylens/backends"
	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/util/imageutil"
	"github.com/skylens-analytics/skylens/util/safeconv"
)

// HeightPipeline runs a height-regression model on satellite images. The
// preprocessing contract is the same as for segmentation; the raw per-pixel
// heights are min-max scaled to a grayscale rendering for display, with the
// raw summary statistics reported alongside.
type HeightPipeline struct {
	*backends.BasePipeline
	TargetHeight       int
	TargetWidth        int
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

// HeightResult is the height prediction for one input image.
type HeightResult struct {
	Rendering *image.Gray
	Min       float32
	Max       float32
	Mean      float32
}

type HeightOutput struct {
	Heights []HeightResult
}

func (o *HeightOutput) GetOutput() []any {
	out := make([]any, len(o.Heights))
	for i, height := range o.Heights {
		out[i] = any(height)
	}
	return out
}

// WithHeightTargetSize overrides the spatial input size the images are resized to.
func WithHeightTargetSize(height, width int) backends.PipelineOption[*HeightPipeline] {
	return func(p *HeightPipeline) error {
		if height <= 0 || width <= 0 {
			return fmt.Errorf("target size %dx%d is not valid", height, width)
		}
		p.TargetHeight = height
		p.TargetWidth = width
		return nil
	}
}

func WithHeightPreprocessSteps(steps ...imageutil.PreprocessStep) backends.PipelineOption[*HeightPipeline] {
	return func(p *HeightPipeline) error {
		p.preprocessSteps = append(p.preprocessSteps, steps...)
		return nil
	}
}

func WithHeightNormalizationSteps(steps ...imageutil.NormalizationStep) backends.PipelineOption[*HeightPipeline] {
	return func(p *HeightPipeline) error {
		p.normalizationSteps = append(p.normalizationSteps, steps...)
		return nil
	}
}

// NewHeightPipeline initializes a height prediction pipeline.
func NewHeightPipeline(config backends.PipelineConfig[*HeightPipeline], s *options.Options, model *backends.Model) (*HeightPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}

	pipeline := &HeightPipeline{
		BasePipeline: defaultPipeline,
		TargetHeight: model.ImageSize,
		TargetWidth:  model.ImageSize,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}

	if len(pipeline.preprocessSteps) == 0 {
		pipeline.preprocessSteps = []imageutil.PreprocessStep{
			imageutil.ResizeStep(pipeline.TargetWidth, pipeline.TargetHeight),
		}
	}
	if len(pipeline.normalizationSteps) == 0 {
		pipeline.normalizationSteps = []imageutil.NormalizationStep{
			imageutil.RescaleStep(),
		}
	}

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *HeightPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *HeightPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *HeightPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

func (p *HeightPipeline) Validate() error {
	var validationErrors []error
	for _, input := range p.Model.InputsMeta {
		dims := []int64(input.Dimensions)
		if len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, height, width, channels), got %d", input.Name, len(dims)))
		}
	}
	return errors.Join(validationErrors...)
}

// Preprocess resizes and normalizes images and creates the input tensors.
func (p *HeightPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	preprocessed, err := preprocessImages(inputs, p.preprocessSteps, p.normalizationSteps)
	if err != nil {
		return fmt.Errorf("failed to preprocess images: %w", err)
	}
	return backends.CreateImageTensors(batch, preprocessed, p.Runtime)
}

// Forward runs inference.
func (p *HeightPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Postprocess collapses the raw output to 2 axes and renders each height map
// to grayscale, reporting raw min/max/mean.
func (p *HeightPipeline) Postprocess(batch *backends.PipelineBatch) (*HeightOutput, error) {
	if len(batch.OutputValues) == 0 {
		return nil, errors.New("no output values on batch")
	}
	planes, err := squeezeOutput(batch.OutputValues[0])
	if err != nil {
		return nil, err
	}

	heights := make([]HeightResult, len(planes))
	for i, plane := range planes {
		heights[i] = summarizeHeights(plane)
	}
	return &HeightOutput{Heights: heights}, nil
}

func summarizeHeights(plane [][]float32) HeightResult {
	result := HeightResult{Rendering: imageutil.RenderHeightmap(plane)}
	count := 0
	var sum float64
	for y, row := range plane {
		for x, v := range row {
			if y == 0 && x == 0 {
				result.Min, result.Max = v, v
			}
			if v < result.Min {
				result.Min = v
			}
			if v > result.Max {
				result.Max = v
			}
			sum += float64(v)
			count++
		}
	}
	if count > 0 {
		result.Mean = float32(sum / float64(count))
	}
	return result
}

// Run runs the pipeline on a batch of image file paths.
func (p *HeightPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *HeightPipeline) RunPipeline(inputs []string) (*HeightOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *HeightPipeline) RunWithImages(inputs []image.Image) (*HeightOutput, error) {
	var runErrors []error
	batch := backends.NewBatch(len(inputs))
	defer func(*backends.PipelineBatch) {
		runErrors = append(runErrors, batch.Destroy())
	}(batch)

	runErrors = append(runErrors, p.Preprocess(batch, inputs))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	runErrors = append(runErrors, p.Forward(batch))
	if e := errors.Join(runErrors...); e != nil {
		return nil, e
	}

	result, postErr := p.Postprocess(batch)
	runErrors = append(runErrors, postErr)
	return result, errors.Join(runErrors...)
}
