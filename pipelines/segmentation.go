package pipelines

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/skylens-analytics/skylens/backends"
	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/util/imageutil"
	"github.com/skylens-analytics/skylens/util/safeconv"
)

// DefaultMaskThreshold is the cutoff applied to raw segmentation scores when
// neither the model config nor a pipeline option overrides it. Scores strictly
// greater than the threshold become foreground.
const DefaultMaskThreshold float32 = 0.5

// SegmentationPipeline runs a building-footprint segmentation model on
// satellite images. Images of any size and channel count are resized and
// normalized to the model's expected (1, height, width, 3) input, and the raw
// model output is binarized to a {0, 255} single-channel mask.
type SegmentationPipeline struct {
	*backends.BasePipeline
	TargetHeight       int
	TargetWidth        int
	Threshold          float32
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

// SegmentationResult is the binarized mask for one input image. Coverage is
// the fraction of foreground pixels.
type SegmentationResult struct {
	Mask     *image.Gray
	Coverage float64
}

type SegmentationOutput struct {
	Masks []SegmentationResult
}

func (o *SegmentationOutput) GetOutput() []any {
	out := make([]any, len(o.Masks))
	for i, mask := range o.Masks {
		out[i] = any(mask)
	}
	return out
}

// WithTargetSize overrides the spatial input size the images are resized to.
func WithTargetSize(height, width int) backends.PipelineOption[*SegmentationPipeline] {
	return func(p *SegmentationPipeline) error {
		if height <= 0 || width <= 0 {
			return fmt.Errorf("target size %dx%d is not valid", height, width)
		}
		p.TargetHeight = height
		p.TargetWidth = width
		return nil
	}
}

// WithMaskThreshold overrides the binarization cutoff.
func WithMaskThreshold(threshold float32) backends.PipelineOption[*SegmentationPipeline] {
	return func(p *SegmentationPipeline) error {
		p.Threshold = threshold
		return nil
	}
}

func WithPreprocessSteps(steps ...imageutil.PreprocessStep) backends.PipelineOption[*SegmentationPipeline] {
	return func(p *SegmentationPipeline) error {
		p.preprocessSteps = append(p.preprocessSteps, steps...)
		return nil
	}
}

func WithNormalizationSteps(steps ...imageutil.NormalizationStep) backends.PipelineOption[*SegmentationPipeline] {
	return func(p *SegmentationPipeline) error {
		p.normalizationSteps = append(p.normalizationSteps, steps...)
		return nil
	}
}

// NewSegmentationPipeline initializes a segmentation pipeline. Defaults come
// from the model config (image_size, mask_threshold) and can be overridden
// with pipeline options.
func NewSegmentationPipeline(config backends.PipelineConfig[*SegmentationPipeline], s *options.Options, model *backends.Model) (*SegmentationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}

	pipeline := &SegmentationPipeline{
		BasePipeline: defaultPipeline,
		TargetHeight: model.ImageSize,
		TargetWidth:  model.ImageSize,
		Threshold:    DefaultMaskThreshold,
	}
	if model.MaskThreshold != nil {
		pipeline.Threshold = *model.MaskThreshold
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

func (p *SegmentationPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *SegmentationPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *SegmentationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

func (p *SegmentationPipeline) Validate() error {
	var validationErrors []error
	for _, input := range p.Model.InputsMeta {
		dims := []int64(input.Dimensions)
		if len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, height, width, channels), got %d", input.Name, len(dims)))
		}
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		validationErrors = append(validationErrors, fmt.Errorf("mask threshold %f is outside [0,1]", p.Threshold))
	}
	return errors.Join(validationErrors...)
}

// Preprocess resizes and normalizes images and creates the input tensors.
func (p *SegmentationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	preprocessed, err := preprocessImages(inputs, p.preprocessSteps, p.normalizationSteps)
	if err != nil {
		return fmt.Errorf("failed to preprocess images: %w", err)
	}
	return backends.CreateImageTensors(batch, preprocessed, p.Runtime)
}

// Forward runs inference.
func (p *SegmentationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Postprocess collapses the raw output to 2 axes and binarizes it at the
// pipeline threshold, yielding one {0, 255} mask per batch element.
func (p *SegmentationPipeline) Postprocess(batch *backends.PipelineBatch) (*SegmentationOutput, error) {
	if len(batch.OutputValues) == 0 {
		return nil, errors.New("no output values on batch")
	}
	planes, err := squeezeOutput(batch.OutputValues[0])
	if err != nil {
		return nil, err
	}

	masks := make([]SegmentationResult, len(planes))
	for i, plane := range planes {
		mask := imageutil.MaskImage(plane, p.Threshold)
		masks[i] = SegmentationResult{
			Mask:     mask,
			Coverage: maskCoverage(mask),
		}
	}
	return &SegmentationOutput{Masks: masks}, nil
}

func maskCoverage(mask *image.Gray) float64 {
	if len(mask.Pix) == 0 {
		return 0
	}
	foreground := 0
	for _, v := range mask.Pix {
		if v > 0 {
			foreground++
		}
	}
	return float64(foreground) / float64(len(mask.Pix))
}

// Run runs the pipeline on a batch of image file paths.
func (p *SegmentationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *SegmentationPipeline) RunPipeline(inputs []string) (*SegmentationOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *SegmentationPipeline) RunWithImages(inputs []image.Image) (*SegmentationOutput, error) {
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
