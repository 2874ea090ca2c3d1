//go:build !ORT && !ALL

package backends

import (
	"errors"

	"github.com/skylens-analytics/skylens/options"
)

type ORTModel struct {
	Destroy func() error
}

var errORTDisabled = errors.New("the ORT backend is not enabled, run `go build -tags ORT` or `go build -tags ALL`")

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errORTDisabled
}

func createImageTensorsORT(_ *PipelineBatch, _ [][][][]float32) error {
	return errORTDisabled
}

func runORTSessionOnBatch(_ *PipelineBatch, _ *BasePipeline) error {
	return errORTDisabled
}
