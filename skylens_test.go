package skylens

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skylens-analytics/skylens/pipelines"
)

func TestNewGoSession(t *testing.T) {
	session, err := NewGoSession()
	assert.NoError(t, err)
	assert.Empty(t, session.GetStats())
	assert.Empty(t, session.Models())
	assert.NoError(t, session.Destroy())
}

func TestNewPipelineRequiresName(t *testing.T) {
	session, err := NewGoSession()
	assert.NoError(t, err)
	defer func(session *Session) {
		assert.NoError(t, session.Destroy())
	}(session)

	_, err = NewPipeline(session, SegmentationConfig{ModelPath: "some/model"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "name for the pipeline is required")
}

func TestGetPipelineNotFound(t *testing.T) {
	session, err := NewGoSession()
	assert.NoError(t, err)
	defer func(session *Session) {
		assert.NoError(t, session.Destroy())
	}(session)

	_, err = GetPipeline[*pipelines.SegmentationPipeline](session, "missing")
	assert.Error(t, err)
	var notFound *pipelineNotFoundError
	assert.True(t, errors.As(err, &notFound))

	_, err = GetPipeline[*pipelines.HeightPipeline](session, "missing")
	assert.Error(t, err)
	assert.True(t, errors.As(err, &notFound))
}

func TestClosePipelineUnknownName(t *testing.T) {
	session, err := NewGoSession()
	assert.NoError(t, err)
	defer func(session *Session) {
		assert.NoError(t, session.Destroy())
	}(session)

	assert.NoError(t, ClosePipeline[*pipelines.SegmentationPipeline](session, "missing"))
	assert.NoError(t, ClosePipeline[*pipelines.HeightPipeline](session, "missing"))
}
