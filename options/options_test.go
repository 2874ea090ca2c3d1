package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	opts := Defaults()
	assert.NotNil(t, opts.ORTOptions)
	assert.NotNil(t, opts.ORTOptions.LibraryPath)
	assert.NotNil(t, opts.ORTOptions.LibraryDir)
	assert.NoError(t, opts.Destroy())
}

func TestOptionsRequireORTBackend(t *testing.T) {
	opts := Defaults()
	opts.Backend = "GO"

	assert.Error(t, WithTelemetry()(opts))
	assert.Error(t, WithIntraOpNumThreads(4)(opts))
	assert.Error(t, WithInterOpNumThreads(4)(opts))
	assert.Error(t, WithCPUMemArena(true)(opts))
	assert.Error(t, WithMemPattern(true)(opts))
	assert.Error(t, WithCuda(map[string]string{"device_id": "0"})(opts))
	assert.Error(t, WithLogSeverityLevel(LoggingLevelWarning)(opts))
	assert.Error(t, WithGraphOptimizationLevel(GraphOptimizationLevelEnableAll)(opts))
	assert.Error(t, WithOnnxLibraryPath("/nonexistent")(opts))
}

func TestOptionsApplyOnORTBackend(t *testing.T) {
	opts := Defaults()
	opts.Backend = "ORT"

	assert.NoError(t, WithTelemetry()(opts))
	assert.True(t, *opts.ORTOptions.Telemetry)

	assert.NoError(t, WithIntraOpNumThreads(4)(opts))
	assert.Equal(t, 4, *opts.ORTOptions.IntraOpNumThreads)

	assert.NoError(t, WithInterOpNumThreads(2)(opts))
	assert.Equal(t, 2, *opts.ORTOptions.InterOpNumThreads)

	assert.NoError(t, WithCPUMemArena(false)(opts))
	assert.False(t, *opts.ORTOptions.CPUMemArena)

	assert.NoError(t, WithMemPattern(false)(opts))
	assert.False(t, *opts.ORTOptions.MemPattern)

	assert.NoError(t, WithLogSeverityLevel(LoggingLevelError)(opts))
	assert.Equal(t, LoggingLevelError, *opts.ORTOptions.LogSeverityLevel)

	assert.NoError(t, WithGraphOptimizationLevel(GraphOptimizationLevelEnableBasic)(opts))
	assert.Equal(t, GraphOptimizationLevelEnableBasic, *opts.ORTOptions.GraphOptimizationLevel)

	assert.NoError(t, WithCuda(map[string]string{"device_id": "0"})(opts))
	assert.Equal(t, "0", opts.ORTOptions.CudaOptions["device_id"])
}

func TestWithOnnxLibraryPathValidation(t *testing.T) {
	opts := Defaults()
	opts.Backend = "ORT"

	// missing directory
	assert.Error(t, WithOnnxLibraryPath("/nonexistent")(opts))

	// directory without the shared library file
	assert.Error(t, WithOnnxLibraryPath(t.TempDir())(opts))
}
