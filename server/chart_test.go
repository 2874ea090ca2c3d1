package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedMetrics(t *testing.T) {
	metrics := sortedMetrics(map[string]float64{"iou": 0.82, "accuracy": 0.95})
	assert.Equal(t, []metricValue{
		{Name: "accuracy", Value: 0.95},
		{Name: "iou", Value: 0.82},
	}, metrics)
}

func TestMetricsBarChart(t *testing.T) {
	chart := metricsBarChart([]metricValue{
		{Name: "accuracy", Value: 0.95},
		{Name: "iou", Value: 0.82},
	})
	assert.True(t, strings.HasPrefix(chart, "<svg"))
	assert.True(t, strings.HasSuffix(chart, "</svg>"))
	assert.Equal(t, 2, strings.Count(chart, "<rect"))
	assert.Contains(t, chart, "accuracy")
	assert.Contains(t, chart, "0.820")
}

func TestMetricsBarChartEmpty(t *testing.T) {
	assert.Empty(t, metricsBarChart(nil))
}

func TestMetricsBarChartClipsOutOfRange(t *testing.T) {
	chart := metricsBarChart([]metricValue{{Name: "loss", Value: 1.7}})
	// the label keeps the raw value while the bar is clipped to full height
	assert.Contains(t, chart, "1.700")
	assert.Contains(t, chart, `height="180.0"`)
}
