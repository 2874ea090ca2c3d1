package server

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
)

type metricValue struct {
	Name  string
	Value float64
}

func sortedMetrics(metrics map[string]float64) []metricValue {
	out := make([]metricValue, 0, len(metrics))
	for name, value := range metrics {
		out = append(out, metricValue{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const (
	chartBarWidth  = 64
	chartBarGap    = 24
	chartHeight    = 180
	chartPadBottom = 36
	chartPadTop    = 20
)

// metricsBarChart renders evaluation metrics as an inline SVG bar chart.
// Values are assumed to lie in [0, 1]; anything above is clipped to full
// height.
func metricsBarChart(metrics []metricValue) string {
	if len(metrics) == 0 {
		return ""
	}

	width := len(metrics)*(chartBarWidth+chartBarGap) + chartBarGap
	height := chartHeight + chartPadTop + chartPadBottom
	plot := float64(chartHeight)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" role="img">`,
		width, height, width, height)
	fmt.Fprintf(&b, `<line x1="0" y1="%d" x2="%d" y2="%d" stroke="#999"/>`,
		chartPadTop+chartHeight, width, chartPadTop+chartHeight)

	for i, metric := range metrics {
		v := metric.Value
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		barHeight := plot * v
		x := chartBarGap + i*(chartBarWidth+chartBarGap)
		y := float64(chartPadTop) + plot - barHeight

		fmt.Fprintf(&b, `<rect x="%d" y="%.1f" width="%d" height="%.1f" fill="#2b6cb0"/>`,
			x, y, chartBarWidth, barHeight)
		fmt.Fprintf(&b, `<text x="%d" y="%.1f" text-anchor="middle" font-size="12">%.3f</text>`,
			x+chartBarWidth/2, y-5, metric.Value)
		fmt.Fprintf(&b, `<text x="%d" y="%d" text-anchor="middle" font-size="12">%s</text>`,
			x+chartBarWidth/2, chartPadTop+chartHeight+16, template.HTMLEscapeString(metric.Name))
	}
	b.WriteString("</svg>")
	return b.String()
}
