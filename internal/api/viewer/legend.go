package viewer

import (
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// Legend is the view model of the legend fragment.
type Legend struct {
	Title         string
	Interpolation string
	Gradient      template.CSS
	Labels        []string
	GlobalAverage string
	Empty         bool
	EmptyTitle    string
	EmptyMessage  string
}

// BuildLegend derives the legend from the resolved layer. title is the
// display name of the legend variable.
func BuildLegend(layer explorer.ResolvedLayer, title string) Legend {
	lg := Legend{Title: title, Interpolation: layer.InterpolationType}

	switch {
	case layer.Status == explorer.StatusUnresolved:
		lg.Empty = true
		lg.EmptyTitle = "No layer selected"
		lg.EmptyMessage = "Pick a crop and complete the selection to show a layer."
		return lg
	case layer.Status == explorer.StatusUnavailable:
		lg.Empty = true
		lg.EmptyTitle = "No data"
		lg.EmptyMessage = "The catalog has no layer for this combination."
		return lg
	case len(layer.Style) == 0:
		lg.Empty = true
		lg.EmptyTitle = "No color ramp"
		lg.EmptyMessage = "This layer has no style."
		return lg
	}

	lg.Gradient = gradient(layer.Style, layer.InterpolationType == explorer.InterpolationDiscrete)
	if layer.LabelDisplayMode == explorer.LabelsManual {
		for _, s := range layer.Style {
			if s.Label != "" {
				lg.Labels = append(lg.Labels, s.Label)
			}
		}
	} else {
		lg.Labels = autoLabels(layer.Style, layer.LabelCount)
	}
	if layer.GlobalAverage != nil {
		lg.GlobalAverage = formatValue(*layer.GlobalAverage)
	}
	return lg
}

func gradient(stops []explorer.StyleStop, discrete bool) template.CSS {
	if len(stops) == 1 {
		return template.CSS(rgba(stops[0]))
	}
	lo, hi := stops[0].Value, stops[len(stops)-1].Value
	span := hi - lo
	pos := func(v float64) float64 {
		if span == 0 {
			return 0
		}
		return (v - lo) / span * 100
	}

	parts := make([]string, 0, 2*len(stops))
	for i, s := range stops {
		if discrete && i > 0 {
			parts = append(parts, fmt.Sprintf("%s %.2f%%", rgba(stops[i-1]), pos(s.Value)))
		}
		parts = append(parts, fmt.Sprintf("%s %.2f%%", rgba(s), pos(s.Value)))
	}
	return template.CSS("linear-gradient(to right, " + strings.Join(parts, ", ") + ")")
}

func rgba(s explorer.StyleStop) string {
	return fmt.Sprintf("rgba(%d, %d, %d, %s)", s.Red, s.Green, s.Blue, strconv.FormatFloat(s.Opacity, 'f', -1, 64))
}

// autoLabels spreads n labels evenly between the first and last stop.
func autoLabels(stops []explorer.StyleStop, n int) []string {
	lo, hi := stops[0].Value, stops[len(stops)-1].Value
	if n < 2 || lo == hi {
		return []string{formatValue(lo)}
	}
	labels := make([]string, n)
	step := (hi - lo) / float64(n-1)
	for i := range labels {
		labels[i] = formatValue(lo + step*float64(i))
	}
	return labels
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}
