package viz

import (
	"html/template"
	"math"

	"github.com/ternarybob/volare/internal/models"
)

// The injected script and classifySpan share these knobs. The raw switch
// fires once the expected point count for the visible span fits the
// budget; above it the visible fraction of the extent picks a tile level.
const (
	rawPointBudget  = 2_000_000
	zoomCoarseRatio = 0.40
	zoomMidRatio    = 0.12
	zoomDebounceMS  = 250
)

// loaderSeries names the row keys the zoom endpoints return for a series.
type loaderSeries struct {
	XAxis string `json:"x_axis"`
	YAxis string `json:"y_axis"`
}

type loaderConfig struct {
	VizID       string               `json:"vizId"`
	Levels      []int                `json:"levels"`
	SeriesMeta  []loaderSeries       `json:"seriesMeta"`
	SeriesStats []models.SeriesStats `json:"seriesStats"`
}

type loaderData struct {
	Config      loaderConfig
	APIBase     string
	RawBudget   int
	DebounceMS  int
	CoarseRatio float64
	MidRatio    float64
}

// buildLoader renders the zoom script fragment for tiled charts.
func buildLoader(vizID, apiBase string, levels []int, meta []loaderSeries, stats []models.SeriesStats) (template.HTML, error) {
	return renderTemplate("loader.html", loaderData{
		Config: loaderConfig{
			VizID:       vizID,
			Levels:      levels,
			SeriesMeta:  meta,
			SeriesStats: stats,
		},
		APIBase:     apiBase,
		RawBudget:   rawPointBudget,
		DebounceMS:  zoomDebounceMS,
		CoarseRatio: zoomCoarseRatio,
		MidRatio:    zoomMidRatio,
	})
}

// spanMode is the loader's classification of one zoom gesture.
type spanMode struct {
	Raw   bool
	Level int
}

// classifySpan mirrors chooseMode in the injected script. Unusable extents
// or spans fall back to the middle level.
func classifySpan(stat models.SeriesStats, xMin, xMax float64, levels []int) spanMode {
	pick := func(i int) int {
		if len(levels) == 0 {
			return 0
		}
		if i >= len(levels) {
			i = len(levels) - 1
		}
		return levels[i]
	}

	total := math.Abs(stat.XMax - stat.XMin)
	span := math.Abs(xMax - xMin)
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 ||
		math.IsNaN(span) || math.IsInf(span, 0) || span <= 0 {
		return spanMode{Level: pick(1)}
	}

	ratio := span / total
	expected := math.Inf(1)
	if stat.Rows > 0 {
		expected = float64(stat.Rows) * ratio
	}
	if expected <= float64(rawPointBudget) {
		return spanMode{Raw: true}
	}
	if ratio > zoomCoarseRatio {
		return spanMode{Level: pick(0)}
	}
	if ratio > zoomMidRatio {
		return spanMode{Level: pick(1)}
	}
	return spanMode{Level: pick(2)}
}
