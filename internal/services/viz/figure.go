package viz

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/models"
)

const (
	chartWidth  = "100%"
	chartHeight = "640px"
	pageTitle   = "Overplot"
)

// valueRamp colors density and Z fields, dark to bright.
var valueRamp = []string{
	"#440154", "#482878", "#3e4989", "#31688e", "#26828e",
	"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725",
}

// renderable is anything that can write its chart HTML.
type renderable interface {
	Render(w io.Writer) error
}

// figureSeries is one series prepared for drawing: either raw points, 3D
// points, or a dense grid, depending on the chart family.
type figureSeries struct {
	Label  string
	Chart  models.ChartType
	XName  string
	YName  string
	ZName  string
	XScale models.AxisScale
	YScale models.AxisScale
	XY     []xyPoint
	XYZ    []xyzPoint
	Grid   *grid
}

// figure is the rendered chart set for one visualization document.
type figure struct {
	charts []renderable
	needGL bool
}

// buildFigure draws the prepared series. All series must agree on axis
// scales since they share one coordinate system.
func buildFigure(chartType models.ChartType, series []figureSeries) (*figure, error) {
	if len(series) == 0 {
		return nil, errors.New("no series to draw")
	}
	for _, fs := range series[1:] {
		if fs.XScale != series[0].XScale || fs.YScale != series[0].YScale {
			return nil, errors.New("all series must share the same x and y axis scales")
		}
	}

	title := ""
	if len(series) > 1 {
		title = pageTitle
	}

	switch {
	case chartType == models.ChartPolar:
		return &figure{charts: []renderable{buildPolar(title, series)}}, nil
	case chartType == models.ChartHistogram:
		return &figure{charts: []renderable{buildHistogram(title, series)}}, nil
	case chartType == models.ChartBox:
		return &figure{charts: []renderable{buildBox(title, series, false)}}, nil
	case chartType == models.ChartViolin:
		return &figure{charts: []renderable{buildBox(title, series, true)}}, nil
	case chartType == models.ChartHeatmap:
		// MAT slices arrive as ready fields; tabular heatmaps show density.
		if series[0].Grid != nil {
			return &figure{charts: []renderable{buildContour(title, series)}}, nil
		}
		return &figure{charts: []renderable{buildDensity(title, series)}}, nil
	case chartType == models.ChartContour:
		return &figure{charts: []renderable{buildContour(title, series)}}, nil
	case chartType == models.ChartScatter3D || chartType == models.ChartLine3D:
		return &figure{charts: []renderable{build3D(title, chartType, series)}, needGL: true}, nil
	case chartType == models.ChartSurface:
		return &figure{charts: []renderable{buildSurface(title, series)}, needGL: true}, nil
	default:
		return &figure{charts: []renderable{buildCartesian(title, series)}}, nil
	}
}

// buildCartesian overlays the 2D families onto one coordinate system. The
// base chart carries the global options and contributes no series of its
// own, so the drawn series order matches the document order no matter how
// families mix.
func buildCartesian(title string, series []figureSeries) renderable {
	base := charts.NewLine()
	base.SetGlobalOptions(cartesianGlobals(title, series[0], "axis")...)

	for _, fs := range series {
		switch fs.Chart {
		case models.ChartBar:
			c := charts.NewBar()
			c.AddSeries(fs.Label, barData(fs.XY))
			base.Overlap(c)
		case models.ChartScatter:
			c := charts.NewScatter()
			c.AddSeries(fs.Label, scatterData(fs.XY, 4),
				charts.WithItemStyleOpts(opts.ItemStyle{Opacity: opts.Float(0.8)}))
			base.Overlap(c)
		case models.ChartLine:
			c := charts.NewLine()
			c.AddSeries(fs.Label, lineData(fs.XY),
				charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
			base.Overlap(c)
		default: // markers plus line
			c := charts.NewLine()
			c.AddSeries(fs.Label, lineData(fs.XY),
				charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
				charts.WithItemStyleOpts(opts.ItemStyle{Color: "red"}),
				charts.WithLineStyleOpts(opts.LineStyle{Color: "#1976D2", Width: 0.5}))
			base.Overlap(c)
		}
	}
	return base
}

func cartesianGlobals(title string, fs figureSeries, trigger string) []charts.GlobalOpts {
	g := []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Theme:     "white",
			Width:     chartWidth,
			Height:    chartHeight,
			PageTitle: pageTitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: trigger}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithToolboxOpts(opts.Toolbox{
			Show: opts.Bool(true),
			Feature: &opts.ToolBoxFeature{
				Restore:     &opts.ToolBoxFeatureRestore{Show: opts.Bool(true), Title: "Reset"},
				SaveAsImage: &opts.ToolBoxFeatureSaveAsImage{Show: opts.Bool(true), Title: "Save"},
			},
		}),
		charts.WithDataZoomOpts(
			opts.DataZoom{Type: "inside", Start: 0, End: 100},
			opts.DataZoom{Type: "slider", Start: 0, End: 100},
		),
		charts.WithXAxisOpts(opts.XAxis{Name: fs.XName, Type: axisType(fs.XScale), Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: fs.YName, Type: axisType(fs.YScale), Scale: opts.Bool(true)}),
	}
	if title != "" {
		g = append(g, charts.WithTitleOpts(opts.Title{Title: title}))
	}
	return g
}

// buildPolar assembles the option by hand, theta from X and radius from Y.
func buildPolar(title string, series []figureSeries) renderable {
	entries := make([]any, 0, len(series))
	for _, fs := range series {
		data := make([]any, 0, len(fs.XY))
		for _, p := range fs.XY {
			data = append(data, []any{p.Y, p.X})
		}
		entries = append(entries, map[string]any{
			"type":             "line",
			"coordinateSystem": "polar",
			"name":             fs.Label,
			"showSymbol":       true,
			"symbolSize":       4,
			"data":             data,
		})
	}
	option := map[string]any{
		"polar":      map[string]any{},
		"angleAxis":  map[string]any{"type": "value"},
		"radiusAxis": map[string]any{},
		"legend":     map[string]any{"show": true},
		"tooltip":    map[string]any{"show": true},
		"series":     entries,
	}
	if title != "" {
		option["title"] = map[string]any{"text": title}
	}
	return &rawChart{option: option}
}

// buildHistogram bins each series' Y values and draws the counts as bars
// on a shared value axis, so differing per-series extents coexist.
func buildHistogram(title string, series []figureSeries) renderable {
	base := charts.NewLine()
	fs0 := series[0]
	fs0.XName = fs0.YName
	fs0.XScale = models.ScaleLinear
	fs0.YScale = models.ScaleLinear
	fs0.YName = "count"
	base.SetGlobalOptions(cartesianGlobals(title, fs0, "axis")...)

	for _, fs := range series {
		centers, counts := histogram(yValues(fs.XY), gridBins)
		data := make([]opts.BarData, 0, len(centers))
		for i, c := range centers {
			if counts[i] == 0 {
				continue
			}
			data = append(data, opts.BarData{Value: []any{c, counts[i]}})
		}
		c := charts.NewBar()
		c.AddSeries(fs.Label, data,
			charts.WithItemStyleOpts(opts.ItemStyle{Opacity: opts.Float(0.75)}))
		base.Overlap(c)
	}
	return base
}

// buildBox draws one box per series on a category axis. The violin variant
// overlays a mean marker the way the box+meanline rendering did.
func buildBox(title string, series []figureSeries, meanline bool) renderable {
	labels := make([]string, len(series))
	for i, fs := range series {
		labels[i] = fs.Label
	}

	bp := charts.NewBoxPlot()
	g := []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "white", Width: chartWidth, Height: chartHeight, PageTitle: pageTitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: series[0].YName, Type: "value", Scale: opts.Bool(true)}),
	}
	if title != "" {
		g = append(g, charts.WithTitleOpts(opts.Title{Title: title}))
	}
	bp.SetGlobalOptions(g...)
	bp.SetXAxis(labels)

	for i, fs := range series {
		items := make([]opts.BoxPlotData, len(series))
		for j := range items {
			items[j] = opts.BoxPlotData{Value: "-"}
		}
		items[i] = opts.BoxPlotData{Value: boxStats(yValues(fs.XY))}
		bp.AddSeries(fs.Label, items)
	}

	if meanline {
		sc := charts.NewScatter()
		for i, fs := range series {
			items := make([]opts.ScatterData, len(series))
			for j := range items {
				items[j] = opts.ScatterData{Value: "-"}
			}
			items[i] = opts.ScatterData{Value: mean(yValues(fs.XY)), Symbol: "diamond", SymbolSize: 10}
			sc.AddSeries(fs.Label+" mean", items)
		}
		bp.Overlap(sc)
	}
	return bp
}

// buildDensity draws each series as an 80x80 2D histogram of (x, y).
func buildDensity(title string, series []figureSeries) renderable {
	grids := make([]*grid, len(series))
	maxCount := 0.0
	for i, fs := range series {
		grids[i] = densityGrid(fs.XY, gridBins)
		for _, row := range grids[i].Z {
			for _, v := range row {
				if !math.IsNaN(v) && v > maxCount {
					maxCount = v
				}
			}
		}
	}
	return gridChart(title, series, grids, 0, maxCount)
}

// buildContour renders each series' Z field over the shared color ramp.
// MAT slices arrive as ready grids; sampled points are regridded.
func buildContour(title string, series []figureSeries) renderable {
	grids := make([]*grid, len(series))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, fs := range series {
		g := fs.Grid
		if g == nil {
			g = buildGrid(fs.XYZ, gridBins)
		}
		grids[i] = g
		for _, row := range g.Z {
			for _, v := range row {
				if math.IsNaN(v) {
					continue
				}
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
		}
	}
	if math.IsInf(lo, 0) {
		lo, hi = 0, 1
	}
	return gridChart(title, series, grids, lo, hi)
}

// gridChart renders dense fields as a heatmap over category bins. Axis
// labels come from the last series, matching how overlapping fields were
// titled before.
func gridChart(title string, series []figureSeries, grids []*grid, lo, hi float64) renderable {
	last := series[len(series)-1]
	ref := grids[len(grids)-1]

	hm := charts.NewHeatMap()
	g := []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "white", Width: chartWidth, Height: chartHeight, PageTitle: pageTitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: last.XName, Type: "category", Data: formatTicks(ref.X),
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: last.YName, Type: "category", Data: formatTicks(ref.Y),
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: valueRamp},
		}),
	}
	if title != "" {
		g = append(g, charts.WithTitleOpts(opts.Title{Title: title}))
	}
	hm.SetGlobalOptions(g...)

	for i, fs := range series {
		var data []opts.HeatMapData
		for yi, row := range grids[i].Z {
			for xi, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				data = append(data, opts.HeatMapData{Value: []any{xi, yi, v}})
			}
		}
		hm.AddSeries(fs.Label, data)
	}
	return hm
}

// build3D draws point clouds. Line3D sorts by X upstream so the path is
// monotone.
func build3D(title string, chartType models.ChartType, series []figureSeries) renderable {
	lo, hi := zExtent(series)
	g := grid3DGlobals(title, series[0], lo, hi)

	if chartType == models.ChartLine3D {
		c := charts.NewLine3D()
		c.SetGlobalOptions(g...)
		for _, fs := range series {
			c.AddSeries(fs.Label, chart3DData(fs.XYZ))
		}
		return c
	}
	c := charts.NewScatter3D()
	c.SetGlobalOptions(g...)
	for _, fs := range series {
		c.AddSeries(fs.Label, chart3DData(fs.XYZ))
	}
	return c
}

// buildSurface pivots each series onto a grid and fills holes by linear
// interpolation along both axes before drawing.
func buildSurface(title string, series []figureSeries) renderable {
	lo, hi := math.Inf(1), math.Inf(-1)
	grids := make([]*grid, len(series))
	for i, fs := range series {
		g := fs.Grid
		if g == nil {
			var ok bool
			if g, ok = pivotGrid(fs.XYZ); !ok {
				g = binMeanGrid(fs.XYZ, gridBins)
			}
		}
		g.fillLinear()
		grids[i] = g
		for _, row := range g.Z {
			for _, v := range row {
				if math.IsNaN(v) {
					continue
				}
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
		}
	}
	if math.IsInf(lo, 0) {
		lo, hi = 0, 1
	}

	c := charts.NewSurface3D()
	c.SetGlobalOptions(grid3DGlobals(title, series[0], lo, hi)...)
	for i, fs := range series {
		var data []opts.Chart3DData
		for yi, row := range grids[i].Z {
			for xi, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				data = append(data, opts.Chart3DData{Value: []any{grids[i].X[xi], grids[i].Y[yi], v}})
			}
		}
		c.AddSeries(fs.Label, data)
	}
	return c
}

func grid3DGlobals(title string, fs figureSeries, lo, hi float64) []charts.GlobalOpts {
	g := []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "white", Width: chartWidth, Height: chartHeight, PageTitle: pageTitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithGrid3DOpts(opts.Grid3D{BoxWidth: 100, BoxDepth: 100}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: valueRamp},
		}),
	}
	if title != "" {
		g = append(g, charts.WithTitleOpts(opts.Title{Title: title}))
	}
	return g
}

func zExtent(series []figureSeries) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, fs := range series {
		for _, p := range fs.XYZ {
			if math.IsInf(p.Z, 0) {
				continue
			}
			lo = math.Min(lo, p.Z)
			hi = math.Max(hi, p.Z)
		}
	}
	if math.IsInf(lo, 0) {
		return 0, 1
	}
	return lo, hi
}

// rawChart renders a hand-assembled echarts option for the families the
// chart library does not model directly.
type rawChart struct {
	option map[string]any
}

func (c *rawChart) Render(w io.Writer) error {
	payload, err := json.Marshal(c.option)
	if err != nil {
		return fmt.Errorf("failed to encode chart option: %w", err)
	}
	id := "chart_" + common.NewObjectID()
	_, err = fmt.Fprintf(w, `<div class="item" id="%s" style="width:%s;height:%s;"></div>
<script type="text/javascript">
    "use strict";
    let echarts_%s = echarts.init(document.getElementById('%s'), "white");
    echarts_%s.setOption(%s);
</script>
`, id, chartWidth, chartHeight, id, id, id, payload)
	return err
}

func axisType(s models.AxisScale) string {
	if s == models.ScaleLog {
		return "log"
	}
	return "value"
}

func lineData(points []xyPoint) []opts.LineData {
	out := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		if !finitePair(p.X, p.Y) {
			continue
		}
		out = append(out, opts.LineData{Value: []any{p.X, p.Y}})
	}
	return out
}

func scatterData(points []xyPoint, symbolSize int) []opts.ScatterData {
	out := make([]opts.ScatterData, 0, len(points))
	for _, p := range points {
		if !finitePair(p.X, p.Y) {
			continue
		}
		out = append(out, opts.ScatterData{Value: []any{p.X, p.Y}, SymbolSize: symbolSize})
	}
	return out
}

func barData(points []xyPoint) []opts.BarData {
	out := make([]opts.BarData, 0, len(points))
	for _, p := range points {
		if !finitePair(p.X, p.Y) {
			continue
		}
		out = append(out, opts.BarData{Value: []any{p.X, p.Y}})
	}
	return out
}

func chart3DData(points []xyzPoint) []opts.Chart3DData {
	out := make([]opts.Chart3DData, 0, len(points))
	for _, p := range points {
		if !finitePair(p.X, p.Y) || math.IsInf(p.Z, 0) || math.IsNaN(p.Z) {
			continue
		}
		out = append(out, opts.Chart3DData{Value: []any{p.X, p.Y, p.Z}})
	}
	return out
}

func finitePair(x, y float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x) && !math.IsInf(y, 0) && !math.IsNaN(y)
}

func yValues(points []xyPoint) []float64 {
	out := make([]float64, 0, len(points))
	for _, p := range points {
		if math.IsInf(p.Y, 0) || math.IsNaN(p.Y) {
			continue
		}
		out = append(out, p.Y)
	}
	return out
}

// densityGrid counts (x, y) points into a bins x bins lattice.
func densityGrid(points []xyPoint, bins int) *grid {
	pts := make([]xyzPoint, 0, len(points))
	for _, p := range points {
		if !finitePair(p.X, p.Y) {
			continue
		}
		pts = append(pts, xyzPoint{X: p.X, Y: p.Y})
	}
	if len(pts) == 0 {
		return &grid{}
	}

	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		xMin = math.Min(xMin, p.X)
		xMax = math.Max(xMax, p.X)
		yMin = math.Min(yMin, p.Y)
		yMax = math.Max(yMax, p.Y)
	}
	if xMin == xMax {
		xMax = xMin + boundsEpsilon
	}
	if yMin == yMax {
		yMax = yMin + boundsEpsilon
	}

	xEdges := linspace(xMin, xMax, bins+1)
	yEdges := linspace(yMin, yMax, bins+1)
	g := &grid{X: edgeCenters(xEdges), Y: edgeCenters(yEdges), Z: makeField(bins, bins, 0)}
	for _, p := range pts {
		c := edgeBin(xEdges, p.X)
		r := edgeBin(yEdges, p.Y)
		if c < 0 || r < 0 {
			continue
		}
		g.Z[r][c]++
	}
	return g
}

// histogram bins values over their extent and returns centers and counts.
func histogram(vals []float64, bins int) ([]float64, []float64) {
	if len(vals) == 0 {
		return nil, nil
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		hi = lo + boundsEpsilon
	}
	edges := linspace(lo, hi, bins+1)
	counts := make([]float64, bins)
	for _, v := range vals {
		if i := edgeBin(edges, v); i >= 0 {
			counts[i]++
		}
	}
	return edgeCenters(edges), counts
}

// boxStats returns [min, q1, median, q3, max] with linearly interpolated
// quantiles.
func boxStats(vals []float64) []float64 {
	if len(vals) == 0 {
		return []float64{0, 0, 0, 0, 0}
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return []float64{
		sorted[0],
		quantile(sorted, 0.25),
		quantile(sorted, 0.5),
		quantile(sorted, 0.75),
		sorted[len(sorted)-1],
	}
}

func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func formatTicks(vals []float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return out
}
