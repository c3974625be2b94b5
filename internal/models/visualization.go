package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SourceType distinguishes tabular series charts from MAT slice charts.
type SourceType string

const (
	SourceTabular SourceType = "tabular"
	SourceMat     SourceType = "mat"
)

// ChartType enumerates the supported chart families.
type ChartType string

const (
	ChartScatter     ChartType = "scatter"
	ChartScatterLine ChartType = "scatterline"
	ChartLine        ChartType = "line"
	ChartBar         ChartType = "bar"
	ChartPolar       ChartType = "polar"
	ChartHistogram   ChartType = "histogram"
	ChartBox         ChartType = "box"
	ChartViolin      ChartType = "violin"
	ChartHeatmap     ChartType = "heatmap"
	ChartContour     ChartType = "contour"
	ChartScatter3D   ChartType = "scatter3d"
	ChartLine3D      ChartType = "line3d"
	ChartSurface     ChartType = "surface"
)

// AxisScale is the axis transform applied to X or Y.
type AxisScale string

const (
	ScaleLinear AxisScale = "linear"
	ScaleLog    AxisScale = "log"
)

// IsTiled reports whether the chart family renders from LOD tiles.
func (c ChartType) IsTiled() bool {
	switch c {
	case ChartScatter, ChartScatterLine, ChartLine, ChartBar:
		return true
	}
	return false
}

// IsCartesian2D reports membership in the 2D Cartesian subset that
// mixed-series overrides must stay within.
func (c ChartType) IsCartesian2D() bool {
	switch c {
	case ChartScatter, ChartLine, ChartBar, ChartScatterLine:
		return true
	}
	return false
}

// RequiresZ reports whether the chart family needs a Z column.
func (c ChartType) RequiresZ() bool {
	switch c {
	case ChartContour, ChartScatter3D, ChartLine3D, ChartSurface:
		return true
	}
	return false
}

// Series binds one curve to an ingestion job and its columns.
type Series struct {
	JobID     string        `bson:"job_id" json:"job_id"`
	XAxis     string        `bson:"x_axis" json:"x_axis"`
	YAxis     string        `bson:"y_axis" json:"y_axis"`
	ZAxis     string        `bson:"z_axis,omitempty" json:"z_axis,omitempty"`
	Label     string        `bson:"label,omitempty" json:"label,omitempty"`
	XScale    AxisScale     `bson:"x_scale" json:"x_scale"`
	YScale    AxisScale     `bson:"y_scale" json:"y_scale"`
	ChartType ChartType     `bson:"chart_type,omitempty" json:"chart_type,omitempty"` // per-series override
	Derived   []DerivedSpec `bson:"derived_columns,omitempty" json:"derived_columns,omitempty"`
}

// MatAxisBinding maps one chart axis onto a MAT variable dimension.
type MatAxisBinding struct {
	Dim   int    `bson:"dim" json:"dim"`
	Coord string `bson:"coord,omitempty" json:"coord,omitempty"`
}

// MatRequest selects a MAT variable slice for a mat-sourced visualization.
type MatRequest struct {
	JobID   string                    `bson:"job_id" json:"job_id"`
	Var     string                    `bson:"var" json:"var"`
	Mapping map[string]MatAxisBinding `bson:"mapping" json:"mapping"`
	Filters map[string]float64        `bson:"filters,omitempty" json:"filters,omitempty"`
}

// TileDescriptor locates one materialized LOD tile in the object store.
// URL is hydrated with a short-lived presigned GET on read paths and never
// persisted.
type TileDescriptor struct {
	SeriesIndex int     `bson:"series_index" json:"series_index"`
	Level       int     `bson:"level" json:"level"`
	Key         string  `bson:"key" json:"key"`
	Rows        int64   `bson:"rows" json:"rows"`
	XMin        float64 `bson:"x_min" json:"x_min"`
	XMax        float64 `bson:"x_max" json:"x_max"`
	URL         string  `bson:"-" json:"url,omitempty"`
}

// SeriesStats is the per-series scan summary the zoom loader classifies
// spans against.
type SeriesStats struct {
	XMin       float64 `bson:"x_min" json:"x_min"`
	XMax       float64 `bson:"x_max" json:"x_max"`
	Rows       int64   `bson:"rows" json:"rows"`
	Partitions int     `bson:"partitions" json:"partitions"`
}

// VisualizationJob is the document persisted in the visualizations collection.
type VisualizationJob struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ProjectID   string             `bson:"project_id" json:"project_id"`
	Owner       string             `bson:"owner,omitempty" json:"owner,omitempty"`
	SourceType  SourceType         `bson:"source_type" json:"source_type"`
	ChartType   ChartType          `bson:"chart_type" json:"chart_type"`
	Series      []Series           `bson:"series,omitempty" json:"series,omitempty"`
	Mat         *MatRequest        `bson:"mat,omitempty" json:"mat,omitempty"`
	Status      JobStatus          `bson:"status" json:"status"`
	Progress    int                `bson:"progress" json:"progress"`
	Message     string             `bson:"message,omitempty" json:"message,omitempty"`
	HTMLKey     string             `bson:"html_key,omitempty" json:"html_key,omitempty"`
	Tiles       []TileDescriptor   `bson:"tiles,omitempty" json:"tiles,omitempty"`
	SeriesStats []SeriesStats      `bson:"series_stats,omitempty" json:"series_stats,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at"`
}

// TilesForSeries returns the descriptors for one series sorted as persisted
// (coarsest level first).
func (v *VisualizationJob) TilesForSeries(seriesIndex int) []TileDescriptor {
	var out []TileDescriptor
	for _, t := range v.Tiles {
		if t.SeriesIndex == seriesIndex {
			out = append(out, t)
		}
	}
	return out
}
