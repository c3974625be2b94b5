package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus is the lifecycle state shared by ingestion and visualization jobs.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusStarted JobStatus = "started"
	StatusSuccess JobStatus = "success"
	StatusFailure JobStatus = "failure"
	// StatusStored marks non-tabular uploads kept in the object store without parsing.
	StatusStored JobStatus = "stored"
)

// DatasetType tags the dataset family an upload belongs to.
type DatasetType string

const (
	DatasetCFD    DatasetType = "cfd"
	DatasetWind   DatasetType = "wind"
	DatasetFlight DatasetType = "flight"
	DatasetOther  DatasetType = "other"
)

// HeaderMode selects the column naming strategy for tabular parses.
type HeaderMode string

const (
	HeaderFromFile HeaderMode = "file"
	HeaderNone     HeaderMode = "none"
	HeaderCustom   HeaderMode = "custom"
)

// ParseRange is a 1-based inclusive line range for whitespace TXT/DAT/C parses.
type ParseRange struct {
	StartLine int `bson:"start_line" json:"start_line"`
	EndLine   int `bson:"end_line" json:"end_line"`
}

// MatConfig selects the variable and axis layout used to materialize a MAT
// file into a value table at ingest time.
type MatConfig struct {
	Variable string         `bson:"variable" json:"variable"`
	Axes     []int          `bson:"axes,omitempty" json:"axes,omitempty"`
	Fixed    map[string]int `bson:"fixed,omitempty" json:"fixed,omitempty"` // dim index (as string key) -> fixed index
}

// DerivedSpec is one derived column definition evaluated in list order.
type DerivedSpec struct {
	Name       string `bson:"name" json:"name"`
	Expression string `bson:"expression" json:"expression"`
}

// ColumnStats holds the numeric bounds observed for one column.
type ColumnStats struct {
	Min float64 `bson:"min" json:"min"`
	Max float64 `bson:"max" json:"max"`
}

// MatMeta records how a MAT variable was flattened during ingestion.
type MatMeta struct {
	Variable string         `bson:"variable" json:"variable"`
	Axes     []int          `bson:"axes" json:"axes"`
	Fixed    map[string]int `bson:"fixed,omitempty" json:"fixed,omitempty"`
	Shape    []int          `bson:"shape" json:"shape"`
}

// IngestionMetadata groups the profiling results persisted on success. The
// MAT index is cached here the first time the slicer touches the job.
type IngestionMetadata struct {
	Stats    map[string]ColumnStats `bson:"stats,omitempty" json:"stats,omitempty"`
	Mat      *MatMeta               `bson:"mat,omitempty" json:"mat,omitempty"`
	MatIndex *MatFileIndex          `bson:"mat_index,omitempty" json:"mat_index,omitempty"`
}

// IngestionJob is the document persisted in the ingestion_jobs collection.
// The raw key never changes after creation; the processed key is set on
// success and may be rewritten by a derived-column materialization.
type IngestionJob struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ProjectID     string             `bson:"project_id" json:"project_id"`
	Owner         string             `bson:"owner,omitempty" json:"owner,omitempty"`
	Filename      string             `bson:"filename" json:"filename"`
	StorageKey    string             `bson:"storage_key" json:"storage_key"`
	ProcessedKey  string             `bson:"processed_key,omitempty" json:"processed_key,omitempty"`
	DatasetType   DatasetType        `bson:"dataset_type" json:"dataset_type"`
	TagName       string             `bson:"tag_name,omitempty" json:"tag_name,omitempty"`
	ContentType   string             `bson:"content_type,omitempty" json:"content_type,omitempty"`
	Size          int64              `bson:"size,omitempty" json:"size,omitempty"`
	HeaderMode    HeaderMode         `bson:"header_mode" json:"header_mode"`
	CustomHeaders []string           `bson:"custom_headers,omitempty" json:"custom_headers,omitempty"`
	SheetName     string             `bson:"sheet_name,omitempty" json:"sheet_name,omitempty"`
	ParseRange    *ParseRange        `bson:"parse_range,omitempty" json:"parse_range,omitempty"`
	MatConfig     *MatConfig         `bson:"mat_config,omitempty" json:"mat_config,omitempty"`
	Derived       []DerivedSpec      `bson:"derived_columns,omitempty" json:"derived_columns,omitempty"`
	Status        JobStatus          `bson:"status" json:"status"`
	Progress      int                `bson:"progress" json:"progress"`
	Message       string             `bson:"message,omitempty" json:"message,omitempty"`
	Columns       []string           `bson:"columns,omitempty" json:"columns,omitempty"`
	RowsSeen      int64              `bson:"rows_seen,omitempty" json:"rows_seen,omitempty"`
	SampleRows    []map[string]any   `bson:"sample_rows,omitempty" json:"sample_rows,omitempty"`
	Metadata      IngestionMetadata  `bson:"metadata,omitempty" json:"metadata"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// tabularExts are the extensions routed through the tabular parser. Anything
// else is stored without parsing.
var tabularExts = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xls":  true,
	".txt":  true,
	".dat":  true,
	".c":    true,
	".mat":  true,
}

// IsTabularExt reports whether a lowercased extension (with dot) is parsed
// into a columnar artifact.
func IsTabularExt(ext string) bool {
	return tabularExts[ext]
}

// IsTerminal reports whether the status will not change again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusStored
}
