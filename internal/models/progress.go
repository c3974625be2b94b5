package models

// ProgressKind names the job family a progress channel belongs to. It is the
// prefix of the Redis status hash and pub/sub channel keys.
type ProgressKind string

const (
	KindIngestion     ProgressKind = "ingestion"
	KindVisualization ProgressKind = "visualization"
)

// ProgressEvent is the payload published on every status transition and
// mirrored into the status hash. The job id travels in the channel name.
type ProgressEvent struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}
