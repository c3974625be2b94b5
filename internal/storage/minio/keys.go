package minio

import (
	"fmt"
	"path"

	"github.com/ternarybob/volare/internal/common"
)

// Object key layout. Raw uploads sit under the project prefix; every derived
// artifact lives beside the object it came from so deleting a job can sweep
// its whole subtree.
//
//	raw        projects/{project}/{uuid}_{filename}
//	processed  {dir(raw)}/processed/{uuid}_{stem}.parquet
//	derived    {dir(processed)}/{uuid}_{stem}__calc.parquet
//	tiles      projects/{project}/visualizations/{viz}/series_{i}/level_{L}.parquet
//	chart      projects/{project}/visualizations/{viz}.html

// RawKey builds the object key for a newly registered upload.
func RawKey(projectID, filename string) string {
	return fmt.Sprintf("projects/%s/%s_%s", projectID, common.NewObjectID(), filename)
}

// ProcessedKey derives the canonical parquet key from the raw key.
func ProcessedKey(rawKey, filename string) string {
	return fmt.Sprintf("%s/processed/%s_%s.parquet", path.Dir(rawKey), common.NewObjectID(), common.FileStem(filename))
}

// DerivedKey derives the rewritten parquet key produced by a derived-column
// materialization, placed beside the processed artifact.
func DerivedKey(processedKey, filename string) string {
	return fmt.Sprintf("%s/%s_%s__calc.parquet", path.Dir(processedKey), common.NewObjectID(), common.FileStem(filename))
}

// TileKey builds the key for one LOD tile.
func TileKey(projectID, vizID string, seriesIndex, level int) string {
	return fmt.Sprintf("projects/%s/visualizations/%s/series_%d/level_%d.parquet", projectID, vizID, seriesIndex, level)
}

// ChartKey builds the key for the rendered chart document.
func ChartKey(projectID, vizID string) string {
	return fmt.Sprintf("projects/%s/visualizations/%s.html", projectID, vizID)
}

// VizPrefix is the key prefix owning every artifact of one visualization.
func VizPrefix(projectID, vizID string) string {
	return fmt.Sprintf("projects/%s/visualizations/%s", projectID, vizID)
}
