package common

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewObjectID generates a unique object key component.
func NewObjectID() string {
	return uuid.New().String()
}

// NewCorrelationID generates a correlation id for per-job log scoping.
func NewCorrelationID() string {
	return uuid.New().String()
}

// FileStem returns the filename without its extension.
func FileStem(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// FileExt returns the lowercased extension including the dot.
func FileExt(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
