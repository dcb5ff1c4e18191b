// Package storage abstracts file persistence behind the Store
// interface, with a local-filesystem backend for development and an
// R2/S3 backend for production.
package storage

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileInfo describes a stored file.
type FileInfo struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

// Store is the storage backend contract. Paths are forward-slash keys
// relative to the store root, e.g. "onboarding/3f2a….pdf".
type Store interface {
	Save(ctx context.Context, path string, file io.Reader, contentType string) (*FileInfo, error)
	Delete(ctx context.Context, path string) error
	URL(path string) string
}

// NewKey builds a collision-free storage key under the given prefix,
// keeping only the original file's extension: "onboarding/<uuid>.pdf".
func NewKey(prefix, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return prefix + "/" + uuid.NewString() + ext
}
