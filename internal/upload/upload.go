// Package upload abstracts the file-upload collaborator. The engine only
// ever sends URLs over the push channel, never raw bytes.
package upload

import "context"

// Result describes an uploaded file as the push channel expects it.
type Result struct {
	URL  string
	Name string
	Size int64
}

// Uploader turns a local file reference into a remote URL.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (Result, error)
}
