package ingest

import (
	"context"

	"github.com/rotisserie/eris"
)

// Document is a loaded paper ready for extraction.
type Document struct {
	ID   string // file name, the key for overrides and the worklist
	Path string // absolute path
	Text string
}

// Importer handles a specific file format.
type Importer interface {
	// CanHandle returns true if this importer supports the given file path.
	CanHandle(path string) bool

	// Import returns the raw text of the file.
	Import(ctx context.Context, path string) (string, error)
}

// ErrNeedsOCR is returned for files whose extracted text is too short to be
// anything but a scanned image.
var ErrNeedsOCR = eris.New("ingest: document needs OCR")

// ErrUnsupported is returned when no importer handles a file.
var ErrUnsupported = eris.New("ingest: unsupported file type")

// MinTextLength is the shortest extracted text treated as real content.
const MinTextLength = 100

// DefaultMaxFileSize is 50MB.
const DefaultMaxFileSize = 50 * 1024 * 1024

// ScanResult summarizes a directory scan.
type ScanResult struct {
	FilesScanned int
	Documents    []string // absolute paths
	FilesSkipped int
}
