package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// PlainTextImporter handles .txt and .md files.
type PlainTextImporter struct{}

// CanHandle returns true for plain text extensions.
func (t *PlainTextImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".txt" || ext == ".md"
}

// Import reads the file as-is, normalizing line endings.
func (t *PlainTextImporter) Import(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: read %s", path)
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}
