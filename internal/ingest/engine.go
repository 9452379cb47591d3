package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Engine loads documents with the first importer that handles them.
type Engine struct {
	importers   []Importer
	maxFileSize int64
}

// NewEngine creates an engine with the plain text and PDF importers.
func NewEngine() *Engine {
	return &Engine{
		importers:   []Importer{&PDFImporter{}, &PlainTextImporter{}},
		maxFileSize: DefaultMaxFileSize,
	}
}

func (e *Engine) importerFor(path string) Importer {
	for _, imp := range e.importers {
		if imp.CanHandle(path) {
			return imp
		}
	}
	return nil
}

// Supported reports whether some importer handles path.
func (e *Engine) Supported(path string) bool {
	return e.importerFor(path) != nil
}

// Load reads, trims and cleans one document. Returns ErrNeedsOCR when the
// file has less than MinTextLength characters of text.
func (e *Engine) Load(ctx context.Context, path string) (*Document, error) {
	imp := e.importerFor(path)
	if imp == nil {
		return nil, eris.Wrapf(ErrUnsupported, "%s", path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: resolve %s", path)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: stat %s", path)
	}
	if info.Size() > e.maxFileSize {
		return nil, eris.Errorf("ingest: %s is %d bytes, limit is %d", path, info.Size(), e.maxFileSize)
	}

	raw, err := imp.Import(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if len([]rune(strings.TrimSpace(raw))) < MinTextLength {
		return nil, eris.Wrapf(ErrNeedsOCR, "%s", path)
	}

	text := CleanupText(TrimToReferences(raw))
	zap.L().Debug("document loaded",
		zap.String("path", absPath),
		zap.Int("raw_chars", len(raw)),
		zap.Int("chars", len(text)))
	return &Document{ID: filepath.Base(absPath), Path: absPath, Text: text}, nil
}

// Scan lists the supported files under dir, sorted by path.
func (e *Engine) Scan(dir string, recursive bool) (*ScanResult, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: resolve %s", dir)
	}
	res := &ScanResult{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		res.FilesScanned++
		if strings.HasPrefix(d.Name(), ".") || !e.Supported(path) {
			res.FilesSkipped++
			return nil
		}
		res.Documents = append(res.Documents, path)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: scan %s", dir)
	}
	sort.Strings(res.Documents)
	return res, nil
}
