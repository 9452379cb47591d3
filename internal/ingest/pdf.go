package ingest

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PDFImporter extracts the text layer of a PDF. Scanned PDFs without one come
// back nearly empty and are reported as needing OCR by the engine.
type PDFImporter struct{}

// CanHandle returns true for .pdf files.
func (p *PDFImporter) CanHandle(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".pdf"
}

// Import concatenates the plain text of every page. Pages that fail to
// decode are skipped.
func (p *PDFImporter) Import(ctx context.Context, path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open pdf %s", path)
	}
	defer file.Close()

	var text strings.Builder
	for n := 1; n <= reader.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			zap.L().Debug("pdf page skipped", zap.String("path", path), zap.Int("page", n), zap.Error(err))
			continue
		}
		text.WriteString(content)
		text.WriteString("\n")
	}
	return text.String(), nil
}
