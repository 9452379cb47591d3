package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCleanupText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"spruce \tbudworm", "spruce budworm"},
		{"line one \nline two", "line one line two"},
		{"the budworm 's range", "the budworm's range"},
		{"1976-   1991", "1976-1991"},
		{"1976- 1991", "1976-1991"},
		{"two  spaces", "two spaces"},
		{"1976 –1991", "1976-1991"},
		{"Lac Saint-Jean", "Lac Saint-Jean"},
	}
	for _, tt := range tests {
		if got := CleanupText(tt.in); got != tt.want {
			t.Errorf("CleanupText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTrimToReferences(t *testing.T) {
	text := "Abstract. References to earlier work.\nResults.\nREFERENCES\nSmith 1950."
	got := TrimToReferences(text)
	if !strings.HasSuffix(got, "REFERENCES") {
		t.Errorf("expected cut after the last heading, got %q", got)
	}
	if strings.Contains(got, "Smith") {
		t.Errorf("reference list should be dropped: %q", got)
	}
	if TrimToReferences("no bibliography") != "no bibliography" {
		t.Error("text without references should be unchanged")
	}
	if got := TrimToReferences("Québec références? no. References: x"); got != "Québec références? no. References" {
		t.Errorf("non-ASCII prefix: got %q", got)
	}
}

func TestEngineLoadText(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("An outbreak occurred in Chicoutimi, Quebec, Canada from 1976 to 1991. ", 3)
	path := writeFile(t, dir, "paper.txt", body+"\r\nReferences\r\nSmith, 1950.")

	doc, err := NewEngine().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.ID != "paper.txt" {
		t.Errorf("ID: got %q", doc.ID)
	}
	if !filepath.IsAbs(doc.Path) {
		t.Errorf("Path should be absolute: %q", doc.Path)
	}
	if strings.Contains(doc.Text, "Smith") || !strings.HasSuffix(doc.Text, "References") {
		t.Errorf("text not trimmed: %q", doc.Text)
	}
	if strings.Contains(doc.Text, "\r") {
		t.Error("line endings not normalized")
	}
}

func TestEngineLoadNeedsOCR(t *testing.T) {
	path := writeFile(t, t.TempDir(), "scan.txt", "  page 1  ")
	if _, err := NewEngine().Load(context.Background(), path); !eris.Is(err, ErrNeedsOCR) {
		t.Fatalf("expected ErrNeedsOCR, got %v", err)
	}
}

func TestEngineLoadUnsupported(t *testing.T) {
	path := writeFile(t, t.TempDir(), "table.xlsx", "x")
	if _, err := NewEngine().Load(context.Background(), path); !eris.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestEngineLoadBrokenPDF(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.pdf", "not a pdf at all")
	if _, err := NewEngine().Load(context.Background(), path); err == nil {
		t.Fatal("expected error for a corrupt pdf")
	}
}

func TestEngineScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.pdf", "x")
	writeFile(t, dir, "a.txt", "x")
	writeFile(t, dir, "notes.docx", "x")
	writeFile(t, dir, ".hidden.txt", "x")
	writeFile(t, dir, "sub/c.txt", "x")

	e := NewEngine()
	res, err := e.Scan(dir, false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %v", res.Documents)
	}
	if filepath.Base(res.Documents[0]) != "a.txt" || filepath.Base(res.Documents[1]) != "b.pdf" {
		t.Errorf("unexpected order: %v", res.Documents)
	}
	if res.FilesSkipped != 2 {
		t.Errorf("skipped: got %d", res.FilesSkipped)
	}

	res, err = e.Scan(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 3 {
		t.Errorf("recursive scan: got %v", res.Documents)
	}
}
