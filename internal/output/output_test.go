package output

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hurttlocker/pestmap/internal/parse"
)

func rec(area string, year int, status parse.Status) parse.OutbreakRecord {
	return parse.OutbreakRecord{
		Area: area, Latitude: 48.4279, Longitude: -71.0686, Year: year, Status: status,
		FileName: "a.pdf", StudyID: "Krause 1997", Source: "pheromone traps | aerial defoliation survey",
	}
}

func TestWriterSortsPerDocument(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	doc1 := []parse.OutbreakRecord{
		rec("saguenay", 1977, parse.StatusYes),
		rec("chicoutimi", 1980, parse.StatusNo),
		rec("saguenay", 1976, parse.StatusUncertain),
		rec("chicoutimi", 1979, parse.StatusYes),
	}
	doc2 := []parse.OutbreakRecord{rec("alma", 1990, parse.StatusYes)}
	if err := w.WriteDocument(doc1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDocument(doc2); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(rows[0], ",") != "area,Latitude,Longitude,Year,Outbreak,File Name,Study,Source" {
		t.Errorf("header: %v", rows[0])
	}
	want := [][2]string{
		{"chicoutimi", "1979"}, {"chicoutimi", "1980"}, {"saguenay", "1976"}, {"saguenay", "1977"},
		// documents are not merged before sorting
		{"alma", "1990"},
	}
	if len(rows) != len(want)+1 {
		t.Fatalf("got %d rows", len(rows))
	}
	for i, w := range want {
		if rows[i+1][0] != w[0] || rows[i+1][3] != w[1] {
			t.Errorf("row %d: %v, want %v", i+1, rows[i+1], w)
		}
	}
	if got := rows[3]; got[4] != "2" || got[1] != "48.4279" || got[2] != "-71.0686" {
		t.Errorf("row formatting: %v", got)
	}
	if w.Rows() != 5 {
		t.Errorf("Rows: %d", w.Rows())
	}
	if doc1[0].Area != "saguenay" {
		t.Error("WriteDocument should not reorder the caller's slice")
	}
}

func TestWriterQuotesFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteDocument([]parse.OutbreakRecord{rec("chicoutimi, quebec, canada", 1976, parse.StatusYes)})
	w.Flush()
	if !strings.Contains(buf.String(), `"chicoutimi, quebec, canada",48.4279`) {
		t.Errorf("area not quoted: %s", buf.String())
	}
}

func TestWriteFileAndUnusedFilename(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")

	first, err := UnusedFilename(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "results1.csv" {
		t.Fatalf("first name: %s", first)
	}
	n, err := WriteFile(first, [][]parse.OutbreakRecord{{rec("alma", 1990, parse.StatusYes)}})
	if err != nil || n != 1 {
		t.Fatalf("WriteFile: %d, %v", n, err)
	}
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("expected header and one row, got %q", data)
	}

	second, err := UnusedFilename(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "results2.csv" {
		t.Errorf("second name: %s", second)
	}
}
