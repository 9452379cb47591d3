// Package output writes outbreak records as the CSV table consumed by mapping tools.
package output

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/pestmap/internal/parse"
)

// Header is the first row of every results file.
var Header = []string{"area", "Latitude", "Longitude", "Year", "Outbreak", "File Name", "Study", "Source"}

// DefaultPrefix names results files results1.csv, results2.csv and so on.
const DefaultPrefix = "results"

// SortDocument orders one document's records by area, then year. Records with
// equal keys keep their relative order.
func SortDocument(recs []parse.OutbreakRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Area != recs[j].Area {
			return recs[i].Area < recs[j].Area
		}
		return recs[i].Year < recs[j].Year
	})
}

// Writer streams records to CSV. The header is written before the first row.
type Writer struct {
	csv         *csv.Writer
	wroteHeader bool
	rows        int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{csv: csv.NewWriter(w)}
}

// WriteDocument sorts and writes the records of one document.
func (w *Writer) WriteDocument(recs []parse.OutbreakRecord) error {
	if !w.wroteHeader {
		if err := w.csv.Write(Header); err != nil {
			return eris.Wrap(err, "output: writing header")
		}
		w.wroteHeader = true
	}
	sorted := append([]parse.OutbreakRecord(nil), recs...)
	SortDocument(sorted)
	for _, r := range sorted {
		if err := w.csv.Write(row(r)); err != nil {
			return eris.Wrap(err, "output: writing row")
		}
		w.rows++
	}
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (w *Writer) Flush() error {
	w.csv.Flush()
	return eris.Wrap(w.csv.Error(), "output: flush")
}

// Rows returns the number of records written so far.
func (w *Writer) Rows() int {
	return w.rows
}

func row(r parse.OutbreakRecord) []string {
	return []string{
		r.Area,
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.Itoa(r.Year),
		strconv.Itoa(r.Status.Code()),
		r.FileName,
		r.StudyID,
		r.Source,
	}
}

// WriteFile writes docs, one slice of records per document in processing
// order, to path. Returns the number of rows written.
func WriteFile(path string, docs [][]parse.OutbreakRecord) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "output: creating results directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "output: creating results file")
	}

	w := NewWriter(f)
	for _, recs := range docs {
		if err := w.WriteDocument(recs); err != nil {
			f.Close()
			return w.Rows(), err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return w.Rows(), err
	}
	return w.Rows(), eris.Wrap(f.Close(), "output: closing results file")
}

// UnusedFilename returns the first dir/<prefix>N.csv, counting from 1, that
// does not exist yet.
func UnusedFilename(dir, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for i := 1; ; i++ {
		path := filepath.Join(dir, prefix+strconv.Itoa(i)+".csv")
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", eris.Wrapf(err, "output: checking %s", path)
		}
	}
}
