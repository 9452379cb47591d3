package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/parse"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)
	for _, table := range []string{"meta", "documents", "location_cache", "region_cache", "runs", "records"} {
		var name string
		err := ss.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	var version string
	if err := ss.db.QueryRow("SELECT value FROM meta WHERE key='schema_version'").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("schema_version = %q, want %q", version, schemaVersion)
	}
}

func TestReopenFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pestmap.db")
	ctx := context.Background()

	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.EnqueueDocuments(ctx, []string{"/papers/a.pdf"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	docs, err := s.PendingDocuments(ctx, 0)
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected the enqueued document to survive, got %v (%v)", docs, err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DocumentCount != 1 || stats.DBSizeBytes == 0 {
		t.Errorf("stats: %+v", stats)
	}
}

// --- Worklist ---

func TestEnqueueIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.EnqueueDocuments(ctx, []string{"/p/a.pdf", "/p/b.txt"})
	if err != nil || n != 2 {
		t.Fatalf("first enqueue: %d, %v", n, err)
	}
	if err := s.MarkProcessed(ctx, "/p/a.pdf", Outcome{RunID: "r1", Relevant: true}); err != nil {
		t.Fatal(err)
	}
	n, err = s.EnqueueDocuments(ctx, []string{"/p/a.pdf", "/p/c.pdf"})
	if err != nil || n != 1 {
		t.Fatalf("second enqueue: %d, %v", n, err)
	}

	d, err := s.GetDocument(ctx, "/p/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Processed || !d.Relevant || d.RunID != "r1" || d.ProcessedAt == nil {
		t.Errorf("re-enqueue should not reset state: %+v", d)
	}
	if d.Name != "a.pdf" {
		t.Errorf("name: %q", d.Name)
	}
}

func TestPendingDocumentsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var paths []string
	for i := 0; i < 5; i++ {
		paths = append(paths, fmt.Sprintf("/p/%d.pdf", i))
	}
	if _, err := s.EnqueueDocuments(ctx, paths); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(ctx, "/p/1.pdf", Outcome{}); err != nil {
		t.Fatal(err)
	}

	docs, err := s.PendingDocuments(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/p/0.pdf", "/p/2.pdf", "/p/3.pdf"}
	if len(docs) != len(want) {
		t.Fatalf("got %d documents", len(docs))
	}
	for i, d := range docs {
		if d.Path != want[i] {
			t.Errorf("doc %d: %s, want %s", i, d.Path, want[i])
		}
	}
}

func TestEnqueueBatches(t *testing.T) {
	s, err := NewStore(StoreConfig{DBPath: ":memory:", BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	n, err := s.EnqueueDocuments(context.Background(), []string{"/a", "/b", "/c", "/d", "/e"})
	if err != nil || n != 5 {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestListDocumentsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.EnqueueDocuments(ctx, []string{"/p/relevant.pdf", "/p/irrelevant.pdf", "/p/broken.pdf", "/p/todo.pdf"})
	s.MarkProcessed(ctx, "/p/relevant.pdf", Outcome{Relevant: true})
	s.MarkProcessed(ctx, "/p/irrelevant.pdf", Outcome{})
	s.MarkProcessed(ctx, "/p/broken.pdf", Outcome{Error: "needs OCR"})

	tests := []struct {
		state string
		want  int
	}{
		{"", 4},
		{StatePending, 1},
		{StateProcessed, 3},
		{StateRelevant, 1},
		{StateFailed, 1},
	}
	for _, tt := range tests {
		docs, err := s.ListDocuments(ctx, ListOpts{State: tt.state})
		if err != nil {
			t.Fatalf("state %q: %v", tt.state, err)
		}
		if len(docs) != tt.want {
			t.Errorf("state %q: got %d, want %d", tt.state, len(docs), tt.want)
		}
	}
	if _, err := s.ListDocuments(ctx, ListOpts{State: "bogus"}); err == nil {
		t.Error("expected error for unknown state")
	}

	counts, err := s.WorklistCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 1 || counts.Processed != 3 || counts.Relevant != 1 || counts.Failed != 1 {
		t.Errorf("counts: %+v", counts)
	}
}

func TestWorklistCountsEmpty(t *testing.T) {
	counts, err := newTestStore(t).WorklistCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Processed != 0 {
		t.Errorf("counts: %+v", counts)
	}
}

func TestMarkProcessedUnknownDocument(t *testing.T) {
	err := newTestStore(t).MarkProcessed(context.Background(), "/missing.pdf", Outcome{})
	if !eris.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestResetDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.EnqueueDocuments(ctx, []string{"/p/a.pdf", "/p/b.pdf", "/p/c.pdf"})
	s.MarkProcessed(ctx, "/p/a.pdf", Outcome{Error: "corrupt"})
	s.MarkProcessed(ctx, "/p/b.pdf", Outcome{Relevant: true})
	s.MarkProcessed(ctx, "/p/c.pdf", Outcome{})

	n, err := s.ResetDocuments(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset failed documents: %d, %v", n, err)
	}
	n, err = s.ResetDocuments(ctx, "/p/b.pdf", "/p/c.pdf")
	if err != nil || n != 2 {
		t.Fatalf("reset by path: %d, %v", n, err)
	}
	docs, _ := s.PendingDocuments(ctx, 0)
	if len(docs) != 3 {
		t.Errorf("expected all documents pending, got %d", len(docs))
	}
	if docs[0].Error != "" || docs[0].ProcessedAt != nil {
		t.Errorf("reset document kept state: %+v", docs[0])
	}
}

// --- Records and runs ---

func TestRecordsRoundTrip(t *testing.T) {
	s, err := NewStore(StoreConfig{DBPath: ":memory:", BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.StartRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	var recs []parse.OutbreakRecord
	for y := 1976; y <= 1980; y++ {
		recs = append(recs, parse.OutbreakRecord{
			Area: "chicoutimi, quebec, canada", Latitude: 48.43, Longitude: -71.07,
			Year: y, Status: parse.StatusUncertain, FileName: "a.pdf", StudyID: "Krause 1997", Source: "pheromone traps",
		})
	}
	if err := s.SaveRecords(ctx, "run-1", recs); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	got, err := s.Records(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records", len(got))
	}
	for i := range recs {
		if got[i] != recs[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], recs[i])
		}
	}
	if other, _ := s.Records(ctx, "run-2"); len(other) != 0 {
		t.Error("records leaked across runs")
	}
}

func TestConcurrentSaveRecordsFileDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pestmap.db")
	s, err := NewStore(StoreConfig{DBPath: path, BatchSize: 250})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.StartRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}

	const writers, perWriter = 8, 2000
	files := make([]string, writers)
	for w := range files {
		files[w] = fmt.Sprintf("/papers/paper-%d.pdf", w)
	}
	if _, err := s.EnqueueDocuments(ctx, files); err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for _, file := range files {
		g.Go(func() error {
			recs := make([]parse.OutbreakRecord, perWriter)
			for i := range recs {
				recs[i] = parse.OutbreakRecord{Area: "saguenay", Year: 1900 + i%100, Status: parse.StatusYes, FileName: file}
			}
			if err := s.SaveRecords(ctx, "run-1", recs); err != nil {
				return err
			}
			return s.MarkProcessed(ctx, file, Outcome{RunID: "run-1", Relevant: true})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent writers: %v", err)
	}

	got, err := s.Records(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != writers*perWriter {
		t.Errorf("got %d records, want %d", len(got), writers*perWriter)
	}
}

func TestSaveRecordsRequiresRun(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRecords(context.Background(), "missing", []parse.OutbreakRecord{{Area: "x", Year: 1990}})
	if err == nil {
		t.Fatal("expected foreign key error for an unknown run")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.StartRun(ctx, "a")
	s.StartRun(ctx, "b")
	if err := s.FinishRun(ctx, "a", RunSummary{Documents: 3, Records: 40, Output: "results1.csv"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "nope", RunSummary{}); err == nil {
		t.Error("expected error for an unknown run")
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	for _, r := range runs {
		switch r.ID {
		case "a":
			if r.FinishedAt == nil || r.Records != 40 || r.Output != "results1.csv" {
				t.Errorf("run a: %+v", r)
			}
		case "b":
			if r.FinishedAt != nil {
				t.Errorf("run b should still be open: %+v", r)
			}
		}
	}
}

// --- Caches ---

func TestCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := geo.NewCache()
	c.SetLocation("quebec", "Chicoutimi", coords.Point{Lat: 48.43, Lon: -71.07})
	c.SetLocation("", "saguenay, quebec, canada", coords.Point{Lat: 48.4, Lon: -71.1})
	c.SetRegion(coords.Point{Lat: 48.43, Lon: -71.07}, "quebec")
	locs, regs := c.Snapshot()
	if err := s.SaveCache(ctx, locs, regs); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	// upsert keeps one row per key
	c.SetLocation("quebec", "chicoutimi", coords.Point{Lat: 48.5, Lon: -71.0})
	locs, regs = c.Snapshot()
	if err := s.SaveCache(ctx, locs, regs); err != nil {
		t.Fatal(err)
	}

	locs, regs, err := s.LoadCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || len(regs) != 1 {
		t.Fatalf("got %d locations, %d regions", len(locs), len(regs))
	}

	loaded := geo.NewCache()
	loaded.Load(locs, regs)
	if p, ok := loaded.Location("QUEBEC", "chicoutimi"); !ok || p.Lat != 48.5 {
		t.Errorf("location after reload: %v %v", p, ok)
	}
	if r, ok := loaded.Region(coords.Point{Lat: 48.43, Lon: -71.07}); !ok || r != "quebec" {
		t.Errorf("region after reload: %q %v", r, ok)
	}
	if _, ok := loaded.Location("ontario", "chicoutimi"); ok {
		t.Error("location leaked across regions")
	}
}
