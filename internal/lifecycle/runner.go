// Package lifecycle drives a run over the document worklist: load each pending
// document, extract its records, persist the outcome and write the results file.
package lifecycle

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/pestmap/internal/extract"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/ingest"
	"github.com/hurttlocker/pestmap/internal/llm"
	"github.com/hurttlocker/pestmap/internal/metrics"
	"github.com/hurttlocker/pestmap/internal/output"
	"github.com/hurttlocker/pestmap/internal/parse"
	"github.com/hurttlocker/pestmap/internal/store"
)

// Extractor runs the extraction stages over one document.
type Extractor interface {
	Run(ctx context.Context, doc extract.Document) (*extract.Result, error)
	Cache() *geo.Cache
}

// Loader reads documents from disk.
type Loader interface {
	Load(ctx context.Context, path string) (*ingest.Document, error)
	Scan(dir string, recursive bool) (*ingest.ScanResult, error)
}

// Options controls a run.
type Options struct {
	// Workers is the number of documents processed at once.
	Workers int
	// MaxFiles caps the documents taken from the worklist. Zero means all.
	MaxFiles int
	// ResultsDir receives results<N>.csv.
	ResultsDir string
	// Overrides are keyed by document file name.
	Overrides map[string]extract.Override
}

// DocumentReport is the outcome for one document.
type DocumentReport struct {
	Path     string `json:"path"`
	Relevant bool   `json:"relevant"`
	Records  int    `json:"records"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID     string           `json:"run_id"`
	Scanned   int              `json:"scanned"`
	Processed int              `json:"processed"`
	Relevant  int              `json:"relevant"`
	Failed    int              `json:"failed"`
	Records   int              `json:"records"`
	Output    string           `json:"output,omitempty"`
	Stopped   string           `json:"stopped,omitempty"`
	Documents []DocumentReport `json:"documents"`
}

type Runner struct {
	st     store.Store
	pipe   Extractor
	loader Loader
	opts   Options
}

func NewRunner(st store.Store, pipe Extractor, loader Loader, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Runner{st: st, pipe: pipe, loader: loader, opts: opts}
}

// Enqueue scans dir for supported documents and adds them to the worklist.
func (r *Runner) Enqueue(ctx context.Context, dir string, recursive bool) (int, *ingest.ScanResult, error) {
	res, err := r.loader.Scan(dir, recursive)
	if err != nil {
		return 0, nil, err
	}
	added, err := r.st.EnqueueDocuments(ctx, res.Documents)
	if err != nil {
		return added, res, err
	}
	zap.L().Info("documents enqueued",
		zap.String("dir", dir),
		zap.Int("found", len(res.Documents)),
		zap.Int("added", added),
		zap.Int("skipped", res.FilesSkipped))
	return added, res, nil
}

// Run processes pending documents until the worklist is empty, the context
// is cancelled or a run-level error occurs. Whatever was extracted before the
// stop is written to the results file and the store.
//
// Documents whose processing was interrupted stay pending. The returned error
// is nil after a normal finish.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	log := zap.L().With(zap.String("run", runID))
	if err := r.st.StartRun(ctx, runID); err != nil {
		return nil, err
	}

	locs, regs, err := r.st.LoadCache(ctx)
	if err != nil {
		return nil, err
	}
	r.pipe.Cache().Load(locs, regs)

	pending, err := r.st.PendingDocuments(ctx, r.opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	report := &Report{RunID: runID, Scanned: len(pending), Documents: make([]DocumentReport, len(pending))}
	results := make([][]parse.OutbreakRecord, len(pending))
	done := make([]bool, len(pending))
	log.Info("run started", zap.Int("pending", len(pending)), zap.Int("workers", r.opts.Workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, d := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			dr, recs, err := r.process(gctx, runID, d.Path)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Documents[i], results[i], done[i] = dr, recs, true
			mu.Unlock()
			return nil
		})
	}
	runErr := g.Wait()

	report.Documents = compact(report.Documents, done)
	for _, dr := range report.Documents {
		report.Processed++
		report.Records += dr.Records
		if dr.Relevant {
			report.Relevant++
		}
		if dr.Error != "" {
			report.Failed++
		}
	}
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		report.Stopped = "interrupted"
	case eris.Is(runErr, extract.ErrRelevance):
		report.Stopped = "relevance check failed"
	case llm.Fatal(runErr):
		report.Stopped = "model unavailable"
	default:
		report.Stopped = "error"
	}

	if err := r.finalize(context.WithoutCancel(ctx), report, results, runErr); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			log.Error("finalizing run", zap.Error(err))
		}
	}
	log.Info("run finished",
		zap.Int("processed", report.Processed),
		zap.Int("relevant", report.Relevant),
		zap.Int("records", report.Records),
		zap.String("output", report.Output),
		zap.String("stopped", report.Stopped))
	return report, runErr
}

// process handles one document. An error return stops the run and leaves
// the document pending. Document-level failures are recorded and return nil.
func (r *Runner) process(ctx context.Context, runID, path string) (DocumentReport, []parse.OutbreakRecord, error) {
	dr := DocumentReport{Path: path}
	log := zap.L().With(zap.String("path", path))
	if err := ctx.Err(); err != nil {
		return dr, nil, err
	}

	doc, err := r.loader.Load(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return dr, nil, ctx.Err()
		}
		log.Warn("document not loaded", zap.Error(err))
		dr.Error = err.Error()
		metrics.RecordDocument("failed")
		return dr, nil, r.st.MarkProcessed(ctx, path, store.Outcome{RunID: runID, Error: dr.Error})
	}

	res, err := r.pipe.Run(ctx, extract.Document{
		ID:       doc.ID,
		Text:     doc.Text,
		Override: r.opts.Overrides[filepath.Base(path)],
	})
	if err != nil {
		metrics.RecordDocument("aborted")
		return dr, nil, eris.Wrapf(err, "lifecycle: %s", doc.ID)
	}

	dr.Relevant = res.Relevant
	dr.Records = len(res.Records)
	if len(res.Records) > 0 {
		if err := r.st.SaveRecords(ctx, runID, res.Records); err != nil {
			return dr, nil, err
		}
	}
	if err := r.st.MarkProcessed(ctx, path, store.Outcome{RunID: runID, Relevant: res.Relevant}); err != nil {
		return dr, nil, err
	}

	outcome := "irrelevant"
	if res.Relevant {
		outcome = "relevant"
	}
	metrics.RecordDocument(outcome)
	metrics.RecordRecords(len(res.Records))
	return dr, res.Records, nil
}

// finalize writes the results file, persists the lookup caches and closes the run.
func (r *Runner) finalize(ctx context.Context, report *Report, results [][]parse.OutbreakRecord, runErr error) error {
	var docs [][]parse.OutbreakRecord
	for _, recs := range results {
		if len(recs) > 0 {
			docs = append(docs, recs)
		}
	}

	var errs []error
	if len(docs) > 0 {
		path, err := output.UnusedFilename(r.opts.ResultsDir, output.DefaultPrefix)
		if err == nil {
			_, err = output.WriteFile(path, docs)
		}
		if err != nil {
			errs = append(errs, err)
		} else {
			report.Output = path
		}
	}

	locs, regs := r.pipe.Cache().Snapshot()
	if err := r.st.SaveCache(ctx, locs, regs); err != nil {
		errs = append(errs, err)
	}

	sum := store.RunSummary{Documents: report.Processed, Records: report.Records, Output: report.Output}
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	if err := r.st.FinishRun(ctx, report.RunID, sum); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return eris.Wrapf(errs[0], "lifecycle: finalize (%d errors)", len(errs))
	}
	return nil
}

func compact(docs []DocumentReport, done []bool) []DocumentReport {
	out := docs[:0]
	for i, d := range docs {
		if done[i] {
			out = append(out, d)
		}
	}
	return out
}
