package main

import (
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/pestmap/internal/ingest"
	"github.com/hurttlocker/pestmap/internal/output"
	"github.com/hurttlocker/pestmap/internal/parse"
	"github.com/hurttlocker/pestmap/internal/store"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "enqueue <dir>",
		Short: "Add the supported papers in dir to the worklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := ingest.NewEngine().Scan(args[0], recursive)
			if err != nil {
				return err
			}
			added, err := st.EnqueueDocuments(cmd.Context(), res.Documents)
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]any{
					"scanned": res.FilesScanned,
					"found":   len(res.Documents),
					"added":   added,
					"skipped": res.FilesSkipped,
				})
			}
			a.printf("Scanned %d files: %d papers found, %d new, %d skipped\n",
				res.FilesScanned, len(res.Documents), added, res.FilesSkipped)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worklist progress and database size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			counts, err := st.WorklistCounts(ctx)
			if err != nil {
				return err
			}
			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]any{"worklist": counts, "store": stats})
			}

			total := counts.Pending + counts.Processed
			a.printf("Worklist\n")
			a.printf("========\n")
			a.printf("Papers:     %d\n", total)
			a.printf("Pending:    %d\n", counts.Pending)
			a.printf("Processed:  %d (%d relevant, %d failed)\n", counts.Processed, counts.Relevant, counts.Failed)
			a.printf("\nStore\n")
			a.printf("-----\n")
			a.printf("Records:    %d over %d runs\n", stats.RecordCount, stats.RunCount)
			a.printf("Cached:     %d locations, %d regions\n", stats.LocationCount, stats.RegionCount)
			a.printf("Database:   %s\n", humanize.Bytes(uint64(stats.DBSizeBytes)))
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worklist papers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch state {
			case "", store.StatePending, store.StateProcessed, store.StateRelevant, store.StateFailed:
			default:
				return eris.Errorf("unknown --state %q (pending, processed, relevant, failed)", state)
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			docs, err := st.ListDocuments(cmd.Context(), store.ListOpts{State: state, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				if docs == nil {
					docs = []*store.Document{}
				}
				return a.printJSON(docs)
			}
			for _, d := range docs {
				a.printf("%-10s %-40s %s\n", documentState(d), d.Name, d.Error)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&state, "state", "", "Filter: pending, processed, relevant or failed")
	f.IntVar(&limit, "limit", 0, "Maximum papers to list (0 = all)")
	f.IntVar(&offset, "offset", 0, "Papers to skip")
	return cmd
}

func documentState(d *store.Document) string {
	switch {
	case !d.Processed:
		return store.StatePending
	case d.Error != "":
		return store.StateFailed
	case d.Relevant:
		return store.StateRelevant
	}
	return store.StateProcessed
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [path...]",
		Short: "Return papers to pending; without paths, resets every failed paper",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]string, 0, len(args))
			for _, p := range args {
				abs, err := filepath.Abs(p)
				if err != nil {
					return eris.Wrapf(err, "resolving %s", p)
				}
				paths = append(paths, abs)
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.ResetDocuments(cmd.Context(), paths...)
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]int64{"reset": n})
			}
			a.printf("Reset %d papers to pending\n", n)
			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				if runs == nil {
					runs = []*store.Run{}
				}
				return a.printJSON(runs)
			}
			for _, r := range runs {
				status := "running"
				if r.FinishedAt != nil {
					status = "finished " + humanize.Time(*r.FinishedAt)
				}
				if r.Error != "" {
					status = "stopped: " + firstLine(r.Error)
				}
				a.printf("%s  %s  %3d papers  %5d records  %s  %s\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Documents, r.Records, r.Output, status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Rewrite the records of a past run to a results CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return eris.Errorf("run %s has no records", args[0])
			}
			path := out
			if path == "" {
				if path, err = output.UnusedFilename(a.cfg.Settings.Paths.Results, output.DefaultPrefix); err != nil {
					return err
				}
			}
			n, err := output.WriteFile(path, groupByDocument(recs))
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]any{"output": path, "records": n})
			}
			a.printf("Wrote %d records to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default: next unused results<N>.csv)")
	return cmd
}

// groupByDocument splits records into per-document slices in order of first
// appearance, so each document is sorted on its own when written.
func groupByDocument(recs []parse.OutbreakRecord) [][]parse.OutbreakRecord {
	var docs [][]parse.OutbreakRecord
	index := map[string]int{}
	for _, r := range recs {
		i, ok := index[r.FileName]
		if !ok {
			i = len(docs)
			index[r.FileName] = i
			docs = append(docs, nil)
		}
		docs[i] = append(docs[i], r)
	}
	return docs
}

func newVacuumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the worklist database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			before, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.Vacuum(cmd.Context()); err != nil {
				return err
			}
			after, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			a.printf("Database %s -> %s\n", humanize.Bytes(uint64(before.DBSizeBytes)), humanize.Bytes(uint64(after.DBSizeBytes)))
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
