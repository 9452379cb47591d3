package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/config"
	"github.com/hurttlocker/pestmap/internal/extract"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/ingest"
	"github.com/hurttlocker/pestmap/internal/lifecycle"
	"github.com/hurttlocker/pestmap/internal/llm"
	"github.com/hurttlocker/pestmap/internal/metrics"
	"github.com/hurttlocker/pestmap/internal/parse"
)

func yearRules(s config.Settings) parse.YearRules {
	return parse.YearRules{
		MaxSpan:      s.Years.MaxSpan,
		LatestStart:  s.Years.LatestStart,
		LatestYear:   s.Years.Latest,
		EarliestYear: s.Years.Earliest,
	}
}

// buildPipeline wires the model client, prompts, tokenizer and geocoder.
func buildPipeline(cfg config.ResolvedConfig) (*extract.Pipeline, error) {
	s := cfg.Settings

	llmCfg, err := llm.ParseLLMFlag(cfg.LLM.Value)
	if err != nil {
		return nil, err
	}
	llmCfg.APIKey = cfg.APIKeyForProvider(cfg.LLM.Value).Value
	llmCfg.BaseURL = s.LLM.BaseURL
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(provider, llm.RetryConfig{
		MaxAttempts: s.LLM.MaxAttempts,
		Delay:       s.LLM.RetryDelay,
		Timeout:     s.LLM.Timeout,
	})

	prompts, err := extract.LoadPrompts(s.Paths.Prompts, extract.Pest{
		Name:         s.Pest.Name,
		Abbreviation: s.Pest.Abbreviation,
		Scope:        s.Pest.Scope,
	})
	if err != nil {
		return nil, err
	}
	if s.LLM.Temperature > 0 {
		prompts.SetTemperature(s.LLM.Temperature)
	}

	tok, err := extract.LoadTokenizer(s.LLM.Tokenizer)
	if err != nil {
		return nil, err
	}

	opts := []extract.PipelineOption{
		extract.WithChunker(extract.NewChunker(tok, s.LLM.TokenCeiling)),
		extract.WithYearRules(yearRules(s)),
	}
	if !s.Geocoder.Disabled {
		opts = append(opts, extract.WithGeocoder(geo.NewNominatim(geo.NominatimConfig{
			BaseURL:   s.Geocoder.URL,
			UserAgent: s.Geocoder.UserAgent,
			Interval:  s.Geocoder.Interval,
			Attempts:  s.Geocoder.Attempts,
		})))
	} else {
		zap.L().Warn("geocoder disabled, rows fall back to the document point")
	}

	zap.L().Info("pipeline ready",
		zap.String("llm", client.Name()),
		zap.String("pest", prompts.Pest.Name),
		zap.Int("token_ceiling", s.LLM.TokenCeiling))
	return extract.NewPipeline(client, prompts, opts...), nil
}

// serveMetrics exposes /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server", zap.Error(err))
		}
	}()
	zap.L().Info("serving metrics", zap.String("addr", addr))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		recursive bool
		workers   int
		maxFiles  int
		results   string
		overrides string
	)
	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Extract records from every pending paper, enqueuing dir first if given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.cfg.Settings
			if cmd.Flags().Changed("workers") {
				s.Run.Workers = workers
			}
			if cmd.Flags().Changed("max-files") {
				s.Run.MaxFiles = maxFiles
			}
			if results != "" {
				s.Paths.Results = results
			}
			if overrides != "" {
				s.Paths.Overrides = overrides
			}
			if s.Run.Workers < 1 {
				return eris.Errorf("--workers must be at least 1, got %d", s.Run.Workers)
			}

			ovr, err := extract.LoadOverrides(s.Paths.Overrides)
			if err != nil {
				return err
			}
			pipe, err := buildPipeline(a.cfg)
			if err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			metrics.RegisterWorklist(st)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if s.Run.MetricsAddr != "" {
				defer serveMetrics(ctx, s.Run.MetricsAddr)()
			}

			runner := lifecycle.NewRunner(st, pipe, ingest.NewEngine(), lifecycle.Options{
				Workers:    s.Run.Workers,
				MaxFiles:   s.Run.MaxFiles,
				ResultsDir: s.Paths.Results,
				Overrides:  ovr,
			})
			if len(args) == 1 {
				if _, _, err := runner.Enqueue(ctx, args[0], recursive); err != nil {
					return err
				}
			}

			report, runErr := runner.Run(ctx)
			if report != nil {
				if a.flags.jsonOut {
					if err := a.printJSON(report); err != nil {
						return err
					}
				} else {
					printReport(a, report)
				}
			}
			if runErr != nil && ctx.Err() != nil {
				// interrupted runs resume from the worklist; not a failure
				return nil
			}
			return runErr
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories of dir")
	f.IntVar(&workers, "workers", config.DefaultWorkers, "Papers processed at once")
	f.IntVar(&maxFiles, "max-files", 0, "Stop after this many papers (0 = all pending)")
	f.StringVar(&results, "results", "", "Directory for results<N>.csv")
	f.StringVar(&overrides, "overrides", "", "YAML file of per-paper study, location and point overrides")
	return cmd
}

func printReport(a *app, r *lifecycle.Report) {
	a.printf("Run %s\n", r.RunID)
	a.printf("  papers:    %d of %d processed\n", r.Processed, r.Scanned)
	a.printf("  relevant:  %d\n", r.Relevant)
	if r.Failed > 0 {
		a.printf("  failed:    %d (see `pestmap list --state failed`)\n", r.Failed)
	}
	a.printf("  records:   %d\n", r.Records)
	if r.Output != "" {
		a.printf("  written:   %s\n", r.Output)
	}
	if r.Stopped != "" {
		a.printf("  stopped:   %s; pending papers resume on the next run\n", r.Stopped)
	}
	for _, d := range r.Documents {
		switch {
		case d.Error != "":
			a.printf("    %-40s failed: %s\n", filepath.Base(d.Path), d.Error)
		case d.Relevant:
			a.printf("    %-40s %d records\n", filepath.Base(d.Path), d.Records)
		}
	}
}
