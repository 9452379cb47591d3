// Command pestmap extracts insect outbreak records from research papers.
//
// Papers are enqueued into a SQLite worklist, then each run sends pending
// papers through the extraction pipeline and writes results<N>.csv.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/config"
	"github.com/hurttlocker/pestmap/internal/logging"
	"github.com/hurttlocker/pestmap/internal/store"
)

var version = "0.1.0-dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	envFile    string
	dbPath     string
	llm        string
	pest       string
	logLevel   string
	jsonOut    bool
}

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	flags   globalFlags
	cfg     config.ResolvedConfig
	cleanup func()
	out     io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:          "pestmap",
		Short:        "Extract insect outbreak records from research papers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ResolveConfig(config.ResolveOptions{
				ConfigPath: a.flags.configPath,
				EnvFile:    a.flags.envFile,
				CLILLM:     a.flags.llm,
				CLIDBPath:  a.flags.dbPath,
				CLIPest:    a.flags.pest,
			})
			if err != nil {
				return err
			}
			if a.flags.logLevel != "" {
				cfg.Settings.Log.Level = a.flags.logLevel
			}
			_, cleanup, err := logging.Setup(cfg.Settings.Log.Level, cfg.Settings.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.cleanup = cfg, cleanup
			zap.L().Debug("config resolved",
				zap.String("config", cfg.ConfigPath),
				zap.String("db", cfg.DBPath.Value),
				zap.String("db_source", string(cfg.DBPath.Source)),
				zap.String("llm", cfg.LLM.Value),
				zap.String("llm_source", string(cfg.LLM.Source)))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.cleanup != nil {
				a.cleanup()
			}
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "Path to config file (default ~/.pestmap/config.yaml)")
	pf.StringVar(&a.flags.envFile, "env-file", config.DefaultEnvFile, "Path to a .env file")
	pf.StringVar(&a.flags.dbPath, "db", "", "Path to the worklist database")
	pf.StringVar(&a.flags.llm, "llm", "", "Model as provider/model, e.g. openai/gpt-4o-mini")
	pf.StringVar(&a.flags.pest, "pest", "", "Pest name to extract outbreaks of")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&a.flags.jsonOut, "json", false, "Print machine-readable JSON")

	root.AddCommand(
		newRunCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newResetCmd(a),
		newRunsCmd(a),
		newExportCmd(a),
		newVacuumCmd(a),
		newCoordsCmd(a),
		newYearsCmd(a),
		newLineCmd(a),
		newMCPCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) openStore() (store.Store, error) {
	return store.NewStore(store.StoreConfig{DBPath: a.cfg.DBPath.Value})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.printf("pestmap %s\n", version)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := a.cfg.APIKeyForProvider(a.cfg.LLM.Value)
			if a.flags.jsonOut {
				return a.printJSON(map[string]any{
					"config":  a.cfg,
					"api_key": map[string]any{"set": key.Value != "", "source": key.Source, "from": key.From},
				})
			}
			a.printf("config:   %s\n", a.cfg.ConfigPath)
			a.printf("db:       %s (%s)\n", a.cfg.DBPath.Value, a.cfg.DBPath.Source)
			a.printf("llm:      %s (%s)\n", a.cfg.LLM.Value, a.cfg.LLM.Source)
			if key.Value != "" {
				a.printf("api key:  set (%s %s)\n", key.Source, key.From)
			} else {
				a.printf("api key:  not set\n")
			}
			pest := a.cfg.Pest.Value
			if pest == "" {
				pest = "from prompts file"
			}
			a.printf("pest:     %s\n", pest)
			s := a.cfg.Settings
			a.printf("results:  %s\n", s.Paths.Results)
			a.printf("workers:  %d\n", s.Run.Workers)
			if s.Geocoder.Disabled {
				a.printf("geocoder: disabled\n")
			}
			return nil
		},
	}
}
