package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/extract"
	"github.com/hurttlocker/pestmap/internal/mcp"
	"github.com/hurttlocker/pestmap/internal/parse"
)

func newCoordsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "coords <text>",
		Short: `Convert "lat, lon" or "lat1-lat2, lon1-lon2" to decimal degrees`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			p, class, err := coords.Parse(text)
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]any{"input": text, "bounding_box": class == coords.BoundingBox, "point": p})
			}
			a.printf("%s\n", p)
			return nil
		},
	}
}

func newYearsCmd(a *app) *cobra.Command {
	var publishYear int
	cmd := &cobra.Command{
		Use:   "years <expr>",
		Short: "Expand a year field the way extracted rows are expanded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			years, err := parse.ExpandYears(expr, publishYear, yearRules(a.cfg.Settings))
			if err != nil {
				return err
			}
			if a.flags.jsonOut {
				return a.printJSON(years)
			}
			parts := make([]string, len(years))
			for i, y := range years {
				parts[i] = strconv.Itoa(y)
			}
			a.printf("%s\n", strings.Join(parts, " "))
			return nil
		},
	}
	cmd.Flags().IntVar(&publishYear, "publish-year", 0, "Publication year that closes open ranges")
	return cmd
}

func newLineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "line <text>",
		Short: "Repair and split one line of model output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parse.ParseLine(strings.Join(args, " "))
			if err != nil {
				return err
			}
			if _, ok := parse.ParseStatus(raw.Status); !ok {
				return eris.Errorf("invalid status %q", raw.Status)
			}
			if a.flags.jsonOut {
				return a.printJSON(map[string]string{"location": raw.Location, "year": raw.Year, "status": raw.Status})
			}
			a.printf("location: %s\nyear:     %s\nstatus:   %s\n", raw.Location, raw.Year, raw.Status)
			return nil
		},
	}
}

func newMCPCmd(a *app) *cobra.Command {
	var withExtract bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the worklist and parsers over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := mcp.ServerConfig{Store: st, Version: version, Rules: yearRules(a.cfg.Settings)}
			if withExtract {
				pipe, err := buildPipeline(a.cfg)
				if err != nil {
					return err
				}
				cfg.Extractor = pipe
			}
			zap.L().Info("mcp server starting", zap.Bool("extract", withExtract))
			return mcp.ServeStdio(mcp.NewServer(cfg))
		},
	}
	cmd.Flags().BoolVar(&withExtract, "extract", false, "Also expose the extraction pipeline (needs model credentials)")
	return cmd
}

var _ mcp.Extractor = (*extract.Pipeline)(nil)
