// Package mcp provides a Model Context Protocol server for pestmap.
//
// It exposes the worklist, run history and extracted records as MCP tools
// and resources, along with the offline parsers (coordinates, year
// expressions, event lines) so an assistant can check model output by hand.
// When an extractor is configured, a tool runs the full pipeline over text.
// Served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pestmap/internal/extract"
	"github.com/hurttlocker/pestmap/internal/parse"
	"github.com/hurttlocker/pestmap/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Extractor runs the pipeline over one document.
type Extractor interface {
	Run(ctx context.Context, doc extract.Document) (*extract.Result, error)
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string // version string for MCP server info
	// Rules bound the years accepted by the year tool. Zero uses the defaults.
	Rules parse.YearRules
	// Extractor is optional; without it the extract tool is not registered.
	Extractor Extractor
}

// dbMu serializes tool calls that touch the database. mcp-go dispatches
// handlers concurrently and the store holds a single SQLite connection pool.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all pestmap tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	rules := cfg.Rules
	if rules == (parse.YearRules{}) {
		rules = parse.DefaultYearRules()
	}

	s := server.NewMCPServer(
		"pestmap",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerParseCoordinatesTool(s)
	registerExpandYearsTool(s, rules)
	registerSplitLineTool(s)

	if cfg.Store != nil {
		registerListDocumentsTool(s, cfg.Store)
		registerWorklistTool(s, cfg.Store)
		registerRunsTool(s, cfg.Store)
		registerRecordsTool(s, cfg.Store)

		registerWorklistResource(s, cfg.Store)
		registerRunsResource(s, cfg.Store)
	}
	if cfg.Extractor != nil {
		registerExtractTool(s, cfg.Extractor)
	}
	return s
}

// ServeStdio serves s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func limitArg(req mcp.CallToolRequest) int {
	limit := defaultListLimit
	if v, err := req.RequireFloat("limit"); err == nil {
		limit = int(v)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return limit
}

// --- Store tools ---

func registerListDocumentsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("pestmap_list_documents",
		mcp.WithDescription("List worklist documents, optionally filtered by state. Failed documents carry the load error."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("state",
			mcp.Description("Filter by state (default: all)"),
			mcp.Enum(store.StatePending, store.StateProcessed, store.StateRelevant, store.StateFailed),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of documents (default: 50, max: 500)"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of documents to skip"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.ListOpts{Limit: limitArg(req)}
		if state, err := req.RequireString("state"); err == nil {
			opts.State = strings.ToLower(strings.TrimSpace(state))
		}
		if off, err := req.RequireFloat("offset"); err == nil && off > 0 {
			opts.Offset = int(off)
		}

		docs, err := st.ListDocuments(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list error: %v", err)), nil
		}
		if docs == nil {
			docs = []*store.Document{}
		}
		return jsonResult(docs)
	})
}

func registerWorklistTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("pestmap_worklist",
		mcp.WithDescription("Document counts by state plus database table sizes."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		payload, err := worklistPayload(ctx, st)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(payload)
	})
}

func registerRunsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("pestmap_runs",
		mcp.WithDescription("Recent runs, newest first, with document and record counts and the results file each wrote."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs (default: 50, max: 500)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runs, err := st.ListRuns(ctx, limitArg(req))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("runs error: %v", err)), nil
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		return jsonResult(runs)
	})
}

func registerRecordsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("pestmap_records",
		mcp.WithDescription("Outbreak records extracted by one run, in the order they were saved."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID as returned by pestmap_runs"),
		),
		mcp.WithString("file_name",
			mcp.Description("Only records from this document"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runID, err := req.RequireString("run_id")
		if err != nil || strings.TrimSpace(runID) == "" {
			return mcp.NewToolResultError("run_id is required"), nil
		}
		recs, err := st.Records(ctx, strings.TrimSpace(runID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("records error: %v", err)), nil
		}
		if name, err := req.RequireString("file_name"); err == nil && name != "" {
			filtered := recs[:0]
			for _, r := range recs {
				if r.FileName == name {
					filtered = append(filtered, r)
				}
			}
			recs = filtered
		}
		if recs == nil {
			recs = []parse.OutbreakRecord{}
		}
		return jsonResult(map[string]any{"run_id": runID, "count": len(recs), "records": recs})
	})
}

func registerExtractTool(s *server.MCPServer, pipe Extractor) {
	tool := mcp.NewTool("pestmap_extract_text",
		mcp.WithDescription("Run the full extraction pipeline over the text of one paper. Calls the configured model and geocoder."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Full text of the paper"),
		),
		mcp.WithString("name",
			mcp.Description("File name recorded on each row (default: mcp-input)"),
		),
		mcp.WithString("study",
			mcp.Description("Study identifier recorded on each row"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		doc := extract.Document{ID: "mcp-input", Text: text}
		if name, err := req.RequireString("name"); err == nil && name != "" {
			doc.ID = name
		}
		if study, err := req.RequireString("study"); err == nil {
			doc.Override.Study = study
		}

		res, err := pipe.Run(ctx, doc)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("extract error: %v", err)), nil
		}
		records := res.Records
		if records == nil {
			records = []parse.OutbreakRecord{}
		}
		payload := map[string]any{
			"relevant": res.Relevant,
			"sources":  res.SourceLabel(),
			"records":  records,
		}
		if res.Relevant {
			payload["publish_year"] = res.PublishYear
			payload["general_location"] = res.GeneralLocation
			if res.Point != nil {
				payload["point"] = res.Point
			}
		}
		return jsonResult(payload)
	})
}
