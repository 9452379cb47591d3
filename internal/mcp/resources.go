package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pestmap/internal/store"
)

const recentRunsLimit = 10

func worklistPayload(ctx context.Context, st store.Store) (map[string]any, error) {
	counts, err := st.WorklistCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting worklist: %w", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	return map[string]any{
		"worklist": counts,
		"store":    stats,
	}, nil
}

func registerWorklistResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"pestmap://worklist",
		"Worklist",
		mcp.WithResourceDescription("Document counts by state and database table sizes."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		payload, err := worklistPayload(ctx, st)
		if err != nil {
			return nil, err
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerRunsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"pestmap://runs/recent",
		"Recent Runs",
		mcp.WithResourceDescription("The ten most recent runs with their results files."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runs, err := st.ListRuns(ctx, recentRunsLimit)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		payload := map[string]any{
			"runs":  runs,
			"count": len(runs),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
