package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/parse"
)

type coordinateResult struct {
	Input  string       `json:"input"`
	Format string       `json:"format"`
	Point  coords.Point `json:"point"`
}

type yearsResult struct {
	Input       string `json:"input"`
	Cleaned     string `json:"cleaned"`
	PublishYear int    `json:"publish_year,omitempty"`
	Years       []int  `json:"years"`
}

type lineResult struct {
	Input     string `json:"input"`
	Canonical string `json:"canonical"`
	Location  string `json:"location"`
	Year      string `json:"year"`
	Status    string `json:"status"`
	Unknown   bool   `json:"unknown_location"`
}

// parseCoordinates accepts a lat/lon pair or a bounding box.
func parseCoordinates(text, format string) (coordinateResult, error) {
	out := coordinateResult{Input: text}
	var err error
	switch format {
	case "pair":
		out.Format = "pair"
		out.Point, err = coords.ParsePair(text)
	case "bounding_box":
		out.Format = "bounding_box"
		out.Point, err = coords.BoundingBoxCentroid(text)
	default:
		var class coords.Classification
		out.Point, class, err = coords.Parse(text)
		out.Format = "pair"
		if class == coords.BoundingBox {
			out.Format = "bounding_box"
		}
	}
	return out, err
}

func registerParseCoordinatesTool(s *server.MCPServer) {
	tool := mcp.NewTool("pestmap_parse_coordinates",
		mcp.WithDescription(`Convert normalized coordinates to decimal degrees. Accepts "lat, lon" in decimal degrees or degrees/minutes/seconds with hemisphere letters, or a bounding box "lat1-lat2, lon1-lon2" which resolves to the geodesic midpoint of its corners.`),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description(`Coordinates, e.g. "48°25'N, 71°04'W"`),
		),
		mcp.WithString("format",
			mcp.Description("Input shape (default: auto)"),
			mcp.Enum("auto", "pair", "bounding_box"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		format := "auto"
		if f, err := req.RequireString("format"); err == nil && f != "" {
			format = f
		}
		res, err := parseCoordinates(strings.TrimSpace(text), format)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid coordinates: %v", err)), nil
		}
		return jsonResult(res)
	})
}

func registerExpandYearsTool(s *server.MCPServer, rules parse.YearRules) {
	tool := mcp.NewTool("pestmap_expand_years",
		mcp.WithDescription(`Validate and expand a year field the way extracted rows are expanded: "1976", "1976-1991", open ranges "1976-" ending at the publication year, and calibrated BP years.`),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("year",
			mcp.Required(),
			mcp.Description(`Year expression, e.g. "1976-1991" or "450 cal yr BP"`),
		),
		mcp.WithNumber("publish_year",
			mcp.Description("Publication year that closes open ranges"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		year, err := req.RequireString("year")
		if err != nil || strings.TrimSpace(year) == "" {
			return mcp.NewToolResultError("year is required"), nil
		}
		publish := 0
		if v, err := req.RequireFloat("publish_year"); err == nil {
			publish = int(v)
		}
		years, err := parse.ExpandYears(year, publish, rules)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("rejected: %v", err)), nil
		}
		return jsonResult(yearsResult{Input: year, Cleaned: parse.CleanYear(year), PublishYear: publish, Years: years})
	})
}

func registerSplitLineTool(s *server.MCPServer) {
	tool := mcp.NewTool("pestmap_split_line",
		mcp.WithDescription("Repair and split one line of model output into location, year and status, without geocoding."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("line",
			mcp.Required(),
			mcp.Description(`Event line, e.g. "Chicoutimi, Quebec", 1976-1991, yes`),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		line, err := req.RequireString("line")
		if err != nil || strings.TrimSpace(line) == "" {
			return mcp.NewToolResultError("line is required"), nil
		}
		canon, err := parse.CanonicalLine(line)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unparseable line: %v", err)), nil
		}
		raw, err := parse.ParseLine(line)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unparseable line: %v", err)), nil
		}
		if _, ok := parse.ParseStatus(raw.Status); !ok {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", raw.Status)), nil
		}
		return jsonResult(lineResult{
			Input:     line,
			Canonical: canon,
			Location:  raw.Location,
			Year:      raw.Year,
			Status:    raw.Status,
			Unknown:   parse.IsUnknown(raw.Location),
		})
	})
}
