package parse

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/llm"
	"github.com/hurttlocker/pestmap/internal/metrics"
)

// Locator resolves a location name to a point.
type Locator interface {
	Locate(ctx context.Context, location string) (coords.Point, error)
}

// RegionResolver returns the first-level region containing a point.
type RegionResolver interface {
	Region(ctx context.Context, p coords.Point) (string, error)
}

// MultiRegionChecker reports whether a location names more than one place.
type MultiRegionChecker interface {
	SpansMultipleRegions(ctx context.Context, location string) (bool, error)
}

// LLMMultiRegionChecker asks a model whether a location names several places.
type LLMMultiRegionChecker struct {
	llm      coords.Completer
	system   string
	examples []llm.Message
}

// NewLLMMultiRegionChecker creates a checker with the given prompt and few-shot examples.
func NewLLMMultiRegionChecker(c coords.Completer, system string, examples []llm.Message) *LLMMultiRegionChecker {
	return &LLMMultiRegionChecker{llm: c, system: system, examples: examples}
}

// SpansMultipleRegions is true when the model answers yes.
func (m *LLMMultiRegionChecker) SpansMultipleRegions(ctx context.Context, location string) (bool, error) {
	answer, err := m.llm.Complete(ctx, location, llm.CompletionOpts{
		System:   m.system,
		Examples: m.examples,
	})
	if err != nil {
		return false, eris.Wrap(err, "parse: multiple regions check")
	}
	return IsYes(answer), nil
}

// Context is what the pipeline knows about a document before parsing.
type Context struct {
	// GeneralPoint is used for rows whose location cannot be geocoded.
	GeneralPoint *coords.Point
	// GeneralRegion is the region the document is about. Rows that geocode
	// into a different region are dropped. Empty disables the check.
	GeneralRegion string
	// PublishYear ends open ranges and bounds every year. Zero when unknown.
	PublishYear int
}

// Parser validates and geocodes strict event lines.
type Parser struct {
	multi   MultiRegionChecker
	locator Locator
	regions RegionResolver
	cache   *geo.Cache
	rules   YearRules
}

// Option configures a Parser.
type Option func(*Parser)

// WithYearRules overrides the default year bounds.
func WithYearRules(r YearRules) Option {
	return func(p *Parser) { p.rules = r.withDefaults() }
}

// WithCache shares a lookup cache across parsers.
func WithCache(c *geo.Cache) Option {
	return func(p *Parser) { p.cache = c }
}

// NewParser creates a Parser. multi may be nil to skip the multiple-regions check.
func NewParser(multi MultiRegionChecker, locator Locator, regions RegionResolver, opts ...Option) *Parser {
	p := &Parser{
		multi:   multi,
		locator: locator,
		regions: regions,
		cache:   geo.NewCache(),
		rules:   DefaultYearRules(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Cache returns the parser's lookup cache.
func (p *Parser) Cache() *geo.Cache {
	return p.cache
}

// ParseLine canonicalizes and splits one line. It does no lookups.
func ParseLine(line string) (RawEventLine, error) {
	canon, err := CanonicalLine(line)
	if err != nil {
		return RawEventLine{}, err
	}
	fields, err := SplitQuoted(canon)
	if err != nil {
		return RawEventLine{}, err
	}
	if len(fields) != 3 {
		return RawEventLine{}, eris.Errorf("parse: expected 3 fields, got %d in %q", len(fields), line)
	}
	trim := func(s string) string { return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"'`)) }
	return RawEventLine{
		Location: trim(fields[0]),
		Year:     CleanYear(trim(fields[1])),
		Status:   trim(fields[2]),
	}, nil
}

// Parse turns model output, one event per line, into records.
//
// Lines that fail validation are dropped. The returned error is non-nil only
// for cancellation and fatal model errors; records parsed before it are
// returned with it.
func (p *Parser) Parse(ctx context.Context, raw string, pc Context) ([]OutbreakRecord, error) {
	var out []OutbreakRecord
	// locations that could not be geocoded in this output; never shared across documents
	unresolved := map[string]struct{}{}
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		recs, err := p.parseLine(ctx, line, pc, unresolved)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func drop(line, reason string, err error) {
	metrics.RecordDroppedLine(reason)
	fields := []zap.Field{zap.String("line", line), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	zap.L().Debug("event line dropped", fields...)
}

func fatal(ctx context.Context, err error) bool {
	return llm.Fatal(err) || ctx.Err() != nil
}

func (p *Parser) parseLine(ctx context.Context, line string, pc Context, unresolved map[string]struct{}) ([]OutbreakRecord, error) {
	ev, err := ParseLine(line)
	if err != nil {
		drop(line, "malformed", err)
		return nil, nil
	}
	status, ok := ParseStatus(ev.Status)
	if !ok {
		drop(line, "status", nil)
		return nil, nil
	}
	expr, err := ParseYearExpr(ev.Year)
	if err != nil {
		drop(line, "year", err)
		return nil, nil
	}
	if len(ev.Location) <= 3 {
		drop(line, "location_short", nil)
		return nil, nil
	}
	if IsUnknown(ev.Location) {
		drop(line, "location_unknown", nil)
		return nil, nil
	}
	if p.multi != nil {
		multiple, err := p.multi.SpansMultipleRegions(ctx, ev.Location)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			zap.L().Warn("multiple regions check failed, keeping line", zap.String("line", line), zap.Error(err))
		} else if multiple {
			drop(line, "multiple_regions", nil)
			return nil, nil
		}
	}
	years, err := expr.Expand(pc.PublishYear, p.rules)
	if err != nil {
		drop(line, "year_range", err)
		return nil, nil
	}

	point, err := p.locate(ctx, ev.Location, pc, unresolved)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		drop(line, "location_not_found", err)
		return nil, nil
	}

	if pc.GeneralRegion != "" && p.regions != nil {
		region, err := p.cache.ResolveRegion(ctx, point, func(ctx context.Context) (string, error) {
			return p.regions.Region(ctx, point)
		})
		switch {
		case err != nil && fatal(ctx, err):
			return nil, err
		case err != nil:
			zap.L().Debug("region lookup failed, keeping line", zap.String("line", line), zap.Error(err))
		case region != "" && !strings.EqualFold(region, pc.GeneralRegion):
			drop(line, "region_mismatch", nil)
			return nil, nil
		}
	}

	recs := make([]OutbreakRecord, 0, len(years))
	for _, y := range years {
		recs = append(recs, OutbreakRecord{
			Area:      ev.Location,
			Latitude:  point.Lat,
			Longitude: point.Lon,
			Year:      y,
			Status:    status,
		})
	}
	return recs, nil
}

func (p *Parser) locate(ctx context.Context, location string, pc Context, unresolved map[string]struct{}) (coords.Point, error) {
	fallback := func(err error) (coords.Point, error) {
		if pc.GeneralPoint == nil {
			return coords.Point{}, err
		}
		return *pc.GeneralPoint, nil
	}
	if p.locator == nil {
		return fallback(geo.ErrNotFound)
	}
	if _, ok := unresolved[location]; ok {
		return fallback(geo.ErrNotFound)
	}
	point, err := p.cache.ResolveLocation(ctx, pc.GeneralRegion, location, func(ctx context.Context) (coords.Point, error) {
		return p.locator.Locate(ctx, location)
	})
	if err == nil {
		return point, nil
	}
	if fatal(ctx, err) {
		return coords.Point{}, err
	}
	unresolved[location] = struct{}{}
	zap.L().Debug("location not geocoded", zap.String("location", location), zap.Bool("general_point", pc.GeneralPoint != nil), zap.Error(err))
	return fallback(err)
}
