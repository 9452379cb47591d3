package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/ingest"
	"github.com/hurttlocker/pestmap/internal/llm"
	"github.com/hurttlocker/pestmap/internal/parse"
)

// NoSources is the source label for documents without a recognized method.
const NoSources = "No identified sources"

// ErrRelevance is returned when the relevance check itself fails. It stops
// the run: without it no document can be classified.
var ErrRelevance = eris.New("extract: relevance check failed")

// Completer is the model capability the pipeline needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error)
}

// Override carries per-document values that replace model guesses.
type Override struct {
	Study    string        `yaml:"study"`
	Location string        `yaml:"location"`
	Point    *coords.Point `yaml:"point"`
}

// Document is one paper to extract from.
type Document struct {
	ID       string
	Text     string
	Override Override
}

// Result is everything the pipeline learned about one document.
type Result struct {
	DocumentID      string
	Relevant        bool
	Sources         []string
	Point           *coords.Point
	Classification  coords.Classification
	PublishYear     int
	GeneralLocation string
	GeneralRegion   string
	Events          string
	Triples         string
	StrictCSV       string
	Records         []parse.OutbreakRecord
}

// SourceLabel joins the recognized sources with " | ".
func (r *Result) SourceLabel() string {
	if len(r.Sources) == 0 {
		return NoSources
	}
	return strings.Join(r.Sources, " | ")
}

// Pipeline runs the extraction stages over one document at a time. A single
// Pipeline may be shared by concurrent workers.
type Pipeline struct {
	llm      Completer
	prompts  *Prompts
	chunker  *Chunker
	resolver *coords.Resolver
	locator  *geo.Locator
	parser   *parse.Parser
	cache    *geo.Cache
	rules    parse.YearRules
}

// PipelineOption configures the extraction pipeline.
type PipelineOption func(*Pipeline)

// WithChunker replaces the default estimate-based chunker.
func WithChunker(c *Chunker) PipelineOption {
	return func(p *Pipeline) { p.chunker = c }
}

// WithGeocoder enables location lookups through g.
func WithGeocoder(g geo.Geocoder) PipelineOption {
	return func(p *Pipeline) {
		p.locator = geo.NewLocator(p.llm, g, p.prompts.Stages.Locality.System, p.prompts.Stages.Locality.Hint)
	}
}

// WithCache shares a lookup cache, typically one loaded from the store.
func WithCache(c *geo.Cache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

// WithYearRules overrides the default year bounds.
func WithYearRules(r parse.YearRules) PipelineOption {
	return func(p *Pipeline) { p.rules = r }
}

// NewPipeline creates a pipeline. Without WithGeocoder, rows fall back to the
// document's point or are dropped.
func NewPipeline(c Completer, prompts *Prompts, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		llm:      c,
		prompts:  prompts,
		chunker:  NewChunker(nil, DefaultCeiling),
		resolver: coords.NewResolver(c, prompts.CoordinateFormats, coords.WithTemperature(prompts.Stages.Coordinates.Temperature)),
		cache:    geo.NewCache(),
		rules:    parse.DefaultYearRules(),
	}
	for _, o := range opts {
		o(p)
	}

	multi := parse.NewLLMMultiRegionChecker(c, prompts.Stages.MultipleRegions.System, prompts.Stages.MultipleRegions.Examples)
	parserOpts := []parse.Option{parse.WithCache(p.cache), parse.WithYearRules(p.rules)}
	if p.locator != nil {
		p.parser = parse.NewParser(multi, p.locator, p.locator, parserOpts...)
	} else {
		p.parser = parse.NewParser(multi, nil, nil, parserOpts...)
	}
	return p
}

// Cache returns the pipeline's lookup cache.
func (p *Pipeline) Cache() *geo.Cache {
	return p.cache
}

// Run extracts outbreak records from doc.
//
// An irrelevant document returns a Result with Relevant false and no error.
// Stage failures after retries leave that stage empty. Errors are returned
// only for cancellation, fatal model errors and ErrRelevance; all of them
// should stop the run.
func (p *Pipeline) Run(ctx context.Context, doc Document) (*Result, error) {
	log := zap.L().With(zap.String("document", doc.ID))
	res := &Result{DocumentID: doc.ID}
	st := &p.prompts.Stages

	relevant, err := p.relevance(ctx, doc.Text)
	if err != nil {
		return res, err
	}
	res.Relevant = relevant
	log.Info("relevance checked", zap.Bool("relevant", relevant))
	if !relevant {
		return res, nil
	}

	if res.Sources, err = p.sources(ctx, doc.Text); err != nil {
		return res, err
	}
	log.Debug("sources found", zap.Strings("sources", res.Sources))

	if doc.Override.Point != nil {
		pt := *doc.Override.Point
		res.Point, res.Classification = &pt, coords.DecimalDegree
	} else if err := p.coordinates(ctx, doc.Text, res); err != nil {
		return res, err
	}

	if res.PublishYear, err = p.publicationYear(ctx, doc.Text); err != nil {
		return res, err
	}

	if err := p.generalLocation(ctx, doc, res); err != nil {
		return res, err
	}
	log.Info("document context",
		zap.Any("point", res.Point),
		zap.Int("publish_year", res.PublishYear),
		zap.String("general_location", res.GeneralLocation),
		zap.String("general_region", res.GeneralRegion))

	if res.Events, err = p.events(ctx, doc.Text, res.GeneralLocation); err != nil {
		return res, err
	}
	if strings.TrimSpace(res.Events) == "" {
		log.Info("no events extracted")
		return res, nil
	}

	res.Triples, err = p.ask(ctx, st.Triples, st.Triples.System, res.Events)
	if err != nil || res.Triples == "" {
		return res, err
	}

	system := st.StrictCSV.System
	if res.PublishYear != 0 {
		system = st.StrictCSV.WithHint(map[string]string{"YEAR": fmt.Sprint(res.PublishYear)})
	}
	res.StrictCSV, err = p.ask(ctx, st.StrictCSV, system, res.Triples)
	if err != nil || res.StrictCSV == "" {
		return res, err
	}

	recs, err := p.parser.Parse(ctx, res.StrictCSV, parse.Context{
		GeneralPoint:  res.Point,
		GeneralRegion: res.GeneralRegion,
		PublishYear:   res.PublishYear,
	})
	source := res.SourceLabel()
	for i := range recs {
		recs[i].FileName = doc.ID
		recs[i].StudyID = doc.Override.Study
		recs[i].Source = source
	}
	res.Records = recs
	log.Info("records extracted", zap.Int("records", len(recs)))
	return res, err
}

// ask sends one prompt. Non-fatal failures are logged and come back as an
// empty answer with a nil error.
func (p *Pipeline) ask(ctx context.Context, stage Stage, system, prompt string) (string, error) {
	out, err := p.llm.Complete(ctx, prompt, llm.CompletionOpts{
		System:      system,
		Examples:    stage.Examples,
		Temperature: stage.Temperature,
	})
	if err == nil {
		return strings.TrimSpace(out), nil
	}
	if llm.Fatal(err) || ctx.Err() != nil {
		return "", err
	}
	zap.L().Warn("stage call failed", zap.String("stage", stage.Name), zap.Error(err))
	return "", nil
}

func (p *Pipeline) chunks(stage Stage, system, text string) []Chunk {
	return p.chunker.Build(system, text, p.prompts.EndMessage, ChunkOpts{
		Budget:      stage.TokenBudget,
		Examples:    stage.Examples,
		SingleChunk: stage.SingleChunk,
	})
}

// answer strips the stage prefix and one trailing period from a lowercased answer.
func answer(stage Stage, out string) string {
	out = strings.ToLower(strings.TrimSpace(out))
	out = strings.TrimPrefix(out, strings.ToLower(stage.Prefix))
	return strings.TrimSuffix(strings.TrimSpace(out), ".")
}

func (p *Pipeline) relevance(ctx context.Context, text string) (bool, error) {
	stage := p.prompts.Stages.Relevance
	stage.SingleChunk = true
	chunks := p.chunks(stage, stage.System, text)
	if len(chunks) == 0 {
		return false, nil
	}
	out, err := p.llm.Complete(ctx, chunks[0].Prompt(), llm.CompletionOpts{
		System:      stage.System,
		Examples:    stage.Examples,
		Temperature: stage.Temperature,
	})
	if err != nil {
		if llm.Fatal(err) || ctx.Err() != nil {
			return false, err
		}
		return false, eris.Wrap(ErrRelevance, err.Error())
	}
	return parse.IsYes(out), nil
}

func (p *Pipeline) sources(ctx context.Context, text string) ([]string, error) {
	stage := p.prompts.Stages.Sources
	found := "unknown"
	for _, c := range p.chunks(stage, stage.System, text) {
		out, err := p.ask(ctx, stage, c.System, c.Prompt())
		if err != nil {
			return nil, err
		}
		if out == "" {
			continue
		}
		if a := answer(stage, out); !strings.HasPrefix(a, "unknown") {
			found = a
		}
		if !parse.IsUnknown(found) {
			break
		}
	}

	vocab := make(map[string]bool, len(p.prompts.SourceVocabulary))
	for _, v := range p.prompts.SourceVocabulary {
		vocab[v] = true
	}
	var sources []string
	for _, s := range strings.Split(found, ",") {
		if s = strings.TrimSpace(s); vocab[s] {
			sources = append(sources, s)
		}
	}
	return sources, nil
}

// coordinates looks for explicit coordinates chunk by chunk until one resolves.
func (p *Pipeline) coordinates(ctx context.Context, text string, res *Result) error {
	stage := p.prompts.Stages.Coordinates
	for _, c := range p.chunks(stage, stage.System, text) {
		out, err := p.ask(ctx, stage, c.System, c.Prompt())
		if err != nil {
			return err
		}
		// keep the original case; hemisphere letters matter to the resolver
		raw := strings.TrimSpace(out)
		if strings.HasPrefix(strings.ToLower(raw), strings.ToLower(stage.Prefix)) {
			raw = raw[len(stage.Prefix):]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), ".")
		if raw == "" || parse.IsUnknown(raw) {
			continue
		}

		pt, class, err := p.resolver.Resolve(ctx, raw)
		switch {
		case err == nil:
			res.Point, res.Classification = &pt, class
			return nil
		case llm.Fatal(err) || ctx.Err() != nil:
			return err
		case eris.Is(err, coords.ErrBoundingBox):
			zap.L().Warn("bounding box unresolved, skipping explicit coordinates",
				zap.String("document", res.DocumentID), zap.String("text", raw), zap.Error(err))
			return nil
		default:
			zap.L().Debug("coordinates rejected", zap.String("text", raw), zap.Error(err))
		}
	}
	return nil
}

var nonDigits = regexp.MustCompile(`\D`)

func (p *Pipeline) publicationYear(ctx context.Context, text string) (int, error) {
	stage := p.prompts.Stages.PublicationYear
	stage.SingleChunk = true
	chunks := p.chunks(stage, stage.System, text)
	if len(chunks) == 0 {
		return 0, nil
	}
	out, err := p.ask(ctx, stage, stage.System, chunks[0].Prompt())
	if err != nil {
		return 0, err
	}
	digits := nonDigits.ReplaceAllString(out, "")
	if len(digits) != 4 {
		return 0, nil
	}
	year, _ := strconv.Atoi(digits)
	return year, nil
}

// generalLocation finds the study area, geocodes it when no point is known
// yet and resolves the region rows are checked against.
func (p *Pipeline) generalLocation(ctx context.Context, doc Document, res *Result) error {
	location := strings.ToLower(strings.TrimSpace(doc.Override.Location))
	if location == "" {
		stage := p.prompts.Stages.GeneralLocation
		for _, c := range p.chunks(stage, stage.System, doc.Text) {
			out, err := p.ask(ctx, stage, c.System, c.Prompt())
			if err != nil {
				return err
			}
			if a := answer(stage, out); a != "" && !parse.IsUnknown(a) {
				location = a
				break
			}
		}
	}
	res.GeneralLocation = location
	if p.locator == nil {
		return nil
	}

	if res.Point == nil && location != "" {
		pt, err := p.cache.ResolveLocation(ctx, "", location, func(ctx context.Context) (coords.Point, error) {
			return p.locator.Locate(ctx, location)
		})
		switch {
		case err == nil:
			res.Point = &pt
		case llm.Fatal(err) || ctx.Err() != nil:
			return err
		default:
			zap.L().Debug("general location not geocoded", zap.String("location", location), zap.Error(err))
		}
	}

	if res.Point != nil {
		pt := *res.Point
		region, err := p.cache.ResolveRegion(ctx, pt, func(ctx context.Context) (string, error) {
			return p.locator.Region(ctx, pt)
		})
		switch {
		case err == nil:
			res.GeneralRegion = region
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			zap.L().Debug("general region not found", zap.Any("point", pt), zap.Error(err))
		}
	}
	return nil
}

// events runs every chunk through the event prompt, in order, and joins the
// answers as "Text chunk N: [...]". N counts successful answers only.
func (p *Pipeline) events(ctx context.Context, text, location string) (string, error) {
	stage := p.prompts.Stages.Events
	system := stage.System
	if location != "" && !parse.IsUnknown(location) {
		system = stage.WithHint(map[string]string{"LOCATION": `"` + location + `"`})
	}

	var b strings.Builder
	n := 1
	for _, c := range p.chunks(stage, system, text) {
		out, err := p.ask(ctx, stage, c.System, c.Prompt())
		if err != nil {
			return "", err
		}
		if out == "" {
			continue
		}
		fmt.Fprintf(&b, "\nText chunk %d: [%s]", n, ingest.CleanupText(out))
		n++
	}
	return b.String(), nil
}
