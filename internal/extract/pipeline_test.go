package extract

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/llm"
)

type reply struct {
	out string
	err error
}

type stageCall struct {
	stage  string
	system string
	prompt string
	temp   float64
}

// stageCompleter routes calls by system prompt to per-stage reply queues.
// The last reply in a queue repeats.
type stageCompleter struct {
	mu      sync.Mutex
	names   []string
	systems []string
	replies map[string][]reply
	calls   []stageCall
}

func newStageCompleter(p *Prompts) *stageCompleter {
	c := &stageCompleter{replies: make(map[string][]reply)}
	for _, s := range p.Stages.all() {
		c.names = append(c.names, s.Name)
		c.systems = append(c.systems, s.System)
	}
	cf := p.CoordinateFormats
	for name, sys := range map[string]string{
		"classify": cf.Classify, "bounding_box": cf.BoundingBox, "degree_minute": cf.DegreeMinute,
		"degree_minute_second": cf.DegreeMinuteSecond, "decimal_degree": cf.DecimalDegree,
	} {
		c.names = append(c.names, name)
		c.systems = append(c.systems, sys)
	}
	return c
}

func (c *stageCompleter) on(stage string, replies ...reply) *stageCompleter {
	c.replies[stage] = replies
	return c
}

func (c *stageCompleter) say(stage string, outs ...string) *stageCompleter {
	rs := make([]reply, len(outs))
	for i, o := range outs {
		rs[i] = reply{out: o}
	}
	return c.on(stage, rs...)
}

func (c *stageCompleter) stageOf(system string) string {
	best, bestLen := "", -1
	for i, s := range c.systems {
		if strings.HasPrefix(system, s) && len(s) > bestLen {
			best, bestLen = c.names[i], len(s)
		}
	}
	return best
}

func (c *stageCompleter) Complete(_ context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stage := c.stageOf(opts.System)
	c.calls = append(c.calls, stageCall{stage: stage, system: opts.System, prompt: prompt, temp: opts.Temperature})
	queue := c.replies[stage]
	if len(queue) == 0 {
		return "unknown", nil
	}
	r := queue[0]
	if len(queue) > 1 {
		c.replies[stage] = queue[1:]
	}
	return r.out, r.err
}

func (c *stageCompleter) callsTo(stage string) []stageCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stageCall
	for _, call := range c.calls {
		if call.stage == stage {
			out = append(out, call)
		}
	}
	return out
}

type fakeGeocoder struct {
	point   coords.Point
	region  string
	queries []string
}

func (f *fakeGeocoder) Geocode(_ context.Context, q string) (coords.Point, error) {
	f.queries = append(f.queries, q)
	return f.point, nil
}

func (f *fakeGeocoder) Reverse(context.Context, coords.Point) (string, error) {
	return f.region, nil
}

var chicoutimi = coords.Point{Lat: 48.4279, Lon: -71.0686}

const chicoutimiText = "An outbreak occurred in Chicoutimi, Quebec, Canada from 1976 to 1991. " +
	"Dendrochronological samples from tree cores were collected in old-growth stands."

func chicoutimiCompleter(p *Prompts) *stageCompleter {
	return newStageCompleter(p).
		say("relevance", "Yes.").
		say("sources", "Data collection method: Dendrochronological samples from tree cores, Aerial defoliation survey, tea leaves.").
		say("coordinates", "Location: Unknown.").
		say("publication_year", "1995.").
		say("general_location", "Location: Saguenay, Quebec, Canada.").
		say("events", "-Outbreak: 1976 –1991\n-Region: Chicoutimi, Quebec, Canada").
		say("triples", `"Chicoutimi, Quebec, Canada", "1976-1991", "Yes"`).
		say("strict_csv", `"Chicoutimi, Quebec, Canada", "1976-1991", "Yes"`).
		say("multiple_regions", "no").
		say("locality", "Chicoutimi, Quebec, Canada")
}

func TestPipelineChicoutimiEndToEnd(t *testing.T) {
	prompts, err := DefaultPrompts()
	if err != nil {
		t.Fatal(err)
	}
	c := chicoutimiCompleter(prompts)
	g := &fakeGeocoder{point: chicoutimi, region: "quebec"}
	p := NewPipeline(c, prompts, WithGeocoder(g))

	res, err := p.Run(context.Background(), Document{
		ID:       "chicoutimi.pdf",
		Text:     chicoutimiText,
		Override: Override{Study: "Krause 1997"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Relevant {
		t.Fatal("document should be relevant")
	}
	if len(res.Records) != 16 {
		t.Fatalf("expected 16 records, got %d: %+v", len(res.Records), res.Records)
	}
	for i, r := range res.Records {
		if r.Year != 1976+i {
			t.Errorf("record %d: year %d", i, r.Year)
		}
		if r.Status.Code() != 1 {
			t.Errorf("record %d: status %v", i, r.Status)
		}
		if r.Latitude != chicoutimi.Lat || r.Longitude != chicoutimi.Lon {
			t.Errorf("record %d: coordinates %v,%v", i, r.Latitude, r.Longitude)
		}
		if r.FileName != "chicoutimi.pdf" || r.StudyID != "Krause 1997" {
			t.Errorf("record %d: provenance %+v", i, r)
		}
		if r.Source != "dendrochronological samples from tree cores | aerial defoliation survey" {
			t.Errorf("record %d: source %q", i, r.Source)
		}
	}

	if res.PublishYear != 1995 {
		t.Errorf("publish year: %d", res.PublishYear)
	}
	if res.GeneralLocation != "saguenay, quebec, canada" || res.GeneralRegion != "quebec" {
		t.Errorf("general context: %q / %q", res.GeneralLocation, res.GeneralRegion)
	}
	if !strings.Contains(res.Events, "Text chunk 1: [-Outbreak: 1976-1991") {
		t.Errorf("events not cleaned and numbered: %q", res.Events)
	}

	events := c.callsTo("events")
	if len(events) != 1 || !strings.HasSuffix(events[0].system, `take place at "saguenay, quebec, canada"`) {
		t.Errorf("events prompt missing location hint: %+v", events)
	}
	csv := c.callsTo("strict_csv")
	if len(csv) != 1 || !strings.HasSuffix(csv[0].system, "was published in 1995") {
		t.Errorf("strict csv prompt missing year hint: %+v", csv)
	}
	if n := len(c.callsTo("multiple_regions")); n != 1 {
		t.Errorf("multiple regions checked %d times", n)
	}
	if len(g.queries) != 2 {
		t.Errorf("expected general location and row geocodes, got %v", g.queries)
	}
}

func TestPipelineIrrelevantDocument(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := newStageCompleter(prompts).say("relevance", "No, this is about spruce beetles.")
	res, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "beetle.pdf", Text: chicoutimiText})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Relevant || len(res.Records) != 0 {
		t.Errorf("got %+v", res)
	}
	if len(c.calls) != 1 {
		t.Errorf("expected only the relevance call, got %d", len(c.calls))
	}
}

func TestPipelineRelevanceFailureStopsRun(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := newStageCompleter(prompts).on("relevance", reply{err: eris.Wrap(llm.ErrExhausted, "10 attempts")})
	_, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "x.pdf", Text: chicoutimiText})
	if !eris.Is(err, ErrRelevance) {
		t.Fatalf("expected ErrRelevance, got %v", err)
	}
}

func TestPipelineQuotaIsFatal(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := chicoutimiCompleter(prompts).on("sources", reply{err: eris.Wrap(llm.ErrQuotaExceeded, "billing")})
	_, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "x.pdf", Text: chicoutimiText})
	if !llm.Fatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if len(c.callsTo("coordinates")) != 0 {
		t.Error("pipeline continued after a fatal error")
	}
}

func TestPipelineStageFailureDegrades(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := chicoutimiCompleter(prompts).on("triples", reply{err: eris.Wrap(llm.ErrExhausted, "10 attempts")})
	res, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "x.pdf", Text: chicoutimiText})
	if err != nil {
		t.Fatalf("a failed stage should not fail the document: %v", err)
	}
	if len(res.Records) != 0 || res.Triples != "" {
		t.Errorf("got %+v", res)
	}
	if len(c.callsTo("strict_csv")) != 0 {
		t.Error("strict csv should not run without triples")
	}
}

func TestPipelineExplicitCoordinates(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := chicoutimiCompleter(prompts).
		say("coordinates", "Location: 48°25'N, 71°04'W.").
		say("classify", "degrees/minutes").
		say("degree_minute", "48°25'N, 71°04'W")
	g := &fakeGeocoder{point: chicoutimi, region: "quebec"}
	res, err := NewPipeline(c, prompts, WithGeocoder(g)).Run(context.Background(), Document{ID: "x.pdf", Text: chicoutimiText})
	if err != nil {
		t.Fatal(err)
	}
	if res.Point == nil || res.Classification != coords.DegreeMinute {
		t.Fatalf("explicit coordinates not resolved: %+v", res)
	}
	if got := c.callsTo("classify"); len(got) != 1 || got[0].prompt != "48°25'N, 71°04'W" {
		t.Errorf("resolver should see the original case: %+v", got)
	}
	if len(g.queries) != 1 {
		t.Errorf("general location should not be geocoded when a point is known: %v", g.queries)
	}
}

func TestPipelineTemperatureReachesCoordinateResolver(t *testing.T) {
	prompts, _ := DefaultPrompts()
	prompts.SetTemperature(0.4)
	c := chicoutimiCompleter(prompts).
		say("coordinates", "Location: 48°25'N, 71°04'W.").
		say("classify", "degrees/minutes").
		say("degree_minute", "48°25'N, 71°04'W")
	if _, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "x.pdf", Text: chicoutimiText}); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []string{"coordinates", "classify", "degree_minute"} {
		calls := c.callsTo(stage)
		if len(calls) == 0 {
			t.Fatalf("no %s call", stage)
		}
		if calls[0].temp != 0.4 {
			t.Errorf("%s temperature = %v, want 0.4", stage, calls[0].temp)
		}
	}
}

func TestPipelineOverridesSkipStages(t *testing.T) {
	prompts, _ := DefaultPrompts()
	c := chicoutimiCompleter(prompts)
	g := &fakeGeocoder{point: chicoutimi, region: "quebec"}
	pt := coords.Point{Lat: 48.5, Lon: -71.5}
	res, err := NewPipeline(c, prompts, WithGeocoder(g)).Run(context.Background(), Document{
		ID:       "x.pdf",
		Text:     chicoutimiText,
		Override: Override{Location: "Lac Saint-Jean, Quebec", Point: &pt},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.callsTo("coordinates")) != 0 || len(c.callsTo("general_location")) != 0 {
		t.Error("overridden stages should not call the model")
	}
	if res.GeneralLocation != "lac saint-jean, quebec" || *res.Point != pt {
		t.Errorf("overrides not applied: %+v", res)
	}
}

func TestPipelineEventsNumberSuccessfulChunks(t *testing.T) {
	prompts, err := ParsePrompts([]byte(testPromptsYAML), Pest{})
	if err != nil {
		t.Fatal(err)
	}
	c := newStageCompleter(prompts).
		say("relevance", "yes").
		on("events", reply{out: "first"}, reply{err: llm.ErrExhausted}, reply{out: "third"}).
		on("triples", reply{out: ""})
	text := strings.Repeat("budworm defoliation near the lake. ", 12)

	res, err := NewPipeline(c, prompts).Run(context.Background(), Document{ID: "x.txt", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(c.callsTo("events")); n < 3 {
		t.Fatalf("expected the text to span at least 3 chunks, got %d", n)
	}
	if !strings.HasPrefix(res.Events, "\nText chunk 1: [first]\nText chunk 2: [third]") {
		t.Errorf("got %q", res.Events)
	}
}

func TestResultSourceLabel(t *testing.T) {
	if got := (&Result{}).SourceLabel(); got != NoSources {
		t.Errorf("got %q", got)
	}
	r := &Result{Sources: []string{"pheromone traps", "aerial defoliation survey"}}
	if got := r.SourceLabel(); got != "pheromone traps | aerial defoliation survey" {
		t.Errorf("got %q", got)
	}
}

func TestPipelineSharesCacheAcrossDocuments(t *testing.T) {
	prompts, _ := DefaultPrompts()
	cache := geo.NewCache()
	g := &fakeGeocoder{point: chicoutimi, region: "quebec"}
	p := NewPipeline(chicoutimiCompleter(prompts), prompts, WithGeocoder(g), WithCache(cache))

	for _, id := range []string{"a.pdf", "b.pdf"} {
		if _, err := p.Run(context.Background(), Document{ID: id, Text: chicoutimiText}); err != nil {
			t.Fatal(err)
		}
	}
	if len(g.queries) != 2 {
		t.Errorf("second document should hit the cache, got %v", g.queries)
	}
	if locs, regions := cache.Len(); locs != 2 || regions != 1 {
		t.Errorf("cache: %d locations, %d regions", locs, regions)
	}
}
