package extract

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/llm"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Stage is one model call step: its prompt, examples and chunking rules.
type Stage struct {
	Name        string        `yaml:"-"`
	System      string        `yaml:"system"`
	Examples    []llm.Message `yaml:"examples"`
	Temperature float64       `yaml:"temperature"`
	// TokenBudget is the per-chunk budget. Zero means the model ceiling.
	TokenBudget int  `yaml:"token_budget"`
	SingleChunk bool `yaml:"single_chunk"`
	// Prefix is stripped from the lowercased answer.
	Prefix string `yaml:"prefix"`
	// Hint is appended to System when the pipeline has something to add;
	// ${LOCATION} and ${YEAR} are filled per document.
	Hint string `yaml:"hint"`
}

// WithHint returns the system prompt with the hint appended and vars filled.
func (s Stage) WithHint(vars map[string]string) string {
	if s.Hint == "" {
		return s.System
	}
	return s.System + expand(s.Hint, vars)
}

// Pest names the insect the prompts ask about.
type Pest struct {
	Name         string `yaml:"name"`
	Abbreviation string `yaml:"abbreviation"`
	// Scope narrows the relevance check, e.g. to one species of a genus.
	Scope string `yaml:"scope"`
}

// Stages lists every extraction step by name.
type Stages struct {
	Relevance       Stage `yaml:"relevance"`
	Sources         Stage `yaml:"sources"`
	Coordinates     Stage `yaml:"coordinates"`
	PublicationYear Stage `yaml:"publication_year"`
	GeneralLocation Stage `yaml:"general_location"`
	Events          Stage `yaml:"events"`
	Triples         Stage `yaml:"triples"`
	StrictCSV       Stage `yaml:"strict_csv"`
	MultipleRegions Stage `yaml:"multiple_regions"`
	Locality        Stage `yaml:"locality"`
}

func (s *Stages) all() []*Stage {
	return []*Stage{
		&s.Relevance, &s.Sources, &s.Coordinates, &s.PublicationYear, &s.GeneralLocation,
		&s.Events, &s.Triples, &s.StrictCSV, &s.MultipleRegions, &s.Locality,
	}
}

var stageNames = []string{
	"relevance", "sources", "coordinates", "publication_year", "general_location",
	"events", "triples", "strict_csv", "multiple_regions", "locality",
}

// Prompts is the full prompt configuration.
type Prompts struct {
	Pest              Pest           `yaml:"pest"`
	EndMessage        string         `yaml:"end_message"`
	SourceVocabulary  []string       `yaml:"source_vocabulary"`
	Stages            Stages         `yaml:"stages"`
	CoordinateFormats coords.Prompts `yaml:"coordinate_formats"`
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() (*Prompts, error) {
	return ParsePrompts(defaultPrompts, Pest{})
}

// LoadPrompts reads prompts from path, or the built-in set when path is empty.
// Non-empty fields of pest override the file's pest section.
func LoadPrompts(path string, pest Pest) (*Prompts, error) {
	if path == "" {
		return ParsePrompts(defaultPrompts, pest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read prompts %s", path)
	}
	return ParsePrompts(data, pest)
}

// ParsePrompts decodes YAML prompts and fills the pest placeholders.
func ParsePrompts(data []byte, pest Pest) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "extract: parse prompts")
	}
	if pest.Name != "" {
		p.Pest.Name = pest.Name
	}
	if pest.Abbreviation != "" {
		p.Pest.Abbreviation = pest.Abbreviation
	}
	if pest.Scope != "" {
		p.Pest.Scope = pest.Scope
	}
	if p.Pest.Abbreviation == "" {
		p.Pest.Abbreviation = p.Pest.Name
	}

	vars := map[string]string{
		"PEST":       p.Pest.Name,
		"PEST_ABBR":  p.Pest.Abbreviation,
		"PEST_SCOPE": p.Pest.Scope,
	}
	for i, s := range p.Stages.all() {
		s.Name = stageNames[i]
		s.System = strings.TrimSpace(expand(s.System, vars))
		if s.System == "" {
			return nil, eris.Errorf("extract: stage %s has no system prompt", s.Name)
		}
	}
	cf := &p.CoordinateFormats
	for _, f := range []*string{&cf.Classify, &cf.BoundingBox, &cf.DegreeMinute, &cf.DegreeMinuteSecond, &cf.DecimalDegree} {
		*f = expand(*f, vars)
		if strings.TrimSpace(*f) == "" {
			return nil, eris.New("extract: coordinate format prompts are incomplete")
		}
	}
	for i, v := range p.SourceVocabulary {
		p.SourceVocabulary[i] = strings.ToLower(strings.TrimSpace(v))
	}
	if p.EndMessage == "" {
		p.EndMessage = " END\n\n"
	}
	return &p, nil
}

// expand fills ${NAME} placeholders from vars and leaves unknown ones intact,
// so per-document hints survive the load-time pass.
func expand(s string, vars map[string]string) string {
	return os.Expand(s, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
}
