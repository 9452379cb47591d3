package coords

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/llm"
)

// Completer is the model capability the resolver needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error)
}

// Prompts holds the classifier prompt and one normalization prompt per format.
type Prompts struct {
	Classify           string `yaml:"classify"`
	BoundingBox        string `yaml:"bounding_box"`
	DegreeMinute       string `yaml:"degree_minute"`
	DegreeMinuteSecond string `yaml:"degree_minute_second"`
	DecimalDegree      string `yaml:"decimal_degree"`
}

func (p Prompts) normalizer(c Classification) string {
	switch c {
	case BoundingBox:
		return p.BoundingBox
	case DegreeMinute:
		return p.DegreeMinute
	case DegreeMinuteSecond:
		return p.DegreeMinuteSecond
	case DecimalDegree:
		return p.DecimalDegree
	}
	return ""
}

// DefaultBoundingBoxAttempts bounds bounding-box normalization and centroid computation.
const DefaultBoundingBoxAttempts = 5

// ErrBoundingBox is returned when no bounding-box attempt produced a centroid.
var ErrBoundingBox = eris.New("coords: bounding box could not be resolved")

// Resolver classifies raw coordinate text with a model, asks the model to
// normalize it into the canonical form for that format and converts the result.
type Resolver struct {
	llm         Completer
	prompts     Prompts
	temperature float64
	bboxTries   int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTemperature sets the sampling temperature of the classify and normalize calls.
func WithTemperature(t float64) ResolverOption {
	return func(r *Resolver) { r.temperature = t }
}

// NewResolver creates a Resolver.
func NewResolver(c Completer, prompts Prompts, opts ...ResolverOption) *Resolver {
	r := &Resolver{llm: c, prompts: prompts, bboxTries: DefaultBoundingBoxAttempts}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify asks the model which format text is in. Text without digits is
// Invalid without a model call.
func (r *Resolver) Classify(ctx context.Context, text string) (Classification, error) {
	if !HasDigits(text) {
		return Invalid, nil
	}
	answer, err := r.llm.Complete(ctx, text, llm.CompletionOpts{
		System:      r.prompts.Classify,
		Temperature: r.temperature,
	})
	if err != nil {
		return Invalid, eris.Wrap(err, "coords: classify")
	}
	return ParseClassification(answer), nil
}

// Resolve turns raw coordinate text into a point.
//
// Returns ErrInvalid when the text is not a usable coordinate and
// ErrBoundingBox when a bounding box failed every attempt. Model errors are
// returned wrapped so callers can tell fatal ones apart with llm.Fatal.
func (r *Resolver) Resolve(ctx context.Context, text string) (Point, Classification, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(text), "unknown") || !HasDigits(text) {
		return Point{}, Invalid, ErrInvalid
	}

	class, err := r.Classify(ctx, text)
	if err != nil {
		return Point{}, Invalid, err
	}
	if class == Invalid {
		return Point{}, Invalid, ErrInvalid
	}

	if class == BoundingBox {
		p, err := r.resolveBoundingBox(ctx, text)
		return p, class, err
	}

	normalized, err := r.normalize(ctx, text, class)
	if err != nil {
		return Point{}, class, err
	}
	p, err := ParsePair(normalized)
	if err != nil {
		zap.L().Debug("coords: normalized pair rejected",
			zap.String("class", class.String()),
			zap.String("normalized", normalized),
			zap.Error(err))
		return Point{}, class, err
	}
	return p, class, nil
}

func (r *Resolver) resolveBoundingBox(ctx context.Context, text string) (Point, error) {
	var lastErr error
	for attempt := 1; attempt <= r.bboxTries; attempt++ {
		normalized, err := r.normalize(ctx, text, BoundingBox)
		if err != nil {
			return Point{}, err
		}
		p, err := BoundingBoxCentroid(normalized)
		if err == nil {
			return p, nil
		}
		lastErr = err
		zap.L().Debug("coords: bounding box attempt failed",
			zap.Int("attempt", attempt),
			zap.String("normalized", normalized),
			zap.Error(err))
	}
	return Point{}, eris.Wrapf(ErrBoundingBox, "%d attempts, last error: %v", r.bboxTries, lastErr)
}

func (r *Resolver) normalize(ctx context.Context, text string, class Classification) (string, error) {
	out, err := r.llm.Complete(ctx, text, llm.CompletionOpts{
		System:      r.prompts.normalizer(class),
		Temperature: r.temperature,
	})
	if err != nil {
		return "", eris.Wrapf(err, "coords: normalize %s", class)
	}
	return strings.TrimSpace(out), nil
}
