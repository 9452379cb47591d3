package geo

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/llm"
)

// DefaultLocalityHint is prepended to a location before asking the model to
// name its city, region and country. Outbreak studies are mostly about forest
// stands, so the hint steers the model away from same-named places elsewhere.
const DefaultLocalityHint = "The boreal forest in "

// ErrLocality is returned when the model's answer is not "city, region, country".
var ErrLocality = eris.New("geo: unusable locality answer")

// Locator turns free-text location names into points. It asks the model for
// a "city, region, country" triple and geocodes that.
type Locator struct {
	llm      coords.Completer
	geocoder Geocoder
	system   string
	hint     string
}

// NewLocator creates a Locator. system is the locality prompt; an empty hint
// uses DefaultLocalityHint.
func NewLocator(c coords.Completer, g Geocoder, system, hint string) *Locator {
	if hint == "" {
		hint = DefaultLocalityHint
	}
	return &Locator{llm: c, geocoder: g, system: system, hint: hint}
}

// Locate resolves location to a point.
func (l *Locator) Locate(ctx context.Context, location string) (coords.Point, error) {
	answer, err := l.llm.Complete(ctx, l.hint+location, llm.CompletionOpts{System: l.system})
	if err != nil {
		return coords.Point{}, eris.Wrap(err, "geo: locality")
	}
	query, err := LocalityQuery(answer)
	if err != nil {
		zap.L().Debug("locality answer rejected",
			zap.String("location", location),
			zap.String("answer", answer))
		return coords.Point{}, err
	}
	return l.geocoder.Geocode(ctx, query)
}

// Region reverse-geocodes p through the geocoder.
func (l *Locator) Region(ctx context.Context, p coords.Point) (string, error) {
	return l.geocoder.Reverse(ctx, p)
}

// LocalityQuery checks that answer has exactly three comma-separated parts
// and returns them as "city, region, country".
func LocalityQuery(answer string) (string, error) {
	parts := strings.Split(strings.TrimSpace(answer), ",")
	if len(parts) != 3 {
		return "", eris.Wrapf(ErrLocality, "%q has %d parts", answer, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return "", eris.Wrapf(ErrLocality, "%q has an empty part", answer)
		}
	}
	return strings.Join(parts, ", "), nil
}
