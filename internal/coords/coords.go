// Package coords converts coordinate strings found in papers into decimal degrees.
//
// Components may be written in decimal degrees ("45.5°N") or degrees with
// optional minutes and seconds ("45°30'15\"N"). Southern and western
// hemispheres are negative. A bounding box ("lat1-lat2, lon1-lon2") resolves
// to the midpoint of the WGS84 geodesic between its two corners.
package coords

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/geodesic"
)

// Point is a WGS84 latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) String() string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + ", " + strconv.FormatFloat(p.Lon, 'f', 6, 64)
}

// ErrInvalid is returned when a string holds no usable coordinate.
var ErrInvalid = eris.New("coords: invalid coordinate")

var (
	ddPattern   = regexp.MustCompile(`^([-+]?[0-9]*\.?[0-9]+)°([NSWE])`)
	dmsPattern  = regexp.MustCompile(`^(\d+)°(\d+)?['′]?(?:([0-9.]+)?["″]?)?([NSWE])?`)
	pairPattern = regexp.MustCompile(`^(.+),\s*(.+)$`)
	bboxPattern = regexp.MustCompile(`^(.+?)-(.+?),\s*(.+?)-(.+)$`)
	digits      = regexp.MustCompile(`[0-9]`)
)

// HasDigits reports whether s contains any decimal digit.
func HasDigits(s string) bool {
	return digits.MatchString(s)
}

// ToDecimal converts a single component to signed decimal degrees.
// Decimal-degree notation is tried first, then degrees/minutes/seconds.
func ToDecimal(component string) (float64, error) {
	s := strings.TrimSpace(component)

	if m := ddPattern.FindStringSubmatch(s); m != nil {
		dd, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, eris.Wrapf(ErrInvalid, "decimal degrees %q", component)
		}
		if m[2] == "S" || m[2] == "W" {
			dd = -dd
		}
		return dd, nil
	}

	m := dmsPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, eris.Wrapf(ErrInvalid, "unrecognized component %q", component)
	}
	deg, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, eris.Wrapf(ErrInvalid, "degrees in %q", component)
	}
	var min, sec float64
	if m[2] != "" {
		if min, err = strconv.ParseFloat(m[2], 64); err != nil {
			return 0, eris.Wrapf(ErrInvalid, "minutes in %q", component)
		}
	}
	if m[3] != "" {
		if sec, err = strconv.ParseFloat(m[3], 64); err != nil {
			return 0, eris.Wrapf(ErrInvalid, "seconds in %q", component)
		}
	}
	dd := deg + min/60 + sec/3600
	if m[4] == "S" || m[4] == "W" {
		dd = -dd
	}
	return dd, nil
}

// ParsePair parses "lat, lon" where each side is DD or DMS.
func ParsePair(s string) (Point, error) {
	m := pairPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Point{}, eris.Wrapf(ErrInvalid, "expected \"lat, lon\", got %q", s)
	}
	lat, err := ToDecimal(m[1])
	if err != nil {
		return Point{}, err
	}
	lon, err := ToDecimal(m[2])
	if err != nil {
		return Point{}, err
	}
	return checkRange(Point{Lat: lat, Lon: lon})
}

// BoundingBoxCentroid parses "lat1-lat2, lon1-lon2" and returns the midpoint
// of the WGS84 geodesic from (lat1, lon1) to (lat2, lon2).
func BoundingBoxCentroid(s string) (Point, error) {
	m := bboxPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Point{}, eris.Wrapf(ErrInvalid, "expected \"lat1-lat2, lon1-lon2\", got %q", s)
	}
	var corners [4]float64
	for i := range corners {
		v, err := ToDecimal(m[i+1])
		if err != nil {
			return Point{}, err
		}
		corners[i] = v
	}
	a, err := checkRange(Point{Lat: corners[0], Lon: corners[2]})
	if err != nil {
		return Point{}, err
	}
	b, err := checkRange(Point{Lat: corners[1], Lon: corners[3]})
	if err != nil {
		return Point{}, err
	}
	return GeodesicMidpoint(a, b), nil
}

// Parse reads a normalized pair or bounding box, reporting which it found.
// A bounding box resolves to its centroid. The box is tried first since the
// pair parser would read "46°N-48°N" as 46°N.
func Parse(s string) (Point, Classification, error) {
	if p, err := BoundingBoxCentroid(s); err == nil {
		return p, BoundingBox, nil
	}
	p, err := ParsePair(s)
	if err != nil {
		return Point{}, Invalid, err
	}
	return p, DecimalDegree, nil
}

// GeodesicMidpoint returns the point halfway along the WGS84 geodesic from a to b.
func GeodesicMidpoint(a, b Point) Point {
	var s12, azi1 float64
	geodesic.WGS84.Inverse(a.Lat, a.Lon, b.Lat, b.Lon, &s12, &azi1, nil)
	var lat, lon float64
	geodesic.WGS84.Direct(a.Lat, a.Lon, azi1, s12/2, &lat, &lon, nil)
	return Point{Lat: lat, Lon: lon}
}

func checkRange(p Point) (Point, error) {
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return Point{}, eris.Wrapf(ErrInvalid, "out of range: %v, %v", p.Lat, p.Lon)
	}
	return p, nil
}
