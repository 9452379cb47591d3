package coords

import (
	"math"
	"testing"

	"github.com/rotisserie/eris"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestToDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"45.5°N", 45.5, false},
		{"45.5°S", -45.5, false},
		{"71.25°W", -71.25, false},
		{"+12°E", 12, false},
		{"45°30'N", 45.5, false},
		{"45°30'15\"N", 45 + 30.0/60 + 15.0/3600, false},
		{"71°15'W", -71.25, false},
		{"48°26′30″S", -(48 + 26.0/60 + 30.0/3600), false},
		{"  47°N ", 47, false},
		{"45°", 45, false},
		{"north", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToDecimal(tt.in)
			if tt.wantErr {
				if !eris.Is(err, ErrInvalid) {
					t.Fatalf("expected ErrInvalid, got %v (value %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !approx(got, tt.want, 1e-9) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("48°25'N, 71°04'W")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(p.Lat, 48+25.0/60, 1e-9) || !approx(p.Lon, -(71+4.0/60), 1e-9) {
		t.Errorf("got %+v", p)
	}

	if _, err := ParsePair("48.4°N"); !eris.Is(err, ErrInvalid) {
		t.Errorf("single component should be invalid, got %v", err)
	}
	if _, err := ParsePair("95°N, 71°W"); !eris.Is(err, ErrInvalid) {
		t.Errorf("latitude above 90 should be invalid, got %v", err)
	}
}

func TestBoundingBoxCentroid(t *testing.T) {
	p, err := BoundingBoxCentroid("45°N-47°N, 70°W-72°W")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Strictly inside the box.
	if p.Lat <= 45 || p.Lat >= 47 || p.Lon <= -72 || p.Lon >= -70 {
		t.Fatalf("centroid %+v outside the box", p)
	}
	// WGS84 geodesic midpoint, not the arithmetic mean (46, -71).
	if !approx(p.Lat, 46.0044, 1e-3) || !approx(p.Lon, -70.9821, 1e-3) {
		t.Errorf("got %+v, want about (46.0044, -70.9821)", p)
	}
	if approx(p.Lon, -71, 0.01) {
		t.Errorf("longitude %v matches the arithmetic mean", p.Lon)
	}
}

func TestBoundingBoxCentroidMixedNotation(t *testing.T) {
	p, err := BoundingBoxCentroid("48°30'N-49.5°N, 72°W-71°30'W")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Lat <= 48.5 || p.Lat >= 49.5 || p.Lon <= -72 || p.Lon >= -71.5 {
		t.Errorf("centroid %+v outside the box", p)
	}
}

func TestBoundingBoxCentroidInvalid(t *testing.T) {
	for _, in := range []string{"45°N, 70°W", "north-south, east-west", ""} {
		if _, err := BoundingBoxCentroid(in); !eris.Is(err, ErrInvalid) {
			t.Errorf("%q: expected ErrInvalid, got %v", in, err)
		}
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		in   string
		want Classification
	}{
		{"bounding box", BoundingBox},
		{"Bounding Box.", BoundingBox},
		{"  degrees/minutes\n", DegreeMinute},
		{"'degrees/minutes/seconds'", DegreeMinuteSecond},
		{"Decimal Degrees", DecimalDegree},
		{"invalid", Invalid},
		{"it looks like decimal degrees", Invalid},
		{"", Invalid},
	}
	for _, tt := range tests {
		if got := ParseClassification(tt.in); got != tt.want {
			t.Errorf("ParseClassification(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassificationString(t *testing.T) {
	for c, label := range classificationLabels {
		if ParseClassification(c.String()) != c {
			t.Errorf("%q does not round-trip", label)
		}
	}
	if Classification(99).String() != "invalid" {
		t.Error("unknown classification should print as invalid")
	}
}

func TestParseDetectsShape(t *testing.T) {
	p, class, err := Parse("46°N-48°N, 70°W-72°W")
	if err != nil || class != BoundingBox {
		t.Fatalf("bounding box: %v, %v", class, err)
	}
	if p.Lat <= 46 || p.Lat >= 48 {
		t.Errorf("centroid %+v", p)
	}

	p, class, err = Parse("48°25'N, 71°04'W")
	if err != nil || class == BoundingBox {
		t.Fatalf("pair: %v, %v", class, err)
	}
	if !approx(p.Lat, 48.4167, 1e-3) || !approx(p.Lon, -71.0667, 1e-3) {
		t.Errorf("pair: %+v", p)
	}

	if _, class, err = Parse("north of the river"); err == nil || class != Invalid {
		t.Errorf("expected invalid, got %v, %v", class, err)
	}
}
