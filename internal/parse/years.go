package parse

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// Year rules applied to extracted outbreak years.
const (
	// BPReference is the calendar year that "before present" counts back from.
	BPReference = 1950
	// DefaultMaxSpan is the widest range, in years, that is expanded.
	DefaultMaxSpan = 60
	// DefaultLatestStart is the latest first year a range may have.
	DefaultLatestStart = 2022
	// DefaultLatestYear is the latest year any row may carry.
	DefaultLatestYear = 2023
	// DefaultEarliestYear is the floor for converted and literal years.
	// Calibrated years that land before 1 AD are rejected.
	DefaultEarliestYear = 1
)

// ErrYear is returned for a year expression that is rejected.
var ErrYear = eris.New("parse: rejected year")

// YearRules bounds the years a record may carry.
type YearRules struct {
	MaxSpan      int
	LatestStart  int
	LatestYear   int
	EarliestYear int
}

// DefaultYearRules returns the built-in bounds.
func DefaultYearRules() YearRules {
	return YearRules{
		MaxSpan:      DefaultMaxSpan,
		LatestStart:  DefaultLatestStart,
		LatestYear:   DefaultLatestYear,
		EarliestYear: DefaultEarliestYear,
	}
}

func (r YearRules) withDefaults() YearRules {
	d := DefaultYearRules()
	if r.MaxSpan <= 0 {
		r.MaxSpan = d.MaxSpan
	}
	if r.LatestStart == 0 {
		r.LatestStart = d.LatestStart
	}
	if r.LatestYear == 0 {
		r.LatestYear = d.LatestYear
	}
	if r.EarliestYear < d.EarliestYear {
		r.EarliestYear = d.EarliestYear
	}
	return r
}

// YearKind says how a year expression is shaped.
type YearKind int

const (
	SingleYear YearKind = iota
	ClosedRange         // "1945-1948"
	OpenRange           // "1945-", ends at the publication year
)

// YearExpr is a validated year field.
type YearExpr struct {
	Kind  YearKind
	First int
	Last  int // zero for SingleYear and OpenRange
}

var bpPattern = regexp.MustCompile(`^(\d+)calyrbp`)

// CleanYear lowercases a year field and strips "ca." and every "s",
// so "ca. 1970s" becomes "1970".
func CleanYear(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "ca.", "")
	s = strings.ReplaceAll(s, "s", "")
	return strings.TrimSpace(s)
}

// BPToCalendarYear converts "<n> cal yr BP" to a calendar year, 1950 - n.
// Years before 1 AD come back negative; Expand rejects them.
func BPToCalendarYear(s string) (int, error) {
	compact := strings.ToLower(strings.ReplaceAll(s, " ", ""))
	m := bpPattern.FindStringSubmatch(compact)
	if m == nil {
		return 0, eris.Wrapf(ErrYear, "not a calibrated BP year: %q", s)
	}
	bp, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, eris.Wrapf(ErrYear, "calibrated BP value %q", m[1])
	}
	return BPReference - bp, nil
}

func isCalibrated(s string) bool {
	return strings.Contains(strings.ToLower(s), "cal")
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseYearExpr validates a cleaned year field.
//
// Accepted shapes are "YYYY", "YYYY-" and "YYYY-YYYY", plus calibrated BP
// expressions on either or both sides of a single hyphen. Calibrated BP
// years are converted before the shape is decided.
func ParseYearExpr(year string) (YearExpr, error) {
	year = strings.TrimSpace(year)
	if isCalibrated(year) {
		return parseCalibrated(year)
	}
	if hasLetter(year) {
		return YearExpr{}, eris.Wrapf(ErrYear, "alphabetic year %q", year)
	}

	switch len(year) {
	case 4:
		if !allDigits(year) {
			return YearExpr{}, eris.Wrapf(ErrYear, "non-numeric year %q", year)
		}
		y, _ := strconv.Atoi(year)
		return YearExpr{Kind: SingleYear, First: y}, nil
	case 5:
		if year[4] != '-' || !allDigits(year[:4]) {
			return YearExpr{}, eris.Wrapf(ErrYear, "malformed open range %q", year)
		}
		y, _ := strconv.Atoi(year[:4])
		return YearExpr{Kind: OpenRange, First: y}, nil
	case 9:
		if year[4] != '-' || !allDigits(year[:4]) || !allDigits(year[5:]) {
			return YearExpr{}, eris.Wrapf(ErrYear, "malformed range %q", year)
		}
		first, _ := strconv.Atoi(year[:4])
		last, _ := strconv.Atoi(year[5:])
		return YearExpr{Kind: ClosedRange, First: first, Last: last}, nil
	default:
		return YearExpr{}, eris.Wrapf(ErrYear, "unexpected year length %q", year)
	}
}

func parseCalibrated(year string) (YearExpr, error) {
	parts := strings.Split(year, "-")
	switch len(parts) {
	case 1:
		y, err := BPToCalendarYear(year)
		if err != nil {
			return YearExpr{}, err
		}
		return YearExpr{Kind: SingleYear, First: y}, nil
	case 2:
		var bounds [2]int
		for i, part := range parts {
			part = strings.TrimSpace(part)
			var err error
			if isCalibrated(part) {
				bounds[i], err = BPToCalendarYear(part)
			} else if allDigits(part) {
				bounds[i], err = strconv.Atoi(part)
			} else {
				err = eris.Wrapf(ErrYear, "non-numeric bound %q", part)
			}
			if err != nil {
				return YearExpr{}, err
			}
		}
		return YearExpr{Kind: ClosedRange, First: bounds[0], Last: bounds[1]}, nil
	default:
		return YearExpr{}, eris.Wrapf(ErrYear, "too many hyphens in %q", year)
	}
}

// Expand returns every year the expression covers, or ErrYear when the
// expression falls outside the rules. publishYear is zero when unknown.
//
// A range must run forward, span at most MaxSpan years, start no later than
// LatestStart and end no later than LatestYear; with a publication year it
// must also start before and end no later than that year. An open range ends
// at the publication year and is rejected when there is none. A single year
// must not be later than the publication year, or LatestYear without one.
func (e YearExpr) Expand(publishYear int, rules YearRules) ([]int, error) {
	rules = rules.withDefaults()

	switch e.Kind {
	case SingleYear:
		limit := rules.LatestYear
		if publishYear != 0 {
			limit = publishYear
		}
		if e.First > limit {
			return nil, eris.Wrapf(ErrYear, "%d is after %d", e.First, limit)
		}
		if e.First < rules.EarliestYear {
			return nil, eris.Wrapf(ErrYear, "%d is before %d", e.First, rules.EarliestYear)
		}
		return []int{e.First}, nil

	case OpenRange:
		if publishYear == 0 {
			return nil, eris.Wrapf(ErrYear, "open range from %d without a publication year", e.First)
		}
		return expandRange(e.First, publishYear, publishYear, rules)

	case ClosedRange:
		return expandRange(e.First, e.Last, publishYear, rules)
	}
	return nil, eris.Wrapf(ErrYear, "unknown year kind %d", e.Kind)
}

func expandRange(first, last, publishYear int, rules YearRules) ([]int, error) {
	switch {
	case first >= last:
		return nil, eris.Wrapf(ErrYear, "range %d-%d does not run forward", first, last)
	case last-first > rules.MaxSpan:
		return nil, eris.Wrapf(ErrYear, "range %d-%d spans more than %d years", first, last, rules.MaxSpan)
	case first > rules.LatestStart || last > rules.LatestYear:
		return nil, eris.Wrapf(ErrYear, "range %d-%d is too recent", first, last)
	case first < rules.EarliestYear:
		return nil, eris.Wrapf(ErrYear, "range %d-%d starts before %d", first, last, rules.EarliestYear)
	case publishYear != 0 && (first > publishYear-1 || last > publishYear):
		return nil, eris.Wrapf(ErrYear, "range %d-%d is not before publication in %d", first, last, publishYear)
	}
	years := make([]int, 0, last-first+1)
	for y := first; y <= last; y++ {
		years = append(years, y)
	}
	return years, nil
}

// ExpandYears cleans, validates and expands a raw year field.
func ExpandYears(year string, publishYear int, rules YearRules) ([]int, error) {
	expr, err := ParseYearExpr(CleanYear(year))
	if err != nil {
		return nil, err
	}
	return expr.Expand(publishYear, rules)
}
