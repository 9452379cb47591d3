// Package parse turns noisy model output into validated outbreak records.
//
// Each line is expected to hold a location, a year expression and a status.
// Lines that cannot be repaired are dropped; the reason is logged at debug
// level and counted in metrics. Surviving lines are expanded to one row per
// year and geocoded.
package parse

import (
	"strings"
)

// Status is the outbreak status of a record.
type Status int

const (
	StatusNo Status = iota
	StatusYes
	StatusUncertain
)

// ParseStatus accepts "yes", "no" and "uncertain" in any case.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "no":
		return StatusNo, true
	case "yes":
		return StatusYes, true
	case "uncertain":
		return StatusUncertain, true
	}
	return 0, false
}

// Code is the integer written to the output table: no=0, yes=1, uncertain=2.
func (s Status) Code() int {
	return int(s)
}

func (s Status) String() string {
	switch s {
	case StatusNo:
		return "no"
	case StatusYes:
		return "yes"
	case StatusUncertain:
		return "uncertain"
	}
	return "unknown"
}

// RawEventLine is one line of model output split into its three fields.
type RawEventLine struct {
	Location string
	Year     string
	Status   string
}

// OutbreakRecord is one validated (location, year, status) row.
type OutbreakRecord struct {
	Area      string  `json:"area"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Year      int     `json:"year"`
	Status    Status  `json:"status"`
	Source    string  `json:"source,omitempty"`
	FileName  string  `json:"file_name,omitempty"`
	StudyID   string  `json:"study_id,omitempty"`
}

var unknownSynonyms = []string{"unknown", "unspecifi", "not known", "not understood"}

// IsUnknown reports whether a model answer means "unknown".
func IsUnknown(s string) bool {
	s = strings.ToLower(s)
	for _, syn := range unknownSynonyms {
		if strings.Contains(s, syn) {
			return true
		}
	}
	return false
}

// IsYes reports whether a yes/no answer contains "yes".
func IsYes(s string) bool {
	return strings.Contains(strings.ToLower(s), "yes")
}
