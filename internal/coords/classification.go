package coords

import "strings"

// Classification is the format of a raw coordinate string.
type Classification int

const (
	Invalid Classification = iota
	BoundingBox
	DegreeMinute
	DegreeMinuteSecond
	DecimalDegree
)

var classificationLabels = map[Classification]string{
	Invalid:            "invalid",
	BoundingBox:        "bounding box",
	DegreeMinute:       "degrees/minutes",
	DegreeMinuteSecond: "degrees/minutes/seconds",
	DecimalDegree:      "decimal degrees",
}

// String returns the label the classifier prompt asks the model to answer with.
func (c Classification) String() string {
	if s, ok := classificationLabels[c]; ok {
		return s
	}
	return "invalid"
}

// ParseClassification maps a classifier answer onto a Classification.
// Case, surrounding whitespace, quotes and a trailing period are ignored.
// Anything that is not exactly one of the labels is Invalid.
func ParseClassification(answer string) Classification {
	s := strings.ToLower(strings.TrimSpace(answer))
	s = strings.Trim(s, `"'.`)
	s = strings.TrimSpace(s)
	for c, label := range classificationLabels {
		if s == label {
			return c
		}
	}
	return Invalid
}
