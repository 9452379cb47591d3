package ingest

import "strings"

// cleanupPairs are applied in order; later pairs see the output of earlier ones.
var cleanupPairs = [][2]string{
	{" \t", " "},
	{" \n", " "},
	{" '", "'"},
	{"-   ", "-"},
	{"-  ", "-"},
	{"- ", "-"},
	{"  ", " "},
	{" –", "-"},
}

// CleanupText collapses stray whitespace around line breaks, dashes and
// apostrophes left behind by PDF text extraction and model output.
func CleanupText(text string) string {
	for _, p := range cleanupPairs {
		text = strings.ReplaceAll(text, p[0], p[1])
	}
	return text
}

// TrimToReferences drops everything after the last "references" (any case),
// keeping the word itself. Text without one is returned unchanged.
func TrimToReferences(text string) string {
	idx := strings.LastIndex(asciiLower(text), "references")
	if idx < 0 {
		return text
	}
	return text[:idx+len("references")]
}

// asciiLower lowercases ASCII letters only, so byte offsets stay valid.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + 'a' - 'A'
		}
		return r
	}, s)
}
