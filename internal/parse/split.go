package parse

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// ErrUnclosedQuote is returned by SplitQuoted for a quote that never closes.
var ErrUnclosedQuote = eris.New("parse: unclosed quote")

// SplitQuoted splits a line into fields on whitespace and commas.
//
// Text inside double quotes is one field with the quotes removed; a
// backslash inside double quotes escapes the next quote or backslash.
// A single quote opens a quoted field only at the start of a field, so
// apostrophes inside words ("st. john's") stay literal. Hyphens never split.
func SplitQuoted(line string) ([]string, error) {
	var (
		fields  []string
		cur     strings.Builder
		inField bool
		quote   rune
	)
	runes := []rune(line)
	flush := func() {
		if inField {
			fields = append(fields, cur.String())
			cur.Reset()
			inField = false
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case r == quote:
				quote = 0
			case r == '\\' && quote == '"' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\'):
				i++
				cur.WriteRune(runes[i])
			default:
				cur.WriteRune(r)
			}
			continue
		}

		switch {
		case r == ',' || unicode.IsSpace(r):
			flush()
		case r == '"':
			quote = r
			inField = true
		case r == '\'' && cur.Len() == 0:
			quote = r
			inField = true
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, eris.Wrapf(ErrUnclosedQuote, "line %q", line)
	}
	flush()
	return fields, nil
}

// CanonicalLine rewrites a model output line into `"location", "year", "status"`.
//
// The line is lowercased. When splitting yields more than three fields, every
// field before the last two is joined with spaces into the location, which is
// how an unquoted location containing commas or spaces is recovered. Lines
// with three or fewer fields are returned lowercased and otherwise unchanged.
func CanonicalLine(line string) (string, error) {
	line = strings.ToLower(strings.TrimSpace(line))
	fields, err := SplitQuoted(line)
	if err != nil {
		return "", err
	}
	if len(fields) <= 3 {
		return line, nil
	}
	n := len(fields)
	location := make([]string, 0, n-2)
	for _, f := range fields[:n-2] {
		if f = strings.TrimSpace(f); f != "" {
			location = append(location, f)
		}
	}
	return quoteFields(strings.Join(location, " "), fields[n-2], fields[n-1]), nil
}

func quoteFields(fields ...string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, `\`, `\\`)
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `\"`) + `"`
	}
	return strings.Join(quoted, ", ")
}
