package ingest

import (
	"html"
	"regexp"
	"strings"
)

// Safe-text fields are HTML-escaped and length-capped before hitting the
// stream; everything else only loses surrounding whitespace and control
// characters.
var safeTextFields = map[string]bool{
	"location":          true,
	"merchant_category": true,
}

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)

const safeTextMax = 255

func sanitizeString(s string) string {
	return controlChars.ReplaceAllString(strings.TrimSpace(s), "")
}

func sanitizeField(name, value string) string {
	v := sanitizeString(value)
	if safeTextFields[name] {
		v = html.EscapeString(v)
		if len(v) > safeTextMax {
			v = v[:safeTextMax]
		}
	}
	return v
}
