package timeparsing

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// nlpParser is shared across calls; when.Parser is read-only after Add.
var nlpParser = newNLPParser()

func newNLPParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage parses casual English date/time expressions
// ("tomorrow", "next monday", "in 2 hours", "3 days ago") relative to now.
func ParseNaturalLanguage(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	r, err := nlpParser.Parse(input, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", input, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("not a recognized time expression: %q", input)
	}
	return r.Time, nil
}

// ParseRelativeTime resolves a time expression by trying each layer in order:
// compact duration, absolute date or timestamp, then natural language.
// Earlier layers win so that "+1d" is always arithmetic and "2025-01-20" is
// always local midnight of that date.
func ParseRelativeTime(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if IsCompactDuration(input) {
		return ParseCompactDuration(input, now)
	}

	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}

	if t, err := ParseNaturalLanguage(input, now); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time expression: %q", input)
}
