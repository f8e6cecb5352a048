package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/fieldops/fieldsync/internal/schema"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts a YYYY-MM-DD date or a phrase like "tomorrow" or
// "next friday", resolved relative to now.
func parseDate(phrase string, now time.Time) (string, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return "", fmt.Errorf("date cannot be empty")
	}
	if _, err := schema.ParseDate(phrase); err == nil {
		return phrase, nil
	}

	r, err := dateParser.Parse(phrase, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", phrase, err)
	}
	if r == nil {
		return "", fmt.Errorf("could not understand date %q (use YYYY-MM-DD or a phrase like \"next monday\")", phrase)
	}
	return r.Time.Format(schema.DateLayout), nil
}
