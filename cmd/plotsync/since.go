package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts an RFC 3339 time, a duration ("36h", read as that long
// ago) or an English expression such as "yesterday" or "last monday".
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand %q as a time", text)
	}
	return r.Time, nil
}
