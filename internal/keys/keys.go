// Package keys builds the structured key strings shared by every record kind
// in the single table.
package keys

import (
	"strings"
	"time"
)

// Sep separates a record kind from its id ("chat/<id>", "member/<ts>").
const Sep = "/"

// TimeLayout is fixed width so lexical order of formatted timestamps matches
// chronological order inside secondary-index sort keys.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Join returns "<kind>/<id>".
func Join(kind, id string) string {
	return kind + Sep + id
}

// Prefix returns "<kind>/", suitable for begins_with filters.
func Prefix(kind string) string {
	return kind + Sep
}

// Trim strips the "<kind>/" prefix from key. ok is false when key has a
// different kind.
func Trim(kind, key string) (id string, ok bool) {
	return strings.CutPrefix(key, Prefix(kind))
}

// Timestamp formats t in UTC using TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// At returns "<kind>/<timestamp>".
func At(kind string, t time.Time) string {
	return Join(kind, Timestamp(t))
}

// ParseTimestamp parses a value produced by Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
