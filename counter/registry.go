package counter

import "maps"

// Post statuses with a counter of their own.
const (
	StatusCompleted = "COMPLETED"
	StatusArchived  = "ARCHIVED"
	StatusDeleting  = "DELETING"
)

// StatusTable maps countable statuses to the counter that tracks them.
// Statuses missing from the table are not counted. Adding a countable status
// is a new entry, not new code.
type StatusTable struct {
	counters map[string]string
}

// NewStatusTable creates a table from status → counter name entries.
func NewStatusTable(entries map[string]string) StatusTable {
	return StatusTable{counters: maps.Clone(entries)}
}

// PostStatuses is the table for post statuses.
func PostStatuses() StatusTable {
	return NewStatusTable(map[string]string{
		StatusCompleted: "postCount",
		StatusArchived:  "postArchivedCount",
		StatusDeleting:  "postDeletedCount",
	})
}

// Counter returns the counter for status.
func (t StatusTable) Counter(status string) (string, bool) {
	c, ok := t.counters[status]
	return c, ok
}

// Transition returns the counters to increment and decrement when an entity
// moves from oldStatus to newStatus. Either may be empty; both are empty when
// the status did not change.
func (t StatusTable) Transition(oldStatus, newStatus string) (increment, decrement string) {
	if oldStatus == newStatus {
		return "", ""
	}
	increment, _ = t.Counter(newStatus)
	decrement, _ = t.Counter(oldStatus)
	return increment, decrement
}

// Len returns the number of countable statuses.
func (t StatusTable) Len() int {
	return len(t.counters)
}
