package engine

import "strings"

// Event identifies the inbound trigger a run was invoked for.
//
// Events gate which checks are eligible (via CheckConfig.On) and which
// dependency edges survive planning. A check with an empty On set runs for
// any event.
type Event string

// Standard event triggers. Providers may define additional ones; the engine
// treats events as opaque strings beyond the PR-class prefix convention.
const (
	EventPROpened     Event = "pr_opened"
	EventPRUpdated    Event = "pr_updated"
	EventPRClosed     Event = "pr_closed"
	EventIssueOpened  Event = "issue_opened"
	EventIssueComment Event = "issue_comment"
	EventManual       Event = "manual"
	EventSchedule     Event = "schedule"
)

// IsPRClass reports whether the event targets a pull request thread.
// Routing uses this to decide when an issue context needs elevation to a
// PR diff context before an overridden-event run.
func (e Event) IsPRClass() bool {
	return strings.HasPrefix(string(e), "pr_")
}

// IsIssueClass reports whether the event targets an issue thread.
func (e Event) IsIssueClass() bool {
	return strings.HasPrefix(string(e), "issue_")
}

// eventMatches reports whether a check or dependency with the given trigger
// set is eligible for the event. An empty set means "any event".
func eventMatches(on []string, event Event) bool {
	if len(on) == 0 {
		return true
	}
	for _, o := range on {
		if Event(o) == event {
			return true
		}
	}
	return false
}
