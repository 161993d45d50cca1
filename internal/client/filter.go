package client

import (
	"strings"

	"github.com/assessd/crewrelay/internal/event"
)

// Filter narrows the display buffer. All set fields must match (AND);
// Search is a case-insensitive substring match over message, agent name,
// and tool name.
type Filter struct {
	AgentName string
	ToolName  string
	Status    event.Status
	Search    string
}

func (f Filter) IsZero() bool {
	return f == Filter{}
}

func (f Filter) Matches(e event.Event) bool {
	if f.AgentName != "" && e.AgentName() != f.AgentName {
		return false
	}
	if f.ToolName != "" && e.ToolName() != f.ToolName {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(e.Message), needle) &&
			!strings.Contains(strings.ToLower(e.AgentName()), needle) &&
			!strings.Contains(strings.ToLower(e.ToolName()), needle) {
			return false
		}
	}
	return true
}

func applyFilter(items []event.Event, f Filter) []event.Event {
	if f.IsZero() {
		return items
	}
	out := make([]event.Event, 0, len(items))
	for _, e := range items {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
