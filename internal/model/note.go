package model

import "time"

// TimestampLayout is the ISO-8601 layout used for note timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Note is a Markdown document scoped to a project. Timestamps are kept as
// ISO-8601 strings so they survive any serializer unchanged.
type Note struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId,omitempty"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// FormatTimestamp renders t in TimestampLayout, in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout as well as plain RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// RenderResult is the two-shape contract of the Markdown render action.
// Exactly one of HTML or Error is set.
type RenderResult struct {
	HTML    string `json:"html,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// OK reports whether rendering succeeded.
func (r RenderResult) OK() bool { return r.Error == "" }
