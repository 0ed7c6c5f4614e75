package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the Eisenhower quadrant a task currently occupies.
type Priority string

// Quadrant constants. Unclassified is both the default for new tasks and a
// valid resting state.
const (
	PriorityUrgent       Priority = "urgent"
	PriorityImportant    Priority = "important"
	PriorityDelegate     Priority = "delegate"
	PriorityEliminate    Priority = "eliminate"
	PriorityUnclassified Priority = "unclassified"
)

// AllPriorities lists every bucket in display order.
var AllPriorities = []Priority{
	PriorityUrgent,
	PriorityImportant,
	PriorityDelegate,
	PriorityEliminate,
	PriorityUnclassified,
}

// Valid reports whether p is one of the five known buckets.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityImportant, PriorityDelegate,
		PriorityEliminate, PriorityUnclassified:
		return true
	}
	return false
}

// Classified reports whether p is one of the four quadrants.
func (p Priority) Classified() bool {
	return p.Valid() && p != PriorityUnclassified
}

// ParsePriority normalizes s into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// ImageRef is the lightweight reference a task keeps for each attached image.
// The payload itself lives in the attachment repository.
type ImageRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Task is a single item on the matrix.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	ProjectID   string     `json:"projectId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Completed   bool       `json:"completed,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (t Task) Clone() Task {
	c := t
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.Images != nil {
		c.Images = append([]ImageRef(nil), t.Images...)
	}
	return c
}

// Status filter values.
const (
	StatusAll       = "all"
	StatusCompleted = "completed"
	StatusPending   = "pending"
)

// PriorityAll matches every bucket in a TaskFilter.
const PriorityAll Priority = "all"

// TaskFilter is a read-side projection over the task collection.
type TaskFilter struct {
	Priority  Priority `json:"priority"`
	Status    string   `json:"status"`
	ProjectID string   `json:"projectId,omitempty"`
}

// DefaultTaskFilter matches every task.
func DefaultTaskFilter() TaskFilter {
	return TaskFilter{Priority: PriorityAll, Status: StatusAll}
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.Priority != "" && f.Priority != PriorityAll && t.Priority != f.Priority {
		return false
	}
	switch f.Status {
	case StatusCompleted:
		if !t.Completed {
			return false
		}
	case StatusPending:
		if t.Completed {
			return false
		}
	}
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	return true
}

// Stats is derived from the task collection on every read.
type Stats struct {
	TotalTasks          int              `json:"totalTasks"`
	CompletedTasks      int              `json:"completedTasks"`
	ByPriority          map[Priority]int `json:"byPriority"`
	CompletedByPriority map[Priority]int `json:"completedByPriority"`
}

// ComputeStats counts tasks per bucket. All five buckets are always present.
func ComputeStats(tasks []Task) Stats {
	s := Stats{
		ByPriority:          make(map[Priority]int, len(AllPriorities)),
		CompletedByPriority: make(map[Priority]int, len(AllPriorities)),
	}
	for _, p := range AllPriorities {
		s.ByPriority[p] = 0
		s.CompletedByPriority[p] = 0
	}

	for _, t := range tasks {
		p := t.Priority
		if !p.Valid() {
			p = PriorityUnclassified
		}
		s.TotalTasks++
		s.ByPriority[p]++
		if t.Completed {
			s.CompletedTasks++
			s.CompletedByPriority[p]++
		}
	}
	return s
}
