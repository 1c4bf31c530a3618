package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DefaultTaskTitle replaces blank titles on creation.
const DefaultTaskTitle = "Untitled task"

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Score is used for priority ordering. Unknown priorities rank as low.
func (p Priority) Score() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Task represents a single unit of trackable work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Completed   bool       `json:"completed"`
	Labels      []string   `json:"labels"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	DocumentID  string     `json:"documentId,omitempty"`
	ColumnID    string     `json:"columnId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers can never alias store-owned slices or dates.
func (t Task) Clone() Task {
	out := t
	if t.Labels != nil {
		out.Labels = append([]string(nil), t.Labels...)
	}
	out.StartDate = cloneTime(t.StartDate)
	out.EndDate = cloneTime(t.EndDate)
	out.Deadline = cloneTime(t.Deadline)
	return out
}

// TaskPatch carries a shallow-merge update. Nil fields are left unchanged.
// Date fields hold raw strings the way a client submits them; an empty
// string clears the date.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
	StartDate   *string   `json:"startDate,omitempty"`
	EndDate     *string   `json:"endDate,omitempty"`
	Deadline    *string   `json:"deadline,omitempty"`
	DocumentID  *string   `json:"documentId,omitempty"`
	ColumnID    *string   `json:"columnId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Completed == nil &&
		p.Labels == nil && p.StartDate == nil && p.EndDate == nil && p.Deadline == nil &&
		p.DocumentID == nil && p.ColumnID == nil
}

// Apply merges the patch into a copy of t. UpdatedAt is left to the caller.
func (p TaskPatch) Apply(t Task) (Task, error) {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Completed != nil {
		out.Completed = *p.Completed
	}
	if p.Labels != nil {
		out.Labels = append([]string{}, (*p.Labels)...)
	}
	if p.DocumentID != nil {
		out.DocumentID = *p.DocumentID
	}
	if p.ColumnID != nil {
		out.ColumnID = *p.ColumnID
	}
	var err error
	if p.StartDate != nil {
		if out.StartDate, err = ParseDate(*p.StartDate); err != nil {
			return Task{}, fmt.Errorf("startDate: %w", err)
		}
	}
	if p.EndDate != nil {
		if out.EndDate, err = ParseDate(*p.EndDate); err != nil {
			return Task{}, fmt.Errorf("endDate: %w", err)
		}
	}
	if p.Deadline != nil {
		if out.Deadline, err = ParseDate(*p.Deadline); err != nil {
			return Task{}, fmt.Errorf("deadline: %w", err)
		}
	}
	return out, nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDate parses an ISO-8601 timestamp or calendar date. Blank input yields nil.
func ParseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", raw)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
