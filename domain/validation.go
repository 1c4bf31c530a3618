package domain

import (
	"fmt"
	"time"
)

// ValidationResult is the outcome of checking a proposed mutation.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

func validResult() ValidationResult { return ValidationResult{Valid: true} }

func invalidResult(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// Err converts a failed result into a *ValidationError.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Message: r.Message}
}

// ValidateDeadline checks that every date field supplied by the patch parses.
func ValidateDeadline(p TaskPatch) ValidationResult {
	fields := []struct {
		name string
		raw  *string
	}{
		{"startDate", p.StartDate},
		{"endDate", p.EndDate},
		{"deadline", p.Deadline},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		if _, err := ParseDate(*f.raw); err != nil {
			return invalidResult("invalid %s: %q is not a valid date", f.name, *f.raw)
		}
	}
	return validResult()
}

// ValidatePatch runs every field-level check on a patch.
func ValidatePatch(p TaskPatch) ValidationResult {
	if p.Priority != nil && !p.Priority.Valid() {
		return invalidResult("invalid priority %q", *p.Priority)
	}
	return ValidateDeadline(p)
}

// ValidateInterval rejects a schedule whose start falls after its end.
func ValidateInterval(start, end *time.Time) ValidationResult {
	if start != nil && end != nil && start.After(*end) {
		return invalidResult("start date %s is after end date %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return validResult()
}

// ValidateColumnTransition checks a move against the default workflow.
func ValidateColumnTransition(currentColumnID, newColumnID string) ValidationResult {
	return DefaultWorkflow.Validate(currentColumnID, newColumnID)
}

// TransitionPolicy decides whether a task may move between two columns.
type TransitionPolicy interface {
	Validate(from, to string) ValidationResult
}

// TransitionGraph maps a column id to the column ids reachable from it.
type TransitionGraph map[string][]string

// DefaultWorkflow is the allow-list for the default board template.
var DefaultWorkflow = TransitionGraph{
	ColumnTodo:       {ColumnInProgress},
	ColumnInProgress: {ColumnTodo, ColumnDone},
	ColumnDone:       {ColumnInProgress},
}

// Clone deep-copies the graph. A nil graph stays nil.
func (g TransitionGraph) Clone() TransitionGraph {
	if g == nil {
		return nil
	}
	out := make(TransitionGraph, len(g))
	for from, to := range g {
		out[from] = append([]string(nil), to...)
	}
	return out
}

// Allows reports whether from -> to is an edge of the graph.
func (g TransitionGraph) Allows(from, to string) bool {
	for _, next := range g[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate implements TransitionPolicy.
func (g TransitionGraph) Validate(from, to string) ValidationResult {
	if _, ok := g[from]; !ok {
		return invalidResult("invalid transition: unknown column %q", from)
	}
	if !g.Allows(from, to) {
		return invalidResult("invalid transition from %q to %q", from, to)
	}
	return validResult()
}

type allowAll struct{}

func (allowAll) Validate(from, to string) ValidationResult {
	if from == to {
		return invalidResult("task is already in column %q", to)
	}
	return validResult()
}

// AllowAll permits any move between two distinct columns.
var AllowAll TransitionPolicy = allowAll{}
