package domain

import (
	"sort"
	"time"
)

// DefaultWorkingHoursPerDay is the number of tasks scheduled per day when unset.
const DefaultWorkingHoursPerDay = 8

// ScheduleOptions tunes GenerateSchedule.
type ScheduleOptions struct {
	// WorkingHoursPerDay is the per-day capacity, one task per hour.
	WorkingHoursPerDay int
	// Now anchors the schedule. Zero means time.Now, read once per call.
	Now time.Time
}

// GenerateSchedule proposes deadlines in descending priority order. The
// returned tasks are copies; the input slice is not modified. Equal
// priorities keep their input order.
func GenerateSchedule(tasks []Task, opts ScheduleOptions) []Task {
	perDay := opts.WorkingHoursPerDay
	if perDay <= 0 {
		perDay = DefaultWorkingHoursPerDay
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	sorted := make([]Task, len(tasks))
	for i, t := range tasks {
		sorted[i] = t.Clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority.Score() > sorted[j].Priority.Score()
	})

	for i := range sorted {
		deadline := now.AddDate(0, 0, i/perDay)
		sorted[i].Deadline = &deadline
	}
	return sorted
}
