package domain

import (
	"math"
	"time"
)

// CompletionMetrics summarises progress over a task snapshot.
type CompletionMetrics struct {
	// CompletionRate is a percentage. It is NaN for an empty snapshot.
	CompletionRate float64 `json:"completionRate"`
	// AverageCompletionTime is the mean UpdatedAt-CreatedAt of completed tasks, in milliseconds.
	AverageCompletionTime float64 `json:"averageCompletionTime"`
	OverdueTasks          []Task  `json:"overdueTasks"`
}

// PriorityDistribution is a histogram over task priority.
type PriorityDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total sums the histogram.
func (d PriorityDistribution) Total() int { return d.High + d.Medium + d.Low }

// DueDate returns the deadline of a task, falling back to its end date.
func DueDate(t Task) *time.Time {
	if t.Deadline != nil {
		return t.Deadline
	}
	return t.EndDate
}

// ComputeMetrics derives completion statistics from tasks as of now.
func ComputeMetrics(tasks []Task, now time.Time) CompletionMetrics {
	var completed int
	var totalMillis float64
	overdue := []Task{}
	for _, t := range tasks {
		if t.Completed {
			completed++
			totalMillis += float64(t.UpdatedAt.Sub(t.CreatedAt)) / float64(time.Millisecond)
			continue
		}
		if due := DueDate(t); due != nil && due.Before(now) {
			overdue = append(overdue, t.Clone())
		}
	}

	m := CompletionMetrics{OverdueTasks: overdue}
	if len(tasks) == 0 {
		m.CompletionRate = math.NaN()
	} else {
		m.CompletionRate = float64(completed) / float64(len(tasks)) * 100
	}
	if completed > 0 {
		m.AverageCompletionTime = totalMillis / float64(completed)
	}
	return m
}

// DistributionByPriority counts tasks per priority.
func DistributionByPriority(tasks []Task) PriorityDistribution {
	var d PriorityDistribution
	for _, t := range tasks {
		switch t.Priority {
		case PriorityHigh:
			d.High++
		case PriorityMedium:
			d.Medium++
		case PriorityLow:
			d.Low++
		}
	}
	return d
}

// Bucket is the calendar classification of a task.
type Bucket string

const (
	BucketToday       Bucket = "today"
	BucketUpcoming    Bucket = "upcoming"
	BucketOverdue     Bucket = "overdue"
	BucketPast        Bucket = "past"
	BucketUnscheduled Bucket = "unscheduled"
)

// Classify places a task relative to the day containing now.
func Classify(t Task, now time.Time) Bucket {
	if !t.Completed {
		if due := DueDate(t); due != nil && due.Before(now) {
			return BucketOverdue
		}
	}
	start, end := t.StartDate, t.EndDate
	if start == nil {
		start = end
	}
	if end == nil {
		end = start
	}
	if start == nil {
		if t.Deadline == nil {
			return BucketUnscheduled
		}
		start, end = t.Deadline, t.Deadline
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	switch {
	case !start.Before(dayEnd):
		return BucketUpcoming
	case end.Before(dayStart):
		return BucketPast
	default:
		return BucketToday
	}
}

// FilterByBucket keeps the tasks classified into b.
func FilterByBucket(tasks []Task, b Bucket, now time.Time) []Task {
	out := []Task{}
	for _, t := range tasks {
		if Classify(t, now) == b {
			out = append(out, t.Clone())
		}
	}
	return out
}
