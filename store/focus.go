package store

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultFocusDuration is one pomodoro.
const DefaultFocusDuration = 25 * time.Minute

const focusSubscriberID = "focus"

// FocusSession is the task a pomodoro timer is running against.
type FocusSession struct {
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	StartedAt time.Time `json:"startedAt"`
	EndsAt    time.Time `json:"endsAt"`
}

// Remaining is the time left at now, never negative.
func (f FocusSession) Remaining(now time.Time) time.Duration {
	if d := f.EndsAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Focus tracks the active-task pointer of the pomodoro timer. The pointer
// clears itself when its task is deleted.
type Focus struct {
	mu      sync.Mutex
	current *FocusSession

	tasks  *TaskStore
	logger *log.Logger
	now    func() time.Time
}

// NewFocus subscribes to the task store's notifier.
func NewFocus(tasks *TaskStore, logger *log.Logger) *Focus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	f := &Focus{tasks: tasks, logger: logger, now: time.Now}
	tasks.Notifier().Subscribe(focusSubscriberID, f.onNotification)
	return f
}

// Close stops tracking task deletions.
func (f *Focus) Close() {
	f.tasks.Notifier().Unsubscribe(focusSubscriberID)
}

// Start points the timer at taskID, replacing any running session.
func (f *Focus) Start(taskID string, d time.Duration) (FocusSession, error) {
	task, err := f.tasks.GetTaskByID(taskID)
	if err != nil {
		return FocusSession{}, err
	}
	if d <= 0 {
		d = DefaultFocusDuration
	}
	now := f.now()
	session := FocusSession{TaskID: task.ID, TaskTitle: task.Title, StartedAt: now, EndsAt: now.Add(d)}

	f.mu.Lock()
	f.current = &session
	f.mu.Unlock()

	f.logger.WithFields(log.Fields{"task": task.ID, "duration": d}).Debug("focus started")
	return session, nil
}

// Stop clears the pointer and returns the session that was running.
func (f *Focus) Stop() (FocusSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return FocusSession{}, false
	}
	s := *f.current
	f.current = nil
	return s, true
}

// Current returns the running session.
func (f *Focus) Current() (FocusSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return FocusSession{}, false
	}
	return *f.current, true
}

func (f *Focus) onNotification(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.TaskID != n.TaskID {
		return
	}
	switch n.Type {
	case domain.NotificationDeleted:
		f.current = nil
	case domain.NotificationUpdated, domain.NotificationCompleted:
		f.current.TaskTitle = n.TaskTitle
	}
}
