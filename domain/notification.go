package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NotificationType names the task lifecycle change being reported.
type NotificationType string

const (
	NotificationCreated   NotificationType = "created"
	NotificationUpdated   NotificationType = "updated"
	NotificationDeleted   NotificationType = "deleted"
	NotificationMoved     NotificationType = "moved"
	NotificationCompleted NotificationType = "completed"
)

// Notification is the record delivered to subscribers.
type Notification struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"taskId"`
	TaskTitle string           `json:"taskTitle"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

func notificationMessage(title string, typ NotificationType) string {
	switch typ {
	case NotificationCreated:
		return fmt.Sprintf("Task %q was created", title)
	case NotificationUpdated:
		return fmt.Sprintf("Task %q was updated", title)
	case NotificationDeleted:
		return fmt.Sprintf("Task %q was deleted", title)
	case NotificationMoved:
		return fmt.Sprintf("Task %q was moved", title)
	case NotificationCompleted:
		return fmt.Sprintf("Task %q was completed", title)
	default:
		return fmt.Sprintf("Task %q changed", title)
	}
}

// Notifier fans task lifecycle notifications out to subscribers.
// Each subscriber id holds exactly one callback; subscribing again replaces it
// without changing its delivery position.
type Notifier struct {
	mu     sync.RWMutex
	order  []string
	subs   map[string]func(Notification)
	logger *log.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier. A nil logger uses the logrus standard logger.
func NewNotifier(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifier{
		subs:   make(map[string]func(Notification)),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers fn under subscriberID.
func (n *Notifier) Subscribe(subscriberID string, fn func(Notification)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.subs[subscriberID]; !exists {
		n.order = append(n.order, subscriberID)
	}
	n.subs[subscriberID] = fn
}

// Unsubscribe removes the registration. Unknown ids are ignored.
func (n *Notifier) Unsubscribe(subscriberID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.subs[subscriberID]; !exists {
		return
	}
	delete(n.subs, subscriberID)
	for i, id := range n.order {
		if id == subscriberID {
			n.order = append(n.order[:i:i], n.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

// Notify builds a notification for task and delivers it synchronously to
// every subscriber registered at the time of the call.
func (n *Notifier) Notify(task Task, updateType NotificationType) Notification {
	note := Notification{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Type:      updateType,
		Message:   notificationMessage(task.Title, updateType),
		Timestamp: n.now(),
	}

	n.mu.RLock()
	ids := append([]string(nil), n.order...)
	callbacks := make([]func(Notification), len(ids))
	for i, id := range ids {
		callbacks[i] = n.subs[id]
	}
	n.mu.RUnlock()

	for i, fn := range callbacks {
		n.deliver(ids[i], fn, note)
	}
	return note
}

func (n *Notifier) deliver(subscriberID string, fn func(Notification), note Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.WithFields(log.Fields{
				"subscriber":   subscriberID,
				"notification": note.ID,
				"type":         note.Type,
				"task":         note.TaskID,
			}).Errorf("notification subscriber panicked: %v", r)
		}
	}()
	fn(note)
}
