package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// TasksKey is the persistence key of the task snapshot.
const TasksKey = "taskboard-tasks"

// TaskSnapshot is the serialized and observed form of the task collection.
type TaskSnapshot struct {
	Tasks []domain.Task `json:"tasks"`
}

// TaskStore is the authoritative task repository. Tasks are kept by id with
// their insertion order preserved.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	order []string

	backend  storage.Backend
	notifier *domain.Notifier
	logger   *log.Logger
	obs      *Observable[TaskSnapshot]
	version  uint64

	now   func() time.Time
	newID func() string
}

// NewTaskStore creates an empty store. Call Load to rehydrate persisted tasks.
func NewTaskStore(backend storage.Backend, notifier *domain.Notifier, logger *log.Logger) *TaskStore {
	if backend == nil {
		backend = storage.NewMemory()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if notifier == nil {
		notifier = domain.NewNotifier(logger)
	}
	return &TaskStore{
		tasks:    make(map[string]domain.Task),
		backend:  backend,
		notifier: notifier,
		logger:   logger,
		obs:      NewObservable(TaskSnapshot{Tasks: []domain.Task{}}, logger),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Notifier returns the notifier mutations are reported to.
func (s *TaskStore) Notifier() *domain.Notifier { return s.notifier }

// Subscribe registers fn for every committed snapshot.
func (s *TaskStore) Subscribe(fn func(TaskSnapshot)) func() {
	return s.obs.Subscribe(fn)
}

// Snapshot returns the latest committed snapshot.
func (s *TaskStore) Snapshot() TaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Load replaces the in-memory collection with the persisted snapshot. A
// missing snapshot leaves the store empty.
func (s *TaskStore) Load(ctx context.Context) error {
	data, err := s.backend.Load(ctx, TasksKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load tasks: %w", err)
	}
	var snap TaskSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}

	s.mu.Lock()
	s.tasks = make(map[string]domain.Task, len(snap.Tasks))
	s.order = make([]string, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if t.ID == "" {
			continue
		}
		if _, dup := s.tasks[t.ID]; !dup {
			s.order = append(s.order, t.ID)
		}
		if t.Labels == nil {
			t.Labels = []string{}
		}
		s.tasks[t.ID] = t
	}
	s.version++
	next, seq := s.snapshotLocked(), s.version
	s.mu.Unlock()

	s.logger.WithField("tasks", len(next.Tasks)).Debug("tasks loaded")
	s.obs.PublishAt(seq, next)
	return nil
}

// CreateTask validates patch and appends a new task built from it. Column
// placement belongs to the kanban store, so a patch naming a column is
// rejected.
func (s *TaskStore) CreateTask(ctx context.Context, patch domain.TaskPatch) (domain.Task, error) {
	if res := columnUntouched(patch); !res.Valid {
		s.rejected("create", "", res)
		return domain.Task{}, res.Err()
	}
	return s.create(ctx, patch)
}

func (s *TaskStore) create(ctx context.Context, patch domain.TaskPatch) (domain.Task, error) {
	if res := domain.ValidatePatch(patch); !res.Valid {
		s.rejected("create", "", res)
		return domain.Task{}, res.Err()
	}
	now := s.now()
	task, err := patch.Apply(domain.Task{
		ID:        s.newID(),
		Priority:  domain.PriorityLow,
		Labels:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Task{}, &domain.ValidationError{Message: err.Error()}
	}
	normalize(&task)
	if res := domain.ValidateInterval(task.StartDate, task.EndDate); !res.Valid {
		s.rejected("create", task.ID, res)
		return domain.Task{}, res.Err()
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	next, seq := s.commitLocked(ctx)
	s.mu.Unlock()

	s.notifier.Notify(task, domain.NotificationCreated)
	s.obs.PublishAt(seq, next)
	return task.Clone(), nil
}

// UpdateTask shallow-merges patch into the task and refreshes UpdatedAt.
// Completing a task reports NotificationCompleted; any other change reports
// NotificationUpdated. Column changes go through KanbanStore.MoveTask and are
// rejected here.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if res := columnUntouched(patch); !res.Valid {
		s.rejected("update", id, res)
		return domain.Task{}, res.Err()
	}
	if res := domain.ValidatePatch(patch); !res.Valid {
		s.rejected("update", id, res)
		return domain.Task{}, res.Err()
	}

	s.mu.Lock()
	prev, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	task, err := merge(prev, patch)
	if err != nil {
		s.mu.Unlock()
		s.rejected("update", id, domain.ValidationResult{Message: err.Error()})
		return domain.Task{}, err
	}
	task.UpdatedAt = s.now()
	s.tasks[id] = task
	next, seq := s.commitLocked(ctx)
	s.mu.Unlock()

	kind := domain.NotificationUpdated
	if task.Completed && !prev.Completed {
		kind = domain.NotificationCompleted
	}
	s.notifier.Notify(task, kind)
	s.obs.PublishAt(seq, next)
	return task.Clone(), nil
}

// CheckUpdate reports whether patch would apply cleanly to the task without
// changing anything. The column field is ignored.
func (s *TaskStore) CheckUpdate(id string, patch domain.TaskPatch) error {
	patch.ColumnID = nil
	if res := domain.ValidatePatch(patch); !res.Valid {
		return res.Err()
	}
	s.mu.RLock()
	prev, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	_, err := merge(prev, patch)
	return err
}

// DeleteTask removes the task and reports the pre-delete snapshot.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	next, seq := s.commitLocked(ctx)
	s.mu.Unlock()

	s.notifier.Notify(task, domain.NotificationDeleted)
	s.obs.PublishAt(seq, next)
	return task, nil
}

// setColumn records board placement without emitting a notification; the
// caller reports the move.
func (s *TaskStore) setColumn(ctx context.Context, id, columnID string) (domain.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	task = task.Clone()
	task.ColumnID = columnID
	task.UpdatedAt = s.now()
	s.tasks[id] = task
	next, seq := s.commitLocked(ctx)
	s.mu.Unlock()

	s.obs.PublishAt(seq, next)
	return task.Clone(), nil
}

// GetTaskByID returns a copy of the task.
func (s *TaskStore) GetTaskByID(id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// GetTasksByIDs returns the known tasks in the order of ids. Unknown ids are skipped.
func (s *TaskStore) GetTasksByIDs(ids []string) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetTasksByDateRange returns tasks whose [start, end] interval overlaps
// [from, to]. A task with only one of the two dates is treated as a point.
func (s *TaskStore) GetTasksByDateRange(from, to time.Time) []domain.Task {
	return s.filter(func(t domain.Task) bool {
		start, end := t.StartDate, t.EndDate
		if start == nil {
			start = end
		}
		if end == nil {
			end = start
		}
		if start == nil {
			return false
		}
		return !start.After(to) && !end.Before(from)
	})
}

// GetTasksByDocument returns the tasks linked to a document.
func (s *TaskStore) GetTasksByDocument(documentID string) []domain.Task {
	return s.filter(func(t domain.Task) bool { return t.DocumentID == documentID })
}

// GetAllTasks returns every task in insertion order.
func (s *TaskStore) GetAllTasks() []domain.Task {
	return s.filter(func(domain.Task) bool { return true })
}

func (s *TaskStore) filter(keep func(domain.Task) bool) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Task{}
	for _, id := range s.order {
		if t := s.tasks[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Has reports whether id names a stored task.
func (s *TaskStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

// Metrics computes completion statistics over the current tasks.
func (s *TaskStore) Metrics() domain.CompletionMetrics {
	return domain.ComputeMetrics(s.GetAllTasks(), s.now())
}

// Distribution counts the current tasks per priority.
func (s *TaskStore) Distribution() domain.PriorityDistribution {
	return domain.DistributionByPriority(s.GetAllTasks())
}

// Schedule proposes deadlines for the current tasks without applying them.
func (s *TaskStore) Schedule(workingHoursPerDay int) []domain.Task {
	return domain.GenerateSchedule(s.GetAllTasks(), domain.ScheduleOptions{
		WorkingHoursPerDay: workingHoursPerDay,
		Now:                s.now(),
	})
}

func (s *TaskStore) snapshotLocked() TaskSnapshot {
	tasks := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id].Clone())
	}
	return TaskSnapshot{Tasks: tasks}
}

// commitLocked builds the new snapshot, persists it and returns it with its
// sequence number. Persistence errors are logged and the in-memory state is
// kept.
func (s *TaskStore) commitLocked(ctx context.Context) (TaskSnapshot, uint64) {
	s.version++
	next := s.snapshotLocked()
	persist(ctx, s.backend, TasksKey, next, s.logger)
	return next, s.version
}

func (s *TaskStore) rejected(op, id string, res domain.ValidationResult) {
	s.logger.WithFields(log.Fields{
		"op":   op,
		"task": id,
	}).Warnf("task validation failed: %s", res.Message)
}

// merge applies patch to a copy of prev and checks the resulting interval.
func merge(prev domain.Task, patch domain.TaskPatch) (domain.Task, error) {
	task, err := patch.Apply(prev)
	if err != nil {
		return domain.Task{}, &domain.ValidationError{Message: err.Error()}
	}
	normalize(&task)
	if res := domain.ValidateInterval(task.StartDate, task.EndDate); !res.Valid {
		return domain.Task{}, res.Err()
	}
	return task, nil
}

func columnUntouched(patch domain.TaskPatch) domain.ValidationResult {
	if patch.ColumnID != nil {
		return domain.ValidationResult{Message: "columnId cannot be set on a task; use the board move endpoint"}
	}
	return domain.ValidationResult{Valid: true}
}

func normalize(t *domain.Task) {
	if strings.TrimSpace(t.Title) == "" {
		t.Title = domain.DefaultTaskTitle
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityLow
	}
	if t.Labels == nil {
		t.Labels = []string{}
	}
}

func persist(ctx context.Context, backend storage.Backend, key string, v any, logger *log.Logger) {
	data, err := sonic.Marshal(v)
	if err != nil {
		logger.WithError(err).WithField("key", key).Warn("encode snapshot")
		return
	}
	if err := backend.Save(ctx, key, data); err != nil {
		logger.WithError(err).WithField("key", key).Warn("persist snapshot")
	}
}
