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

// KanbanKey is the persistence key of the board snapshot.
const KanbanKey = "taskboard-kanban"

// DefaultBoardTitle names the board synthesised by InitializeBoard.
const DefaultBoardTitle = "My Board"

const kanbanSubscriberID = "kanban-store"

// KanbanState is the persisted board collection. Columns reference tasks by id.
type KanbanState struct {
	Boards        []domain.Board `json:"boards"`
	ActiveBoardID string         `json:"activeBoardId,omitempty"`
}

// ColumnView is a column with its task ids resolved against the task store.
type ColumnView struct {
	ID    string        `json:"id"`
	Title string        `json:"title"`
	Tasks []domain.Task `json:"tasks"`
}

// BoardView is a board with resolved columns.
type BoardView struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Status    domain.BoardStatus `json:"status"`
	Columns   []ColumnView       `json:"columns"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// KanbanView is what board observers receive.
type KanbanView struct {
	Boards      []BoardView `json:"boards"`
	ActiveBoard *BoardView  `json:"activeBoard"`
}

// BoardAnalytics is the analytics summary of one board.
type BoardAnalytics struct {
	Metrics      domain.CompletionMetrics    `json:"metrics"`
	Distribution domain.PriorityDistribution `json:"distribution"`
}

// KanbanStore owns board layout and column membership. Task data lives in
// the TaskStore; deleting a task there removes it from every column here.
//
// Lock order is kanban then tasks. The kanban lock is never held while a
// TaskStore mutation runs, since those notify subscribers synchronously.
type KanbanStore struct {
	mu      sync.RWMutex
	state   KanbanState
	version uint64

	tasks    *TaskStore
	backend  storage.Backend
	notifier *domain.Notifier
	logger   *log.Logger
	obs      *Observable[KanbanView]

	unsubscribeTasks func()

	now   func() time.Time
	newID func() string
}

// NewKanbanStore creates an empty board store on top of tasks.
func NewKanbanStore(tasks *TaskStore, backend storage.Backend, logger *log.Logger) *KanbanStore {
	if backend == nil {
		backend = storage.NewMemory()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	k := &KanbanStore{
		state:    KanbanState{Boards: []domain.Board{}},
		tasks:    tasks,
		backend:  backend,
		notifier: tasks.Notifier(),
		logger:   logger,
		obs:      NewObservable(KanbanView{Boards: []BoardView{}}, logger),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	k.notifier.Subscribe(kanbanSubscriberID, k.onNotification)
	k.unsubscribeTasks = tasks.Subscribe(func(TaskSnapshot) { k.publish() })
	return k
}

// Close detaches the store from the task store and notifier.
func (k *KanbanStore) Close() {
	k.notifier.Unsubscribe(kanbanSubscriberID)
	k.unsubscribeTasks()
}

// Subscribe registers fn for every resolved board view.
func (k *KanbanStore) Subscribe(fn func(KanbanView)) func() {
	return k.obs.Subscribe(fn)
}

// State returns a copy of the raw board collection.
func (k *KanbanStore) State() KanbanState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stateLocked()
}

// Snapshot resolves the current boards against the task store.
func (k *KanbanStore) Snapshot() KanbanView {
	return k.resolve(k.State())
}

// Load rehydrates the persisted boards. Task ids the task store does not
// know are dropped, so TaskStore.Load must run first.
func (k *KanbanStore) Load(ctx context.Context) error {
	data, err := k.backend.Load(ctx, KanbanKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load boards: %w", err)
	}
	var st KanbanState
	if err := sonic.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode boards: %w", err)
	}

	var dropped int
	for i, b := range st.Boards {
		for j, c := range b.Columns {
			ids := make([]string, 0, len(c.TaskIDs))
			for _, id := range c.TaskIDs {
				if k.tasks.Has(id) {
					ids = append(ids, id)
				} else {
					dropped++
				}
			}
			st.Boards[i].Columns[j].TaskIDs = ids
		}
	}
	if st.Boards == nil {
		st.Boards = []domain.Board{}
	}
	if st.ActiveBoardID != "" && indexOfBoard(st.Boards, st.ActiveBoardID) < 0 {
		st.ActiveBoardID = ""
	}

	k.mu.Lock()
	k.state = st
	k.version++
	k.mu.Unlock()

	if dropped > 0 {
		k.logger.WithField("dropped", dropped).Warn("board referenced unknown tasks")
	}
	k.publish()
	return nil
}

// CreateBoard appends a board with the default columns and makes it active.
func (k *KanbanStore) CreateBoard(ctx context.Context, title string) (domain.Board, error) {
	return k.addBoard(ctx, domain.NewDefaultBoard(k.newID(), boardTitle(title), k.now()))
}

// CreateCustomBoard appends a board with caller-defined columns. A nil graph
// allows every move between distinct columns.
func (k *KanbanStore) CreateCustomBoard(ctx context.Context, title string, columns []domain.Column, graph domain.TransitionGraph) (domain.Board, error) {
	if len(columns) == 0 {
		return domain.Board{}, &domain.ValidationError{Message: "a board needs at least one column"}
	}
	seen := make(map[string]bool, len(columns))
	cols := make([]domain.Column, 0, len(columns))
	for _, c := range columns {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return domain.Board{}, &domain.ValidationError{Message: "column id must not be empty"}
		}
		if seen[id] {
			return domain.Board{}, &domain.ValidationError{Message: fmt.Sprintf("duplicate column id %q", id)}
		}
		seen[id] = true
		colTitle := c.Title
		if colTitle == "" {
			colTitle = id
		}
		cols = append(cols, domain.Column{ID: id, Title: colTitle, TaskIDs: []string{}})
	}
	for from, targets := range graph {
		if !seen[from] {
			return domain.Board{}, &domain.ValidationError{Message: fmt.Sprintf("transition from unknown column %q", from)}
		}
		for _, to := range targets {
			if !seen[to] {
				return domain.Board{}, &domain.ValidationError{Message: fmt.Sprintf("transition to unknown column %q", to)}
			}
		}
	}

	now := k.now()
	b := domain.Board{
		ID:        k.newID(),
		Title:     boardTitle(title),
		Status:    domain.BoardActive,
		Columns:   cols,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(graph) > 0 {
		b.Transitions = graph.Clone()
	}
	return k.addBoard(ctx, b)
}

func (k *KanbanStore) addBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	k.mu.Lock()
	boards := append(append([]domain.Board(nil), k.state.Boards...), b)
	k.state = KanbanState{Boards: boards, ActiveBoardID: b.ID}
	k.commitLocked(ctx)
	k.mu.Unlock()

	k.publish()
	return b.Clone(), nil
}

// SetActiveBoard selects the board later column operations act on.
func (k *KanbanStore) SetActiveBoard(ctx context.Context, boardID string) error {
	k.mu.Lock()
	i := indexOfBoard(k.state.Boards, boardID)
	if i < 0 {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrBoardNotFound, boardID)
	}
	if k.state.Boards[i].Status == domain.BoardArchived {
		k.mu.Unlock()
		return &domain.ValidationError{Message: fmt.Sprintf("board %q is archived", boardID)}
	}
	k.state.ActiveBoardID = boardID
	k.commitLocked(ctx)
	k.mu.Unlock()

	k.publish()
	return nil
}

// ArchiveBoard marks the board archived and deselects it if it was active.
func (k *KanbanStore) ArchiveBoard(ctx context.Context, boardID string) error {
	return k.updateBoard(ctx, boardID, func(b *domain.Board) error {
		b.Status = domain.BoardArchived
		if k.state.ActiveBoardID == boardID {
			k.state.ActiveBoardID = ""
		}
		return nil
	})
}

// DeleteBoard removes the board. Its tasks stay in the task store.
func (k *KanbanStore) DeleteBoard(ctx context.Context, boardID string) error {
	k.mu.Lock()
	i := indexOfBoard(k.state.Boards, boardID)
	if i < 0 {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrBoardNotFound, boardID)
	}
	boards := append(append([]domain.Board(nil), k.state.Boards[:i]...), k.state.Boards[i+1:]...)
	active := k.state.ActiveBoardID
	if active == boardID {
		active = ""
	}
	k.state = KanbanState{Boards: boards, ActiveBoardID: active}
	k.commitLocked(ctx)
	k.mu.Unlock()

	k.publish()
	return nil
}

// InitializeBoard returns the active board, creating a default one first if
// none is selected. Calling it repeatedly yields the same board.
func (k *KanbanStore) InitializeBoard(ctx context.Context) (domain.Board, error) {
	k.mu.Lock()
	if b, _, err := k.activeLocked(); err == nil {
		k.mu.Unlock()
		return b.Clone(), nil
	}
	b := domain.NewDefaultBoard(k.newID(), DefaultBoardTitle, k.now())
	k.state = KanbanState{
		Boards:        append(append([]domain.Board(nil), k.state.Boards...), b),
		ActiveBoardID: b.ID,
	}
	k.commitLocked(ctx)
	k.mu.Unlock()

	k.publish()
	return b.Clone(), nil
}

// MoveTask moves a task between two columns of the active board. The move is
// checked against the board's transition policy first; a rejected move
// returns a *domain.ValidationError and changes nothing.
func (k *KanbanStore) MoveTask(ctx context.Context, taskID, sourceColumnID, targetColumnID string) (domain.Task, error) {
	k.mu.Lock()
	board, bi, err := k.activeLocked()
	if err != nil {
		k.mu.Unlock()
		return domain.Task{}, err
	}
	si, ti := board.ColumnIndex(sourceColumnID), board.ColumnIndex(targetColumnID)
	if si < 0 || ti < 0 {
		k.mu.Unlock()
		missing := sourceColumnID
		if si >= 0 {
			missing = targetColumnID
		}
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrColumnNotFound, missing)
	}
	if !board.Columns[si].Contains(taskID) || !k.tasks.Has(taskID) {
		k.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if res := board.Policy().Validate(sourceColumnID, targetColumnID); !res.Valid {
		k.mu.Unlock()
		k.logger.WithFields(log.Fields{
			"board": board.ID,
			"task":  taskID,
			"from":  sourceColumnID,
			"to":    targetColumnID,
		}).Warnf("move rejected: %s", res.Message)
		return domain.Task{}, res.Err()
	}

	next := board.Clone()
	next.Columns[si] = next.Columns[si].Without(taskID)
	next.Columns[ti] = next.Columns[ti].With(taskID)
	next.UpdatedAt = k.now()
	k.replaceBoardLocked(bi, next)
	k.commitLocked(ctx)
	k.mu.Unlock()

	task, err := k.tasks.setColumn(ctx, taskID, targetColumnID)
	if err != nil {
		// Deleted concurrently; the delete notification prunes the membership.
		return domain.Task{}, err
	}
	k.notifier.Notify(task, domain.NotificationMoved)
	k.publish()
	return task, nil
}

// AddTask creates a task in the task store and appends it to a column of
// the active board.
func (k *KanbanStore) AddTask(ctx context.Context, columnID string, patch domain.TaskPatch) (domain.Task, error) {
	k.mu.RLock()
	board, _, err := k.activeLocked()
	if err == nil && board.ColumnIndex(columnID) < 0 {
		err = fmt.Errorf("%w: %s", domain.ErrColumnNotFound, columnID)
	}
	k.mu.RUnlock()
	if err != nil {
		return domain.Task{}, err
	}

	patch.ColumnID = &columnID
	task, err := k.tasks.create(ctx, patch)
	if err != nil {
		return domain.Task{}, err
	}

	k.mu.Lock()
	if bi := indexOfBoard(k.state.Boards, board.ID); bi >= 0 {
		if ci := k.state.Boards[bi].ColumnIndex(columnID); ci >= 0 {
			next := k.state.Boards[bi].Clone()
			next.Columns[ci] = next.Columns[ci].With(task.ID)
			next.UpdatedAt = k.now()
			k.replaceBoardLocked(bi, next)
			k.commitLocked(ctx)
		}
	} else {
		k.logger.WithFields(log.Fields{"board": board.ID, "task": task.ID}).Warn("board removed before task was placed")
	}
	k.mu.Unlock()

	k.publish()
	return task, nil
}

// UpdateTask patches a task that sits in columnID of the active board. A
// patch naming a different column moves the task first, subject to the
// board's transition policy. The rest of the patch is checked before the
// move, so a rejected move or an invalid patch changes nothing.
func (k *KanbanStore) UpdateTask(ctx context.Context, columnID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if err := k.requireMember(columnID, taskID); err != nil {
		return domain.Task{}, err
	}
	if err := k.tasks.CheckUpdate(taskID, patch); err != nil {
		k.logger.WithField("task", taskID).Warnf("task validation failed: %s", err)
		return domain.Task{}, err
	}

	var task domain.Task
	if patch.ColumnID != nil && *patch.ColumnID != columnID {
		moved, err := k.MoveTask(ctx, taskID, columnID, *patch.ColumnID)
		if err != nil {
			return domain.Task{}, err
		}
		task = moved
	}
	patch.ColumnID = nil
	if patch.Empty() {
		if task.ID == "" {
			return k.tasks.GetTaskByID(taskID)
		}
		return task, nil
	}
	return k.tasks.UpdateTask(ctx, taskID, patch)
}

// DeleteTask removes the task from its column and from the task store.
func (k *KanbanStore) DeleteTask(ctx context.Context, columnID, taskID string) (domain.Task, error) {
	k.mu.Lock()
	board, bi, err := k.activeLocked()
	if err != nil {
		k.mu.Unlock()
		return domain.Task{}, err
	}
	ci := board.ColumnIndex(columnID)
	if ci < 0 {
		k.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrColumnNotFound, columnID)
	}
	if !board.Columns[ci].Contains(taskID) {
		k.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	next := board.Clone()
	next.Columns[ci] = next.Columns[ci].Without(taskID)
	next.UpdatedAt = k.now()
	k.replaceBoardLocked(bi, next)
	k.commitLocked(ctx)
	k.mu.Unlock()

	task, err := k.tasks.DeleteTask(ctx, taskID)
	if err != nil {
		k.publish()
		return domain.Task{}, err
	}
	return task, nil
}

// ActiveTasks returns the tasks of the active board in column order.
func (k *KanbanStore) ActiveTasks() ([]domain.Task, error) {
	k.mu.RLock()
	board, _, err := k.activeLocked()
	var ids []string
	if err == nil {
		ids = board.TaskIDs()
	}
	k.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return k.tasks.GetTasksByIDs(ids), nil
}

// TaskAnalytics summarises the tasks of the active board.
func (k *KanbanStore) TaskAnalytics() (BoardAnalytics, error) {
	tasks, err := k.ActiveTasks()
	if err != nil {
		return BoardAnalytics{}, err
	}
	return BoardAnalytics{
		Metrics:      domain.ComputeMetrics(tasks, k.now()),
		Distribution: domain.DistributionByPriority(tasks),
	}, nil
}

// GenerateTaskSchedule proposes deadlines for the active board's tasks.
func (k *KanbanStore) GenerateTaskSchedule(workingHoursPerDay int) ([]domain.Task, error) {
	tasks, err := k.ActiveTasks()
	if err != nil {
		return nil, err
	}
	return domain.GenerateSchedule(tasks, domain.ScheduleOptions{
		WorkingHoursPerDay: workingHoursPerDay,
		Now:                k.now(),
	}), nil
}

func (k *KanbanStore) onNotification(n domain.Notification) {
	if n.Type != domain.NotificationDeleted {
		return
	}
	k.mu.Lock()
	changed := false
	for bi, b := range k.state.Boards {
		if _, ok := b.ColumnOf(n.TaskID); !ok {
			continue
		}
		next := b.Clone()
		for ci, c := range next.Columns {
			next.Columns[ci] = c.Without(n.TaskID)
		}
		k.replaceBoardLocked(bi, next)
		changed = true
	}
	if changed {
		k.commitLocked(context.Background())
	}
	k.mu.Unlock()

	if changed {
		k.publish()
	}
}

func (k *KanbanStore) requireMember(columnID, taskID string) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	board, _, err := k.activeLocked()
	if err != nil {
		return err
	}
	ci := board.ColumnIndex(columnID)
	if ci < 0 {
		return fmt.Errorf("%w: %s", domain.ErrColumnNotFound, columnID)
	}
	if !board.Columns[ci].Contains(taskID) {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

func (k *KanbanStore) updateBoard(ctx context.Context, boardID string, fn func(*domain.Board) error) error {
	k.mu.Lock()
	i := indexOfBoard(k.state.Boards, boardID)
	if i < 0 {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrBoardNotFound, boardID)
	}
	next := k.state.Boards[i].Clone()
	if err := fn(&next); err != nil {
		k.mu.Unlock()
		return err
	}
	next.UpdatedAt = k.now()
	k.replaceBoardLocked(i, next)
	k.commitLocked(ctx)
	k.mu.Unlock()

	k.publish()
	return nil
}

func (k *KanbanStore) activeLocked() (domain.Board, int, error) {
	if k.state.ActiveBoardID == "" {
		return domain.Board{}, -1, domain.ErrNoActiveBoard
	}
	i := indexOfBoard(k.state.Boards, k.state.ActiveBoardID)
	if i < 0 {
		return domain.Board{}, -1, domain.ErrNoActiveBoard
	}
	return k.state.Boards[i], i, nil
}

// replaceBoardLocked swaps in a new boards slice so earlier State copies
// never observe the change.
func (k *KanbanStore) replaceBoardLocked(i int, b domain.Board) {
	boards := append([]domain.Board(nil), k.state.Boards...)
	boards[i] = b
	k.state.Boards = boards
}

func (k *KanbanStore) stateLocked() KanbanState {
	boards := make([]domain.Board, len(k.state.Boards))
	for i, b := range k.state.Boards {
		boards[i] = b.Clone()
	}
	return KanbanState{Boards: boards, ActiveBoardID: k.state.ActiveBoardID}
}

func (k *KanbanStore) commitLocked(ctx context.Context) {
	k.version++
	persist(ctx, k.backend, KanbanKey, k.stateLocked(), k.logger)
}

// publish resolves the board state at publish time. Task-only changes reuse
// the current version, so they are never discarded as stale.
func (k *KanbanStore) publish() {
	k.mu.RLock()
	st, seq := k.stateLocked(), k.version
	k.mu.RUnlock()
	k.obs.PublishAt(seq, k.resolve(st))
}

func (k *KanbanStore) resolve(st KanbanState) KanbanView {
	view := KanbanView{Boards: make([]BoardView, 0, len(st.Boards))}
	for _, b := range st.Boards {
		bv := BoardView{
			ID:        b.ID,
			Title:     b.Title,
			Status:    b.Status,
			Columns:   make([]ColumnView, 0, len(b.Columns)),
			CreatedAt: b.CreatedAt,
			UpdatedAt: b.UpdatedAt,
		}
		for _, c := range b.Columns {
			bv.Columns = append(bv.Columns, ColumnView{ID: c.ID, Title: c.Title, Tasks: k.tasks.GetTasksByIDs(c.TaskIDs)})
		}
		view.Boards = append(view.Boards, bv)
	}
	for i := range view.Boards {
		if view.Boards[i].ID == st.ActiveBoardID {
			view.ActiveBoard = &view.Boards[i]
		}
	}
	return view
}

func indexOfBoard(boards []domain.Board, id string) int {
	for i, b := range boards {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func boardTitle(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return "Untitled board"
}
