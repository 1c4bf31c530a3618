package domain

import "time"

// BoardStatus marks whether a board is in use.
type BoardStatus string

const (
	BoardActive   BoardStatus = "active"
	BoardArchived BoardStatus = "archived"
)

// Column ids of the default board template.
const (
	ColumnTodo       = "todo"
	ColumnInProgress = "in-progress"
	ColumnDone       = "done"
)

// Column is a workflow stage. It references tasks by id in display order.
type Column struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	TaskIDs []string `json:"taskIds"`
}

// Contains reports whether the column references taskID.
func (c Column) Contains(taskID string) bool {
	return c.indexOf(taskID) >= 0
}

func (c Column) indexOf(taskID string) int {
	for i, id := range c.TaskIDs {
		if id == taskID {
			return i
		}
	}
	return -1
}

// Without returns a copy of the column with taskID removed.
func (c Column) Without(taskID string) Column {
	out := Column{ID: c.ID, Title: c.Title, TaskIDs: make([]string, 0, len(c.TaskIDs))}
	for _, id := range c.TaskIDs {
		if id != taskID {
			out.TaskIDs = append(out.TaskIDs, id)
		}
	}
	return out
}

// With returns a copy of the column with taskID appended.
func (c Column) With(taskID string) Column {
	out := Column{ID: c.ID, Title: c.Title, TaskIDs: make([]string, 0, len(c.TaskIDs)+1)}
	out.TaskIDs = append(out.TaskIDs, c.TaskIDs...)
	out.TaskIDs = append(out.TaskIDs, taskID)
	return out
}

// Board groups tasks into ordered columns.
type Board struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Status      BoardStatus     `json:"status"`
	Columns     []Column        `json:"columns"`
	Transitions TransitionGraph `json:"transitions,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DefaultColumns returns the Todo / In Progress / Done template.
func DefaultColumns() []Column {
	return []Column{
		{ID: ColumnTodo, Title: "Todo", TaskIDs: []string{}},
		{ID: ColumnInProgress, Title: "In Progress", TaskIDs: []string{}},
		{ID: ColumnDone, Title: "Done", TaskIDs: []string{}},
	}
}

// NewDefaultBoard builds an active board with the default column template.
func NewDefaultBoard(id, title string, now time.Time) Board {
	return Board{
		ID:        id,
		Title:     title,
		Status:    BoardActive,
		Columns:   DefaultColumns(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone deep-copies the board.
func (b Board) Clone() Board {
	out := b
	out.Columns = make([]Column, len(b.Columns))
	for i, c := range b.Columns {
		out.Columns[i] = Column{ID: c.ID, Title: c.Title, TaskIDs: append([]string{}, c.TaskIDs...)}
	}
	out.Transitions = b.Transitions.Clone()
	return out
}

// ColumnIndex returns the position of the column or -1.
func (b Board) ColumnIndex(columnID string) int {
	for i, c := range b.Columns {
		if c.ID == columnID {
			return i
		}
	}
	return -1
}

// ColumnOf returns the id of the column holding taskID.
func (b Board) ColumnOf(taskID string) (string, bool) {
	for _, c := range b.Columns {
		if c.Contains(taskID) {
			return c.ID, true
		}
	}
	return "", false
}

// TaskIDs flattens column membership in column order.
func (b Board) TaskIDs() []string {
	var ids []string
	for _, c := range b.Columns {
		ids = append(ids, c.TaskIDs...)
	}
	return ids
}

// Policy returns the transition policy governing moves on this board.
// A declared graph wins; boards built from the default template use
// DefaultWorkflow; any other column layout allows every move.
func (b Board) Policy() TransitionPolicy {
	if len(b.Transitions) > 0 {
		return b.Transitions
	}
	if b.usesDefaultTemplate() {
		return DefaultWorkflow
	}
	return AllowAll
}

func (b Board) usesDefaultTemplate() bool {
	if len(b.Columns) != 3 {
		return false
	}
	return b.Columns[0].ID == ColumnTodo && b.Columns[1].ID == ColumnInProgress && b.Columns[2].ID == ColumnDone
}
