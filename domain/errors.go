package domain

import "errors"

var (
	// ErrTaskNotFound is returned when an operation names an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrBoardNotFound is returned when an operation names an unknown board id.
	ErrBoardNotFound = errors.New("board not found")
	// ErrColumnNotFound is returned when a column id does not exist on the active board.
	ErrColumnNotFound = errors.New("column not found")
	// ErrNoActiveBoard is returned by board-scoped operations before a board is selected.
	ErrNoActiveBoard = errors.New("no active board")
)

// ValidationError reports a rejected mutation. The store state is unchanged.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
