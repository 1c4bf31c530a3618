package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
	"taskboard/store"
)

type createBoardRequest struct {
	Title       string                 `json:"title"`
	Columns     []domain.Column        `json:"columns,omitempty"`
	Transitions domain.TransitionGraph `json:"transitions,omitempty"`
}

type moveRequest struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type focusRequest struct {
	TaskID   string `json:"taskId"`
	Duration string `json:"duration,omitempty"`
}

type focusResponse struct {
	Active    bool                `json:"active"`
	Session   *store.FocusSession `json:"session,omitempty"`
	Remaining float64             `json:"remainingSeconds,omitempty"`
}

func (h *handlers) listBoards(c echo.Context) error {
	view := h.svc.Kanban.Snapshot()
	metricsFrom(c.Request().Context()).SetItemCount(len(view.Boards))
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) createBoard(c echo.Context) error {
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	var (
		board domain.Board
		err   error
	)
	if len(req.Columns) == 0 && req.Transitions == nil {
		board, err = h.svc.Kanban.CreateBoard(ctx, req.Title)
	} else {
		board, err = h.svc.Kanban.CreateCustomBoard(ctx, req.Title, req.Columns, req.Transitions)
	}
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, board)
}

func (h *handlers) initBoard(c echo.Context) error {
	board, err := h.svc.Kanban.InitializeBoard(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *handlers) activateBoard(c echo.Context) error {
	if err := h.svc.Kanban.SetActiveBoard(c.Request().Context(), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.svc.Kanban.Snapshot())
}

func (h *handlers) archiveBoard(c echo.Context) error {
	if err := h.svc.Kanban.ArchiveBoard(c.Request().Context(), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.svc.Kanban.Snapshot())
}

func (h *handlers) deleteBoard(c echo.Context) error {
	if err := h.svc.Kanban.DeleteBoard(c.Request().Context(), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveTask(c echo.Context) error {
	var req moveRequest
	if err := decodeBody(c, &req); err != nil || req.TaskID == "" || req.To == "" {
		return badRequest(c, "invalid body")
	}
	if req.From == "" {
		if active := h.svc.Kanban.Snapshot().ActiveBoard; active != nil {
			for _, col := range active.Columns {
				for _, t := range col.Tasks {
					if t.ID == req.TaskID {
						req.From = col.ID
					}
				}
			}
		}
	}
	task, err := h.svc.Kanban.MoveTask(c.Request().Context(), req.TaskID, req.From, req.To)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) addBoardTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return badRequest(c, "invalid body")
	}
	task, err := h.svc.Kanban.AddTask(c.Request().Context(), c.Param("column"), patch)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *handlers) updateBoardTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return badRequest(c, "invalid body")
	}
	task, err := h.svc.Kanban.UpdateTask(c.Request().Context(), c.Param("column"), c.Param("id"), patch)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) deleteBoardTask(c echo.Context) error {
	task, err := h.svc.Kanban.DeleteTask(c.Request().Context(), c.Param("column"), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) boardAnalytics(c echo.Context) error {
	a, err := h.svc.Kanban.TaskAnalytics()
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, newAnalyticsResponse(a.Metrics, a.Distribution))
}

func (h *handlers) boardSchedule(c echo.Context) error {
	perDay, err := h.perDay(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tasks, err := h.svc.Kanban.GenerateTaskSchedule(perDay)
	if err != nil {
		return h.writeError(c, err)
	}
	metricsFrom(c.Request().Context()).SetItemCount(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

func (h *handlers) getFocus(c echo.Context) error {
	session, ok := h.svc.Focus.Current()
	if !ok {
		return c.JSON(http.StatusOK, focusResponse{})
	}
	return c.JSON(http.StatusOK, h.focusOutput(session))
}

func (h *handlers) startFocus(c echo.Context) error {
	var req focusRequest
	if err := decodeBody(c, &req); err != nil || req.TaskID == "" {
		return badRequest(c, "invalid body")
	}
	d := h.svc.FocusDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			return badRequest(c, "invalid duration")
		}
		d = parsed
	}
	session, err := h.svc.Focus.Start(req.TaskID, d)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, h.focusOutput(session))
}

func (h *handlers) stopFocus(c echo.Context) error {
	if _, ok := h.svc.Focus.Stop(); !ok {
		return c.String(http.StatusNotFound, "no focus session")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) focusOutput(s store.FocusSession) focusResponse {
	return focusResponse{
		Active:    true,
		Session:   &s,
		Remaining: s.Remaining(h.svc.Now()).Seconds(),
	}
}
