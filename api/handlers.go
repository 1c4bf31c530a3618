package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/sink"
	"taskboard/store"
)

const (
	maxBodySize      = 1 << 20
	idempotencyTTL   = 5 * time.Second
	headerIdempotent = "Idempotency-Key"
)

// Services are the collaborators the HTTP surface exposes.
type Services struct {
	Tasks         *store.TaskStore
	Kanban        *store.KanbanStore
	Focus         *store.Focus
	Broker        *Broker
	Auth          Authenticator
	Deduper       Deduper
	Settings      domain.Settings
	FocusDuration time.Duration
	// DispatcherStats is optional and reported by /healthz.
	DispatcherStats func() sink.Stats
	Logger          *log.Logger
	Now             func() time.Time
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services) {
	if svc.Auth == nil {
		svc.Auth = Anonymous{}
	}
	if svc.Logger == nil {
		svc.Logger = log.StandardLogger()
	}
	if svc.Now == nil {
		svc.Now = time.Now
	}
	if svc.Settings.WorkingHoursPerDay <= 0 {
		svc.Settings = domain.DefaultSettings()
	}
	h := &handlers{svc: svc}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", RequestMetrics(svc.Logger), GzipRequestMiddleware(), Authenticate(svc.Auth))
	g.GET("/settings", h.getSettings)

	g.GET("/tasks", h.listTasks)
	g.POST("/tasks", h.createTask)
	g.GET("/tasks/:id", h.getTask)
	g.PATCH("/tasks/:id", h.updateTask)
	g.DELETE("/tasks/:id", h.deleteTask)
	g.GET("/analytics", h.analytics)
	g.GET("/schedule", h.schedule)

	g.GET("/boards", h.listBoards)
	g.POST("/boards", h.createBoard)
	g.POST("/boards/init", h.initBoard)
	g.POST("/boards/:id/activate", h.activateBoard)
	g.POST("/boards/:id/archive", h.archiveBoard)
	g.DELETE("/boards/:id", h.deleteBoard)

	g.POST("/board/move", h.moveTask)
	g.POST("/board/columns/:column/tasks", h.addBoardTask)
	g.PATCH("/board/columns/:column/tasks/:id", h.updateBoardTask)
	g.DELETE("/board/columns/:column/tasks/:id", h.deleteBoardTask)
	g.GET("/board/analytics", h.boardAnalytics)
	g.GET("/board/schedule", h.boardSchedule)

	g.GET("/focus", h.getFocus)
	g.POST("/focus", h.startFocus)
	g.DELETE("/focus", h.stopFocus)

	if svc.Broker != nil {
		g.GET("/notifications/stream", svc.Broker.stream)
	}
}

type handlers struct {
	svc Services
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// analyticsResponse reports a null completion rate for an empty snapshot,
// since JSON has no NaN.
type analyticsResponse struct {
	CompletionRate        *float64                    `json:"completionRate"`
	AverageCompletionTime float64                     `json:"averageCompletionTime"`
	OverdueTasks          []domain.Task               `json:"overdueTasks"`
	Distribution          domain.PriorityDistribution `json:"distribution"`
}

func newAnalyticsResponse(m domain.CompletionMetrics, d domain.PriorityDistribution) analyticsResponse {
	resp := analyticsResponse{
		AverageCompletionTime: m.AverageCompletionTime,
		OverdueTasks:          m.OverdueTasks,
		Distribution:          d,
	}
	if !math.IsNaN(m.CompletionRate) {
		rate := m.CompletionRate
		resp.CompletionRate = &rate
	}
	return resp
}

type healthResponse struct {
	Status     string      `json:"status"`
	Tasks      int         `json:"tasks"`
	Streams    int         `json:"streams"`
	Dispatcher *sink.Stats `json:"dispatcher,omitempty"`
}

func (h *handlers) healthz(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	if h.svc.Tasks != nil {
		resp.Tasks = len(h.svc.Tasks.Snapshot().Tasks)
	}
	if h.svc.Broker != nil {
		resp.Streams = h.svc.Broker.Clients()
	}
	if h.svc.DispatcherStats != nil {
		stats := h.svc.DispatcherStats()
		resp.Dispatcher = &stats
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) getSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Settings)
}

func (h *handlers) listTasks(c echo.Context) error {
	tasks := h.svc.Tasks
	var result []domain.Task
	switch {
	case c.QueryParam("ids") != "":
		result = tasks.GetTasksByIDs(splitList(c.QueryParam("ids")))
	case c.QueryParam("document") != "":
		result = tasks.GetTasksByDocument(c.QueryParam("document"))
	case c.QueryParam("from") != "" || c.QueryParam("to") != "":
		from, err := domain.ParseDate(c.QueryParam("from"))
		if err != nil || from == nil {
			return badRequest(c, "invalid from date")
		}
		to, err := domain.ParseDate(c.QueryParam("to"))
		if err != nil || to == nil {
			return badRequest(c, "invalid to date")
		}
		if to.Before(*from) {
			return badRequest(c, "to must not be before from")
		}
		result = tasks.GetTasksByDateRange(*from, *to)
	default:
		result = tasks.GetAllTasks()
	}

	if view := c.QueryParam("view"); view != "" {
		switch b := domain.Bucket(view); b {
		case domain.BucketToday, domain.BucketUpcoming, domain.BucketOverdue, domain.BucketPast, domain.BucketUnscheduled:
			result = domain.FilterByBucket(result, b, h.svc.Now())
		default:
			return badRequest(c, "invalid view")
		}
	}
	completed := c.QueryParam("completed")
	if completed == "" && !h.svc.Settings.ShowCompletedTasks {
		completed = "false"
	}
	if completed != "" {
		want, err := strconv.ParseBool(completed)
		if err != nil {
			return badRequest(c, "invalid completed flag")
		}
		kept := result[:0]
		for _, t := range result {
			if t.Completed == want {
				kept = append(kept, t)
			}
		}
		result = kept
	}
	metricsFrom(c.Request().Context()).SetItemCount(len(result))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: result})
}

func (h *handlers) createTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx := c.Request().Context()
	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotent))
	if key != "" && h.svc.Deduper != nil {
		user := userFrom(c)
		dctx, cancel := context.WithTimeout(ctx, idempotencyTTL)
		added, err := h.svc.Deduper.Add(dctx, user, key)
		cancel()
		if err != nil {
			h.svc.Logger.WithError(err).Warn("idempotency check failed; processing request")
		} else if !added {
			metricsFrom(ctx).SetErrorStage("duplicate")
			return c.String(http.StatusConflict, "duplicate request")
		}

		task, err := h.svc.Tasks.CreateTask(ctx, patch)
		if err != nil {
			if rerr := h.svc.Deduper.Remove(context.WithoutCancel(ctx), user, key); rerr != nil {
				h.svc.Logger.WithError(rerr).Warn("release idempotency key")
			}
			return h.writeError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}

	task, err := h.svc.Tasks.CreateTask(ctx, patch)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *handlers) getTask(c echo.Context) error {
	task, err := h.svc.Tasks.GetTaskByID(c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) updateTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return badRequest(c, "invalid body")
	}
	task, err := h.svc.Tasks.UpdateTask(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) deleteTask(c echo.Context) error {
	task, err := h.svc.Tasks.DeleteTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) analytics(c echo.Context) error {
	return c.JSON(http.StatusOK, newAnalyticsResponse(h.svc.Tasks.Metrics(), h.svc.Tasks.Distribution()))
}

func (h *handlers) schedule(c echo.Context) error {
	perDay, err := h.perDay(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tasks := h.svc.Tasks.Schedule(perDay)
	metricsFrom(c.Request().Context()).SetItemCount(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

func (h *handlers) perDay(c echo.Context) (int, error) {
	raw := strings.TrimSpace(c.QueryParam("perDay"))
	if raw == "" {
		return h.svc.Settings.WorkingHoursPerDay, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid perDay")
	}
	return n, nil
}

// writeError maps store errors onto HTTP responses. Validation failures are
// returned in the {valid, message} shape for toast display.
func (h *handlers) writeError(c echo.Context, err error) error {
	m := metricsFrom(c.Request().Context())
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		m.SetErrorStage("validation")
		return c.JSON(http.StatusUnprocessableEntity, domain.ValidationResult{Valid: false, Message: verr.Message})
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrBoardNotFound), errors.Is(err, domain.ErrColumnNotFound):
		m.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoActiveBoard):
		m.SetErrorStage("no_active_board")
		return c.String(http.StatusConflict, err.Error())
	default:
		m.SetErrorStage("store")
		h.svc.Logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func badRequest(c echo.Context, msg string) error {
	metricsFrom(c.Request().Context()).SetErrorStage("bad_request")
	return c.String(http.StatusBadRequest, msg)
}

func decodeBody(c echo.Context, v any) error {
	body := c.Request().Body
	if body == nil {
		return errors.New("empty body")
	}
	var r io.Reader = body
	if _, capped := body.(*inflatedBody); !capped {
		r = io.LimitReader(body, maxBodySize)
	}
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
