package api

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/sink"
	"taskboard/storage"
	"taskboard/store"
)

type testServer struct {
	e   *echo.Echo
	svc Services
}

func newTestServer(t *testing.T, mutate func(*Services)) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	backend := storage.NewMemory()
	tasks := store.NewTaskStore(backend, domain.NewNotifier(logger), logger)
	kanban := store.NewKanbanStore(tasks, backend, logger)
	focus := store.NewFocus(tasks, logger)
	t.Cleanup(kanban.Close)
	t.Cleanup(focus.Close)

	svc := Services{
		Tasks:         tasks,
		Kanban:        kanban,
		Focus:         focus,
		Broker:        NewBroker(),
		Logger:        logger,
		FocusDuration: 25 * time.Minute,
		Settings:      domain.Settings{WorkingHoursPerDay: 2, ShowCompletedTasks: true},
	}
	if mutate != nil {
		mutate(&svc)
	}
	svc.Broker.Attach(tasks.Notifier())
	e := echo.New()
	Register(e, svc)
	return &testServer{e: e, svc: svc}
}

func (s *testServer) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/tasks", `{"title":"Draft proposal","priority":"high","labels":["docs"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[domain.Task](t, rec)
	if created.ID == "" || created.Priority != domain.PriorityHigh || created.Completed {
		t.Fatalf("unexpected task %+v", created)
	}

	rec = s.do(t, http.MethodGet, "/api/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if got := decode[domain.Task](t, rec); got.Title != "Draft proposal" || len(got.Labels) != 1 {
		t.Fatalf("unexpected task %+v", got)
	}

	rec = s.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"completed":true}`)
	if rec.Code != http.StatusOK || !decode[domain.Task](t, rec).Completed {
		t.Fatalf("update failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodDelete, "/api/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if len(s.svc.Tasks.GetAllTasks()) != 0 {
		t.Fatal("task was not deleted")
	}
}

func TestTaskRequestErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"invalid deadline", http.MethodPost, "/api/tasks", `{"deadline":"next tuesday"}`, http.StatusUnprocessableEntity},
		{"invalid priority", http.MethodPost, "/api/tasks", `{"priority":"urgent"}`, http.StatusUnprocessableEntity},
		{"start after end", http.MethodPost, "/api/tasks", `{"startDate":"2024-05-02","endDate":"2024-05-01"}`, http.StatusUnprocessableEntity},
		{"unknown field", http.MethodPost, "/api/tasks", `{"owner":"me"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/tasks", `{"title":`, http.StatusBadRequest},
		{"get missing", http.MethodGet, "/api/tasks/missing", "", http.StatusNotFound},
		{"update missing", http.MethodPatch, "/api/tasks/missing", `{"title":"x"}`, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/api/tasks/missing", "", http.StatusNotFound},
		{"invalid view", http.MethodGet, "/api/tasks?view=someday", "", http.StatusBadRequest},
		{"half range", http.MethodGet, "/api/tasks?from=2024-05-01", "", http.StatusBadRequest},
		{"invalid perDay", http.MethodGet, "/api/schedule?perDay=0", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected status %d got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusUnprocessableEntity {
				res := decode[domain.ValidationResult](t, rec)
				if res.Valid || res.Message == "" {
					t.Fatalf("unexpected validation body %+v", res)
				}
			}
		})
	}
	if len(s.svc.Tasks.GetAllTasks()) != 0 {
		t.Fatal("rejected requests must not create tasks")
	}
}

func TestListTasksFilters(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	s := newTestServer(t, func(svc *Services) { svc.Now = func() time.Time { return now } })

	create := func(body string) domain.Task {
		rec := s.do(t, http.MethodPost, "/api/tasks", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s: %d %s", body, rec.Code, rec.Body.String())
		}
		return decode[domain.Task](t, rec)
	}
	overdue := create(`{"title":"Late","deadline":"2024-05-01"}`)
	today := create(`{"title":"Today","startDate":"2024-05-10T09:00:00Z","endDate":"2024-05-10T18:00:00Z","documentId":"doc-1"}`)
	done := create(`{"title":"Done","completed":true,"endDate":"2024-06-01"}`)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/api/tasks", []string{overdue.ID, today.ID, done.ID}},
		{"ids", "/api/tasks?ids=" + done.ID + ",missing," + overdue.ID, []string{done.ID, overdue.ID}},
		{"document", "/api/tasks?document=doc-1", []string{today.ID}},
		{"range", "/api/tasks?from=2024-05-10&to=2024-05-11", []string{today.ID}},
		{"overdue view", "/api/tasks?view=overdue", []string{overdue.ID}},
		{"today view", "/api/tasks?view=today", []string{today.ID}},
		{"completed", "/api/tasks?completed=true", []string{done.ID}},
		{"open", "/api/tasks?completed=false", []string{overdue.ID, today.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.target, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
			}
			got := decode[tasksResponse](t, rec).Tasks
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d tasks, got %+v", len(tt.want), got)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestListTasksHonoursShowCompletedSetting(t *testing.T) {
	s := newTestServer(t, func(svc *Services) {
		svc.Settings = domain.Settings{WorkingHoursPerDay: 2, ShowCompletedTasks: false}
	})
	open := s.do(t, http.MethodPost, "/api/tasks", `{"title":"Open"}`)
	s.do(t, http.MethodPost, "/api/tasks", `{"title":"Closed","completed":true}`)

	got := decode[tasksResponse](t, s.do(t, http.MethodGet, "/api/tasks", "")).Tasks
	if len(got) != 1 || got[0].ID != decode[domain.Task](t, open).ID {
		t.Fatalf("completed task should be hidden by default, got %+v", got)
	}
	if got := decode[tasksResponse](t, s.do(t, http.MethodGet, "/api/tasks?completed=true", "")).Tasks; len(got) != 1 || got[0].Title != "Closed" {
		t.Fatalf("explicit filter should still reach completed tasks, got %+v", got)
	}
}

func TestTaskEndpointsRejectColumnChanges(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodPost, "/api/tasks", `{"title":"Placed","columnId":"done"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on create, got %d", rec.Code)
	}
	task := decode[domain.Task](t, s.do(t, http.MethodPost, "/api/tasks", `{"title":"Loose"}`))
	rec := s.do(t, http.MethodPatch, "/api/tasks/"+task.ID, `{"columnId":"done"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on update, got %d", rec.Code)
	}
	if body := decode[domain.ValidationResult](t, rec); body.Valid || !strings.Contains(body.Message, "move endpoint") {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAnalyticsReportsNullRateWhenEmpty(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/analytics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if v, ok := body["completionRate"]; !ok || v != nil {
		t.Fatalf("expected null completion rate, got %#v", body["completionRate"])
	}

	s.do(t, http.MethodPost, "/api/tasks", `{"title":"a","completed":true}`)
	s.do(t, http.MethodPost, "/api/tasks", `{"title":"b","priority":"high"}`)
	resp := decode[analyticsResponse](t, s.do(t, http.MethodGet, "/api/analytics", ""))
	if resp.CompletionRate == nil || *resp.CompletionRate != 50 {
		t.Fatalf("expected 50%% completion, got %+v", resp.CompletionRate)
	}
	if resp.Distribution.High != 1 || resp.Distribution.Low != 1 {
		t.Fatalf("unexpected distribution %+v", resp.Distribution)
	}
}

func TestScheduleUsesConfiguredCapacity(t *testing.T) {
	s := newTestServer(t, nil)
	for _, p := range []string{"low", "high", "medium"} {
		s.do(t, http.MethodPost, "/api/tasks", `{"title":"`+p+`","priority":"`+p+`"}`)
	}

	got := decode[tasksResponse](t, s.do(t, http.MethodGet, "/api/schedule", "")).Tasks
	if len(got) != 3 || got[0].Priority != domain.PriorityHigh || got[2].Priority != domain.PriorityLow {
		t.Fatalf("unexpected schedule order %+v", got)
	}
	if got[0].Deadline == nil || got[2].Deadline == nil || !got[2].Deadline.After(*got[0].Deadline) {
		t.Fatalf("expected third task on the next day with two per day: %+v", got)
	}

	got = decode[tasksResponse](t, s.do(t, http.MethodGet, "/api/schedule?perDay=3", "")).Tasks
	if !got[2].Deadline.Equal(*got[0].Deadline) {
		t.Fatalf("expected a single day with perDay=3: %+v", got)
	}
	for _, task := range s.svc.Tasks.GetAllTasks() {
		if task.Deadline != nil {
			t.Fatal("scheduling must not modify stored tasks")
		}
	}
}

func TestBoardWorkflow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/board/columns/todo/tasks", `{"title":"Early"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without an active board, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/boards/init", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("init: %d %s", rec.Code, rec.Body.String())
	}
	if board := decode[domain.Board](t, rec); board.Title != store.DefaultBoardTitle || len(board.Columns) != 3 {
		t.Fatalf("unexpected board %+v", board)
	}

	rec = s.do(t, http.MethodPost, "/api/board/columns/todo/tasks", `{"title":"Ship it"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	task := decode[domain.Task](t, rec)

	rec = s.do(t, http.MethodPost, "/api/board/move", `{"taskId":"`+task.ID+`","to":"done"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("todo to done should be rejected, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/board/move", `{"taskId":"`+task.ID+`","from":"todo","to":"in-progress"}`)
	if rec.Code != http.StatusOK || decode[domain.Task](t, rec).ColumnID != domain.ColumnInProgress {
		t.Fatalf("move: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPatch, "/api/board/columns/in-progress/tasks/"+task.ID, `{"columnId":"done","completed":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.Task](t, rec); got.ColumnID != domain.ColumnDone || !got.Completed {
		t.Fatalf("unexpected task %+v", got)
	}

	analytics := decode[analyticsResponse](t, s.do(t, http.MethodGet, "/api/board/analytics", ""))
	if analytics.CompletionRate == nil || *analytics.CompletionRate != 100 {
		t.Fatalf("unexpected board analytics %+v", analytics)
	}

	view := decode[store.KanbanView](t, s.do(t, http.MethodGet, "/api/boards", ""))
	if view.ActiveBoard == nil || len(view.ActiveBoard.Columns[2].Tasks) != 1 {
		t.Fatalf("unexpected board view %+v", view)
	}

	rec = s.do(t, http.MethodDelete, "/api/board/columns/todo/tasks/"+task.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong column, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodDelete, "/api/board/columns/done/tasks/"+task.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if s.svc.Tasks.Has(task.ID) {
		t.Fatal("board delete must remove the task")
	}
}

func TestBoardLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/boards", `{"title":"Review","columns":[{"id":"open","title":"Open"},{"id":"closed"}],"transitions":{"open":["closed"]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create custom: %d %s", rec.Code, rec.Body.String())
	}
	custom := decode[domain.Board](t, rec)

	rec = s.do(t, http.MethodPost, "/api/boards", `{"title":"Bad","columns":[{"id":"a"},{"id":"a"}]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate columns should be rejected, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/boards", `{"title":"Plain"}`)
	plain := decode[domain.Board](t, rec)

	if rec := s.do(t, http.MethodPost, "/api/boards/"+custom.ID+"/activate", ""); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/boards/"+plain.ID+"/archive", ""); rec.Code != http.StatusOK {
		t.Fatalf("archive: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/boards/"+plain.ID+"/activate", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("archived board should not activate, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/boards/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/boards/"+plain.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if n := len(s.svc.Kanban.State().Boards); n != 1 {
		t.Fatalf("expected one board left, got %d", n)
	}
}

func TestFocusEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	task := decode[domain.Task](t, s.do(t, http.MethodPost, "/api/tasks", `{"title":"Deep work"}`))

	if got := decode[focusResponse](t, s.do(t, http.MethodGet, "/api/focus", "")); got.Active {
		t.Fatalf("expected no focus session, got %+v", got)
	}
	if rec := s.do(t, http.MethodPost, "/api/focus", `{"taskId":"missing"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/focus", `{"taskId":"`+task.ID+`","duration":"soon"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/focus", `{"taskId":"`+task.ID+`","duration":"50m"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[focusResponse](t, rec)
	if !got.Active || got.Session.TaskTitle != "Deep work" || got.Session.EndsAt.Sub(got.Session.StartedAt) != 50*time.Minute {
		t.Fatalf("unexpected session %+v", got)
	}

	if rec := s.do(t, http.MethodDelete, "/api/focus", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/focus", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second stop should 404, got %d", rec.Code)
	}
}

func TestIdempotentTaskCreation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := newTestServer(t, func(svc *Services) { svc.Deduper = NewRedisDeduper(client, time.Minute) })

	rec := s.do(t, http.MethodPost, "/api/tasks", `{"deadline":"nope"}`, headerIdempotent, "k1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/tasks", `{"title":"Once"}`, headerIdempotent, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("a failed request must release its key, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/tasks", `{"title":"Once"}`, headerIdempotent, "k1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to be rejected, got %d", rec.Code)
	}
	if n := len(s.svc.Tasks.GetAllTasks()); n != 1 {
		t.Fatalf("expected a single task, got %d", n)
	}
}

func TestAuthenticationRequiredWhenConfigured(t *testing.T) {
	secret := []byte("test-secret")
	s := newTestServer(t, func(svc *Services) { svc.Auth = NewSharedSecretAuth(secret, "", "") })

	if rec := s.do(t, http.MethodGet, "/api/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	token := signHS256(t, secret, "user-1", time.Now().Add(time.Hour))
	if rec := s.do(t, http.MethodGet, "/api/tasks", "", echo.HeaderAuthorization, "Bearer "+token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}

func TestHealthzReportsDispatcherStats(t *testing.T) {
	s := newTestServer(t, func(svc *Services) {
		svc.DispatcherStats = func() sink.Stats { return sink.Stats{Delivered: 7} }
	})
	s.do(t, http.MethodPost, "/api/tasks", `{"title":"a"}`)

	got := decode[healthResponse](t, s.do(t, http.MethodGet, "/healthz", ""))
	if got.Status != "ok" || got.Tasks != 1 || got.Dispatcher == nil || got.Dispatcher.Delivered != 7 {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestGzipEncodedBody(t *testing.T) {
	s := newTestServer(t, nil)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(`{"title":"Compressed"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || decode[domain.Task](t, rec).Title != "Compressed" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}
