package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"taskflow/internal/core"
)

var _ core.Observer = Collector{}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorExports(t *testing.T) {
	c := NewCollector()
	task := &core.Task{ID: "t1", Action: "metrics_action"}

	c.ExecutionStarted(task)
	c.ExecutionFinished(task, &core.TaskResult{TaskID: "t1", Status: core.StatusFailed, Duration: 0.2})
	c.FiringSkipped(task)
	c.PersistFailed(errors.New("disk full"))

	body := scrape(t)
	require.Contains(t, body, `taskflow_executions_total{action="metrics_action",status="failed"} 1`)
	require.Contains(t, body, `taskflow_execution_duration_seconds_count{action="metrics_action"} 1`)
	require.Contains(t, body, `taskflow_firings_skipped_total{action="metrics_action"} 1`)
	require.Contains(t, body, "taskflow_executions_in_flight 0")
	require.Contains(t, body, "taskflow_persist_failures_total")
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Contains(t, scrape(t), `taskflow_http_requests_total{method="GET",path="/v1/tasks/{taskID}",status="418"} 1`)
}
