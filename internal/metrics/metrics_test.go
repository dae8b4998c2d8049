package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedWorkers struct{ max, occupied int }

func (f fixedWorkers) MaxWorkers() int      { return f.max }
func (f fixedWorkers) OccupiedWorkers() int { return f.occupied }

// scrape returns the text exposition of m.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.ObservePass("ran_out_of_capacity", 10*time.Millisecond)
	m.ObservePass("ran_out_of_capacity", 10*time.Millisecond)
	m.ObservePass("no_tasks_claimed", time.Millisecond)
	m.AddClaimed(3)
	m.AddClaimed(0)
	m.ObserveRun("report", "success", time.Second)
	m.IncNotifications()

	text := scrape(t, m)
	assert.Contains(t, text, `taskpool_fill_passes_total{stop_reason="ran_out_of_capacity"} 2`)
	assert.Contains(t, text, `taskpool_fill_passes_total{stop_reason="no_tasks_claimed"} 1`)
	assert.Contains(t, text, "taskpool_fill_claimed_tasks_total 3")
	assert.Contains(t, text, `taskpool_task_runs_total{outcome="success",task_type="report"} 1`)
	assert.Contains(t, text, "taskpool_notify_received_total 1")
	assert.NotContains(t, text, "taskpool_pool_max_workers")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	// none of these may panic
	m.ObservePass("failed", time.Second)
	m.AddClaimed(1)
	m.ObserveRun("report", "retry", time.Second)
	m.IncNotifications()
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// a second instance must not panic on duplicate registration
	a := New(fixedWorkers{max: 1})
	b := New(fixedWorkers{max: 2})
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMetrics_WorkerGauges(t *testing.T) {
	m := New(fixedWorkers{max: 10, occupied: 4})

	text := scrape(t, m)
	assert.True(t, strings.Contains(text, "taskpool_pool_max_workers 10"), text)
	assert.True(t, strings.Contains(text, "taskpool_pool_occupied_workers 4"), text)
	assert.Contains(t, text, "go_goroutines")
}
