package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/httprint/internal/core"
)

func TestCollector_JobTransitions(t *testing.T) {
	c := NewCollector(nil)

	dispatched := time.Now()
	finished := dispatched.Add(2 * time.Second)
	job := core.Job{ID: "a", Copies: 3, DispatchedAt: &dispatched, FinishedAt: &finished}

	job.State = core.StatePending
	c.JobTransitioned(job, "")
	job.State = core.StateConfirmed
	c.JobTransitioned(job, core.StatePending)
	job.State = core.StateDispatched
	c.JobTransitioned(job, core.StateConfirmed)
	job.State = core.StateDone
	c.JobTransitioned(job, core.StateDispatched)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("done")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.copiesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.dispatchDuration))
}

func TestCollector_Redispatch(t *testing.T) {
	c := NewCollector(nil)

	c.JobTransitioned(core.Job{ID: "b", State: core.StateConfirmed, ReprintOf: "a"}, "")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("redispatched")))
}

func TestCollector_LiveGauges(t *testing.T) {
	c := NewCollector(func() core.RegistryStats {
		return core.RegistryStats{Pending: 4, Failed: 1, Total: 5}
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `httprint_jobs_live{state="pending"} 4`)
	assert.Contains(t, string(body), `httprint_jobs_live{state="failed"} 1`)
	assert.Contains(t, string(body), `httprint_jobs_live{state="done"} 0`)
}

func TestCollector_GinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewCollector(nil)

	r := gin.New()
	r.Use(c.GinMiddleware())
	r.POST("/api/print/:code", func(ctx *gin.Context) { ctx.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/print/1234", nil))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("POST", "/api/print/:code", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
