package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// lifecycle builds the event sequence of one job ending in final
func lifecycle(id string, kind types.JobKind, final types.EventType, cause *types.JobError) []types.Event {
	job := types.Job{ID: types.JobID(id), Kind: kind, CreatedAt: t0}
	events := []types.Event{{Type: types.EventQueued, Job: job}}
	if final == types.EventCancelled {
		done := t0.Add(time.Second)
		job.CompletedAt = &done
		return append(events, types.Event{Type: final, Job: job})
	}

	started := t0.Add(2 * time.Second)
	job.StartedAt = &started
	events = append(events, types.Event{Type: types.EventStarted, Job: job})

	done := started.Add(3 * time.Second)
	job.CompletedAt = &done
	job.Error = cause
	return append(events, types.Event{Type: final, Job: job})
}

func feed(c *Collector, events []types.Event) {
	for _, e := range events {
		c.HandleEvent(e)
	}
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg, nil)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsScheduled, "jobsScheduled counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.waitSeconds, "waitSeconds histogram should be initialized")
}

func TestCollectorCountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	feed(c, lifecycle("a", types.KindMediaProcessing, types.EventCompleted, nil))
	feed(c, lifecycle("b", types.KindMediaProcessing, types.EventFailed, types.NewJobError(types.FailureTimeout, "")))
	feed(c, lifecycle("c", types.KindScoreAnalysis, types.EventFailed, types.NewJobError(types.FailureCrash, "")))
	feed(c, lifecycle("d", types.KindScoreAnalysis, types.EventCancelled, nil))

	media := string(types.KindMediaProcessing)
	score := string(types.KindScoreAnalysis)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsScheduled.WithLabelValues(media)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsScheduled.WithLabelValues(score)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsStarted.WithLabelValues(media)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsStarted.WithLabelValues(score)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues(media)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues(media, "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues(score, "crash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCancelled.WithLabelValues(score)))
}

func TestCollectorObservesDurations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	feed(c, lifecycle("a", types.KindMediaProcessing, types.EventCompleted, nil))

	n, err := testutil.GatherAndCount(reg, "tierpool_job_wait_seconds", "tierpool_job_run_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		switch mf.GetName() {
		case "tierpool_job_wait_seconds":
			h := mf.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(1), h.GetSampleCount())
			assert.InDelta(t, 2.0, h.GetSampleSum(), 1e-9)
		case "tierpool_job_run_seconds":
			h := mf.GetMetric()[0].GetHistogram()
			assert.InDelta(t, 3.0, h.GetSampleSum(), 1e-9)
		}
	}
}

func TestGaugesReadStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := types.Stats{Queued: 4, Running: 2, Slots: 3, BusySlots: 2, MaxWorkers: 8, PublishedEvents: 40, DroppedEvents: 11}
	NewCollector(reg, func() types.Stats { return stats })

	expected := `
# HELP tierpool_jobs_queued Current number of queued jobs
# TYPE tierpool_jobs_queued gauge
tierpool_jobs_queued 4
# HELP tierpool_slots_max Configured worker slot limit
# TYPE tierpool_slots_max gauge
tierpool_slots_max 8
# HELP tierpool_events_published Events published to subscribers and sinks
# TYPE tierpool_events_published gauge
tierpool_events_published 40
# HELP tierpool_events_dropped Events discarded because a subscriber buffer was full
# TYPE tierpool_events_dropped gauge
tierpool_events_dropped 11
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tierpool_jobs_queued", "tierpool_slots_max", "tierpool_events_published", "tierpool_events_dropped")
	assert.NoError(t, err)
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg, nil)
	require.NotNil(t, collector1)

	// Registering twice on the same registry is a programming error
	assert.Panics(t, func() {
		NewCollector(reg, nil)
	}, "Creating a second collector on one registry should panic")

	// A separate registry is fine
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry(), nil)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed(c, lifecycle("x", types.KindFeatureExtraction, types.EventCompleted, nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues(string(types.KindFeatureExtraction))))
}

func TestFailedWithoutError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	assert.NotPanics(t, func() {
		c.HandleEvent(types.Event{Type: types.EventFailed, Job: types.Job{Kind: "k"}})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("k", "unknown")))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, func() types.Stats { return types.Stats{MaxWorkers: 2} })
	feed(c, lifecycle("a", types.KindMediaProcessing, types.EventCompleted, nil))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tierpool_jobs_completed_total{kind="media-processing"} 1`)
	assert.Contains(t, string(body), "tierpool_slots_max 2")
}
