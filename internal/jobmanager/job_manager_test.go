package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestJob creates a test Job
func newTestJob(id string, owner string) types.Job {
	return types.Job{
		ID:        types.JobID(id),
		Kind:      types.KindScoreAnalysis,
		Payload:   []byte(`{"athlete":"a-1"}`),
		OwnerID:   owner,
		Priority:  1,
		CreatedAt: t0,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, exists := jm.Get(jobID)
	if !exists {
		t.Errorf("job %s not found", jobID)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	stats := jm.Stats()
	for _, s := range []types.JobStatus{
		types.StatusQueued, types.StatusRunning, types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled,
	} {
		if stats[s] != 0 {
			t.Errorf("stats[%s]: got %d, want 0", s, stats[s])
		}
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		job     types.Job
		wantErr error
	}{
		{
			name:  "Normal single job add",
			setup: func(jm *JobManager) {},
			job:   newTestJob("job-001", "owner-a"),
		},
		{
			name:  "Add a second job",
			setup: func(jm *JobManager) { jm.Add(newTestJob("job-001", "owner-a")) },
			job:   newTestJob("job-002", "owner-a"),
		},
		{
			name:    "Duplicate job ID",
			setup:   func(jm *JobManager) { jm.Add(newTestJob("job-001", "owner-a")) },
			job:     newTestJob("job-001", "owner-b"),
			wantErr: ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			tt.setup(jm)

			_, err := jm.Add(tt.job)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertJobStatus(t, jm, tt.job.ID, types.StatusQueued)
		})
	}
}

func TestAddResetsLifecycleFields(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob("job-001", "owner-a")
	started := t0
	job.Status = types.StatusCompleted
	job.Progress = 50
	job.StartedAt = &started

	stored, err := jm.Add(job)
	assertNoError(t, err)

	if stored.Status != types.StatusQueued || stored.Progress != 0 || stored.StartedAt != nil {
		t.Errorf("lifecycle fields not reset: %+v", stored)
	}
}

func TestLifecycleCompleted(t *testing.T) {
	jm := NewJobManager()
	_, err := jm.Add(newTestJob("job-001", "owner-a"))
	assertNoError(t, err)

	running, err := jm.MarkRunning("job-001", "slot-1", t0.Add(time.Second))
	assertNoError(t, err)
	if running.StartedAt == nil || !running.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("StartedAt not set: %v", running.StartedAt)
	}
	if running.SlotID != "slot-1" {
		t.Errorf("SlotID = %q, want slot-1", running.SlotID)
	}

	_, changed, err := jm.UpdateProgress("job-001", 40, "decoding")
	assertNoError(t, err)
	if !changed {
		t.Error("progress update should report a change")
	}

	done, err := jm.MarkCompleted("job-001", []byte(`{"gar":88}`), t0.Add(2*time.Second))
	assertNoError(t, err)
	if done.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done.Progress)
	}
	if string(done.Result) != `{"gar":88}` {
		t.Errorf("Result = %s", done.Result)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	assertJobStatus(t, jm, "job-001", types.StatusCompleted)

	// 終止後不可再轉換
	_, err = jm.MarkFailed("job-001", types.NewJobError(types.FailureCrash, ""), t0)
	assertError(t, err, ErrNotRunning)
	_, _, err = jm.UpdateProgress("job-001", 10, "")
	assertError(t, err, ErrNotRunning)
}

func TestLifecycleFailed(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("job-001", "owner-a"))
	jm.MarkRunning("job-001", "slot-1", t0)

	failed, err := jm.MarkFailed("job-001", types.NewJobError(types.FailureTimeout, "exceeded 5m"), t0.Add(time.Minute))
	assertNoError(t, err)
	if !errors.Is(failed.Error, types.ErrTimeout) {
		t.Errorf("Error = %v, want timeout", failed.Error)
	}
	if failed.Result != nil {
		t.Errorf("Result should be empty on failure, got %s", failed.Result)
	}
}

func TestMarkRunningRequiresQueued(t *testing.T) {
	jm := NewJobManager()

	_, err := jm.MarkRunning("missing", "slot-1", t0)
	assertError(t, err, ErrJobNotFound)

	jm.Add(newTestJob("job-001", "owner-a"))
	jm.MarkRunning("job-001", "slot-1", t0)
	_, err = jm.MarkRunning("job-001", "slot-2", t0)
	assertError(t, err, ErrNotQueued)
}

func TestMarkCancelled(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("job-001", "owner-a"))
	jm.Add(newTestJob("job-002", "owner-a"))

	cancelled, err := jm.MarkCancelled("job-001", t0)
	assertNoError(t, err)
	if cancelled.StartedAt != nil {
		t.Error("cancelled job must never have StartedAt")
	}

	jm.MarkRunning("job-002", "slot-1", t0)
	_, err = jm.MarkCancelled("job-002", t0)
	assertError(t, err, ErrNotQueued)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("job-001", "owner-a"))
	jm.MarkRunning("job-001", "slot-1", t0)

	steps := []struct {
		in          int
		wantValue   int
		wantChanged bool
	}{
		{20, 20, true},
		{10, 20, false},
		{20, 20, false},
		{150, 100, true},
	}
	for _, s := range steps {
		job, changed, err := jm.UpdateProgress("job-001", s.in, "")
		assertNoError(t, err)
		if job.Progress != s.wantValue || changed != s.wantChanged {
			t.Errorf("UpdateProgress(%d) = (%d, %v), want (%d, %v)",
				s.in, job.Progress, changed, s.wantValue, s.wantChanged)
		}
	}
}

func TestListByOwner(t *testing.T) {
	jm := NewJobManager()
	for i := 0; i < 3; i++ {
		job := newTestJob(fmt.Sprintf("a-%d", i), "owner-a")
		job.CreatedAt = t0.Add(time.Duration(3-i) * time.Second)
		jm.Add(job)
	}
	jm.Add(newTestJob("b-0", "owner-b"))

	jobs := jm.ListByOwner("owner-a")
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	want := []types.JobID{"a-2", "a-1", "a-0"}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("jobs[%d] = %s, want %s", i, job.ID, want[i])
		}
	}

	if got := jm.ListByOwner("nobody"); len(got) != 0 {
		t.Errorf("unknown owner returned %d jobs", len(got))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("job-001", "owner-a"))

	job, _ := jm.Get("job-001")
	job.Status = types.StatusCompleted
	job.Payload[0] = 'X'

	assertJobStatus(t, jm, "job-001", types.StatusQueued)
	again, _ := jm.Get("job-001")
	if again.Payload[0] != '{' {
		t.Error("payload mutated through snapshot")
	}
}

func TestEvict(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("job-001", "owner-a"))

	assertError(t, jm.Evict("job-001"), ErrNotTerminal)
	assertError(t, jm.Evict("missing"), ErrJobNotFound)

	jm.MarkCancelled("job-001", t0)
	assertNoError(t, jm.Evict("job-001"))

	if _, ok := jm.Get("job-001"); ok {
		t.Error("evicted job still present")
	}
	if len(jm.ListByOwner("owner-a")) != 0 {
		t.Error("owner index not cleaned up")
	}
}

func TestEvictTerminatedBefore(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("old", "o"))
	jm.Add(newTestJob("new", "o"))
	jm.Add(newTestJob("queued", "o"))

	jm.MarkRunning("old", "s1", t0)
	jm.MarkCompleted("old", nil, t0)
	jm.MarkRunning("new", "s2", t0)
	jm.MarkFailed("new", types.NewJobError(types.FailureCrash, ""), t0.Add(time.Hour))

	n := jm.EvictTerminatedBefore(t0.Add(time.Minute))
	if n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, ok := jm.Get("old"); ok {
		t.Error("old job should be evicted")
	}
	assertJobStatus(t, jm, "new", types.StatusFailed)
	assertJobStatus(t, jm, "queued", types.StatusQueued)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentAccess(t *testing.T) {
	jm := NewJobManager()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%d", i))
			jm.Add(newTestJob(string(id), "owner"))
			jm.MarkRunning(id, "slot", t0)
			jm.UpdateProgress(id, 50, "")
			jm.MarkCompleted(id, nil, t0)
			jm.Get(id)
			jm.Stats()
		}(i)
	}
	wg.Wait()

	if got := jm.Stats()[types.StatusCompleted]; got != n {
		t.Errorf("completed = %d, want %d", got, n)
	}
}
