package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/tierpool/pkg/jobpool"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

type harness struct {
	pool   *jobpool.Pool
	client *Client
	conn   *grpc.ClientConn
	gate   chan struct{}
}

// newHarness serves a one-slot pool over an in-memory listener. Jobs of
// kind score-analysis block until gate is closed.
func newHarness(t *testing.T) *harness {
	t.Helper()
	gate := make(chan struct{})

	reg := jobpool.NewRegistry()
	require.NoError(t, reg.RegisterFunc(types.KindScoreAnalysis, func(ctx context.Context, payload []byte, ch *jobpool.Channel) {
		_ = ch.ProgressWithNote(50, "halfway")
		select {
		case <-gate:
			_ = ch.Succeed([]byte(`{"score":` + string(payload) + `}`))
		case <-ctx.Done():
		}
	}))
	pool, err := jobpool.New(jobpool.Config{MaxWorkers: 1, DispatchInterval: 5 * time.Millisecond}, reg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(pool, nil, 64)
	go func() { _ = srv.GRPCServer().Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.GRPCServer().Stop()
		pool.Shutdown()
	})
	return &harness{pool: pool, client: NewClient(conn), conn: conn, gate: gate}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduleAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	job, err := h.client.Schedule(ctx, types.KindScoreAnalysis, []byte("7"), "athlete-1", "allstar")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, "athlete-1", job.OwnerID)
	assert.False(t, job.CreatedAt.IsZero())

	require.Eventually(t, func() bool {
		got, err := h.client.Status(ctx, job.ID)
		return err == nil && got.Status == types.StatusRunning && got.Progress == 50
	}, 2*time.Second, 5*time.Millisecond)

	close(h.gate)
	var done types.Job
	require.Eventually(t, func() bool {
		done, err = h.client.Status(ctx, job.ID)
		return err == nil && done.Status == types.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, `{"score":7}`, string(done.Result))
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
}

func TestScheduleErrors(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	_, err := h.client.Schedule(ctx, "", nil, "o", "scout")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Schedule(ctx, "unknown-kind", nil, "o", "scout")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	h.pool.Shutdown()
	_, err = h.client.Schedule(ctx, types.KindScoreAnalysis, nil, "o", "scout")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Status(ctxT(t), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCancelAndList(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	running, err := h.client.Schedule(ctx, types.KindScoreAnalysis, []byte("1"), "coach", "mvp")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := h.pool.Status(running.ID)
		return j.Status == types.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	queued, err := h.client.Schedule(ctx, types.KindScoreAnalysis, []byte("2"), "coach", "mvp")
	require.NoError(t, err)

	ok, err := h.client.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running job cannot be cancelled")

	ok, err = h.client.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := h.client.ListByOwner(ctx, "coach")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, running.ID, jobs[0].ID)
	assert.Equal(t, types.StatusCancelled, jobs[1].Status)

	_, err = h.client.ListByOwner(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stats, err := h.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.MaxWorkers)
	assert.Positive(t, stats.PublishedEvents)
}

func TestWatchStreamsOwnerEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events := make(chan types.Event, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- h.client.Watch(ctx, "athlete-9", "", func(evt types.Event) error {
			events <- evt
			if evt.Type == types.EventCompleted {
				return errStop
			}
			return nil
		})
	}()

	// Wait until the server side subscription exists.
	require.Eventually(t, func() bool { return h.pool.SubscriberCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.client.Schedule(ctx, types.KindScoreAnalysis, []byte("3"), "someone-else", "scout")
	require.NoError(t, err)
	close(h.gate)
	job, err := h.client.Schedule(ctx, types.KindScoreAnalysis, []byte("4"), "athlete-9", "scout")
	require.NoError(t, err)

	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, errStop)
	case <-ctx.Done():
		t.Fatal("watch never saw completion")
	}
	close(events)

	var seen []types.EventType
	for evt := range events {
		assert.Equal(t, job.ID, evt.Job.ID, "events for other owners must be filtered")
		seen = append(seen, evt.Type)
	}
	assert.Equal(t, types.EventQueued, seen[0])
	assert.Equal(t, types.EventCompleted, seen[len(seen)-1])
	assert.Contains(t, seen, types.EventStarted)
}

func TestWatchEndsOnShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- h.client.Watch(ctx, "", "", func(types.Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return h.pool.SubscriberCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	h.pool.Shutdown()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not end after shutdown")
	}
}

func TestHealthService(t *testing.T) {
	h := newHarness(t)

	resp, err := healthpb.NewHealthClient(h.conn).Check(ctxT(t), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestCodecRoundTripKeepsFailure(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 1, 500, time.UTC)
	in := types.Job{
		ID:        "j1",
		Kind:      types.KindMediaProcessing,
		Status:    types.StatusFailed,
		Error:     types.NewJobError(types.FailureCrash, "exit status 2"),
		CreatedAt: started.Add(-time.Second),
		StartedAt: &started,
	}
	s, err := jobToStruct(in)
	require.NoError(t, err)

	out, err := jobFromStruct(s)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Error, types.ErrCrash)
	assert.Equal(t, "exit status 2", out.Error.Message)
	assert.True(t, started.Equal(*out.StartedAt))
	assert.Nil(t, out.CompletedAt)
}

var errStop = errors.New("stop watching")
