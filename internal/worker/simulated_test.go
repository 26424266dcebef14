package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSimulatedHandlerReportsSteps tests progress increments and success
func TestSimulatedHandlerReportsSteps(t *testing.T) {
	ch, out := newTestChannel(context.Background())
	h := &SimulatedHandler{Duration: 20 * time.Millisecond, Steps: 4}

	h.Handle(context.Background(), []byte("payload"), ch)

	msgs := drain(out)
	require.Len(t, msgs, 4)
	assert.Equal(t, []int{25, 50, 75}, []int{msgs[0].Progress, msgs[1].Progress, msgs[2].Progress})
	assert.Equal(t, "step 1/4", msgs[0].Note)
	assert.Equal(t, MsgSuccess, msgs[3].Type)
	assert.Equal(t, "payload", string(msgs[3].Result))
}

// TestSimulatedHandlerAlwaysFails tests FailureRate 1
func TestSimulatedHandlerAlwaysFails(t *testing.T) {
	ch, out := newTestChannel(context.Background())
	h := &SimulatedHandler{Duration: time.Millisecond, FailureRate: 1}

	h.Handle(context.Background(), nil, ch)

	msgs := drain(out)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgFailure, msgs[0].Type)
	assert.Equal(t, "simulated execution failure", msgs[0].Err)
}

// TestSimulatedHandlerStopsOnCancel tests that a cancelled job returns early without reporting
func TestSimulatedHandlerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, out := newTestChannel(ctx)
	h := &SimulatedHandler{Duration: time.Hour, Steps: 2}

	done := make(chan struct{})
	go func() {
		h.Handle(ctx, nil, ch)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancel")
	}
	assert.Empty(t, drain(out))
	assert.False(t, ch.Reported())
}
