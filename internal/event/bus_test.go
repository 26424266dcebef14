package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

func testEvent(id string, owner string, typ types.EventType) types.Event {
	return types.Event{
		Type: typ,
		Job: types.Job{
			ID:      types.JobID(id),
			OwnerID: owner,
			Payload: []byte("p"),
		},
		At: time.Now(),
	}
}

func recv(t *testing.T, sub *Subscription) types.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	sub := bus.Subscribe(0, nil)
	bus.Publish(testEvent("j1", "o1", types.EventQueued))
	bus.Publish(testEvent("j1", "o1", types.EventStarted))

	assert.Equal(t, types.EventQueued, recv(t, sub).Type)
	assert.Equal(t, types.EventStarted, recv(t, sub).Type)
	assert.Equal(t, uint64(2), bus.Published())
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestFilters(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	byOwner := bus.Subscribe(0, OwnerFilter("o2"))
	byJob := bus.Subscribe(0, JobFilter("j1"))

	bus.Publish(testEvent("j1", "o1", types.EventQueued))
	bus.Publish(testEvent("j2", "o2", types.EventQueued))

	assert.Equal(t, types.JobID("j2"), recv(t, byOwner).Job.ID)
	assert.Equal(t, types.JobID("j1"), recv(t, byJob).Job.ID)
	assert.Empty(t, byOwner.C())
	assert.Empty(t, byJob.C())
}

func TestDropOldest(t *testing.T) {
	bus := NewBus(2, nil)
	defer bus.Close()

	sub := bus.Subscribe(0, nil)
	bus.Publish(testEvent("j1", "o", types.EventQueued))
	bus.Publish(testEvent("j2", "o", types.EventQueued))
	bus.Publish(testEvent("j3", "o", types.EventQueued))

	assert.Equal(t, types.JobID("j2"), recv(t, sub).Job.ID)
	assert.Equal(t, types.JobID("j3"), recv(t, sub).Job.ID)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()
	_ = bus.Subscribe(0, nil) // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(testEvent("j", "o", types.EventProgress))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(999), bus.Dropped())
}

func TestSubscribersGetIndependentCopies(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()

	a := bus.Subscribe(0, nil)
	b := bus.Subscribe(0, nil)
	bus.Publish(testEvent("j1", "o", types.EventQueued))

	ea := recv(t, a)
	ea.Job.Payload[0] = 'X'
	eb := recv(t, b)
	assert.Equal(t, "p", string(eb.Job.Payload))
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()

	sub := bus.Subscribe(0, nil)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())

	assert.NotPanics(t, func() { bus.Publish(testEvent("j", "o", types.EventQueued)) })
}

func TestSinkReceivesEvents(t *testing.T) {
	bus := NewBus(16, nil)

	var mu sync.Mutex
	var got []types.EventType
	stop := bus.AddSink(SinkFunc(func(evt types.Event) {
		mu.Lock()
		got = append(got, evt.Type)
		mu.Unlock()
	}), 0)

	bus.Publish(testEvent("j1", "o", types.EventQueued))
	bus.Publish(testEvent("j1", "o", types.EventStarted))
	bus.Publish(testEvent("j1", "o", types.EventCompleted))
	stop()
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.EventType{types.EventQueued, types.EventStarted, types.EventCompleted}, got)
	bus.Close()
}

func TestSinkPanicIsContained(t *testing.T) {
	bus := NewBus(16, nil)

	var calls atomic.Int32
	stop := bus.AddSink(SinkFunc(func(evt types.Event) {
		calls.Add(1)
		if evt.Job.ID == "boom" {
			panic("sink failure")
		}
	}), 0)

	bus.Publish(testEvent("boom", "o", types.EventQueued))
	bus.Publish(testEvent("fine", "o", types.EventQueued))
	stop()

	assert.Equal(t, int32(2), calls.Load())
	bus.Close()
}

func TestCloseDrainsSinksAndClosesSubscriptions(t *testing.T) {
	bus := NewBus(16, nil)

	var calls atomic.Int32
	bus.AddSink(SinkFunc(func(types.Event) { calls.Add(1) }), 0)
	sub := bus.Subscribe(0, nil)

	bus.Publish(testEvent("j", "o", types.EventQueued))
	bus.Close()
	bus.Close()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, types.JobID("j"), recv(t, sub).Job.ID)
	_, ok := <-sub.C()
	assert.False(t, ok)

	late := bus.Subscribe(0, nil)
	_, ok = <-late.C()
	assert.False(t, ok)
	bus.Publish(testEvent("after", "o", types.EventQueued))
	assert.Equal(t, uint64(1), bus.Published())
}
