package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *progress.Bus {
	return progress.NewBus(zerolog.Nop())
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := newTestBus()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	bus.Start("run-1", "Extracting repository 42")
	bus.Progress("run-1", "objects", 100, 250, 100)
	bus.Progress("run-1", "relations", 5, -1, -1)
	bus.Complete("run-1", "done", map[string]int{"objects": 250})
	bus.Error("run-1", "failed", errors.New("boom"))

	events := make([]progress.Event, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, <-ch)
	}

	assert.Equal(t, progress.EventStart, events[0].Type)
	assert.Equal(t, "Extracting repository 42", events[0].Message)
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, progress.EventProgress, events[1].Type)
	assert.Equal(t, "objects", events[1].Phase)
	require.NotNil(t, events[1].Total)
	assert.Equal(t, 250, *events[1].Total)
	require.NotNil(t, events[1].Offset)
	assert.Equal(t, 100, *events[1].Offset)

	assert.Nil(t, events[2].Total)
	assert.Nil(t, events[2].Offset)

	assert.Equal(t, progress.EventComplete, events[3].Type)
	assert.Equal(t, progress.EventError, events[4].Type)
	assert.Equal(t, "boom", events[4].Error)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus()
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Progress("run", "objects", i, -1, -1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	ev := <-ch
	assert.Equal(t, 0, ev.Current)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	ch, unsubscribe := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	// publishing with no subscribers is fine
	bus.Start("run", "nobody listening")
}

func TestBus_SubscribeFuncRecoversPanic(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	received := make(chan struct{}, 2)

	unsubscribe := bus.SubscribeFunc(func(ev progress.Event) {
		mu.Lock()
		seen = append(seen, ev.Message)
		mu.Unlock()
		received <- struct{}{}
		if ev.Message == "first" {
			panic("observer failure")
		}
	})
	defer unsubscribe()

	bus.Start("run", "first")
	bus.Start("run", "second")

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestBus_NilSafePublish(t *testing.T) {
	var bus *progress.Bus
	assert.NotPanics(t, func() {
		bus.Publish(progress.Event{Type: progress.EventStart})
	})
}

func TestRunIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", progress.RunID(ctx))

	ctx = progress.WithRunID(ctx, "run-9")
	assert.Equal(t, "run-9", progress.RunID(ctx))
}
