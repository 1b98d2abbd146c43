package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutationEvent(id string) Event {
	return Event{Type: EventTypeMutation, Mutation: &Mutation{ID: id}}
}

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()

	require.True(t, q.Enqueue(mutationEvent("a")))
	require.True(t, q.Enqueue(mutationEvent("b")))
	require.True(t, q.Enqueue(mutationEvent("c")))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		ev, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, ev.Mutation.ID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueueSignalCoalesces(t *testing.T) {
	q := newEventQueue()

	q.Enqueue(mutationEvent("a"))
	q.Enqueue(mutationEvent("b"))

	// Two enqueues produce at most one pending wakeup; the waiter
	// drains the queue, not the channel.
	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("signal channel not coalesced")
	default:
	}

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestEventQueueClose(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(mutationEvent("a"))
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(mutationEvent("b")))

	// Pending events survive close.
	ev, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", ev.Mutation.ID)

	// Close wakes a waiter.
	select {
	case <-q.Wait():
	default:
		t.Fatal("close did not signal")
	}

	q.Close() // Idempotent.
}

func TestEventQueueConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(mutationEvent("x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, q.Len())
}
