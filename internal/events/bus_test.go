package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(10)
	completed := bus.Subscribe(10, JobCompleted)

	bus.Publish(Event{Type: JobAdded, Queue: "q", JobID: "a"})
	bus.Publish(Event{Type: JobCompleted, Queue: "q", JobID: "a"})

	require.Len(t, all.C(), 2)
	require.Len(t, completed.C(), 1)

	ev := <-completed.C()
	assert.Equal(t, JobCompleted, ev.Type)
	assert.Equal(t, "a", ev.JobID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe(1)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: JobAdded})
	}

	assert.Len(t, slow.C(), 1)
	assert.Equal(t, uint64(4), slow.Dropped())
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	bus.Publish(Event{Type: JobAdded})
	_, ok := <-sub.C()
	assert.False(t, ok)

	bus.Close()
	late := bus.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok)
}
