package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	s := NewStream()
	assert.Equal(t, uint64(1), s.Publish([]byte("a")))
	assert.Equal(t, uint64(2), s.Publish([]byte("b")))
	assert.Equal(t, uint64(3), s.Publish([]byte("c")))
}

func TestSubscribeReplaysMissedEvents(t *testing.T) {
	s := NewStream()
	for i := 1; i <= 7; i++ {
		s.Publish([]byte(fmt.Sprintf("event-%d", i)))
	}

	missed, _ := s.Subscribe(5)
	require.Len(t, missed, 2)
	assert.Equal(t, uint64(6), missed[0].ID)
	assert.Equal(t, "event-6", string(missed[0].Data))
	assert.Equal(t, uint64(7), missed[1].ID)
}

func TestSubscribeFreshGetsEverything(t *testing.T) {
	s := NewStream()
	s.Publish([]byte("a"))
	s.Publish([]byte("b"))

	missed, _ := s.Subscribe(0)
	assert.Len(t, missed, 2)
}

func TestReplayQueueIsBounded(t *testing.T) {
	s := NewStream()
	for i := 0; i < replayLimit+50; i++ {
		s.Publish([]byte("x"))
	}

	missed, _ := s.Subscribe(0)
	require.Len(t, missed, replayLimit)
	// Oldest events were evicted; the queue starts after the gap.
	assert.Equal(t, uint64(51), missed[0].ID)
}

func TestLiveDelivery(t *testing.T) {
	s := NewStream()
	_, events := s.Subscribe(0)

	s.Publish([]byte("live"))
	ev := <-events
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, "live", string(ev.Data))
}

func TestSecondSubscriberDetachesFirst(t *testing.T) {
	s := NewStream()
	_, first := s.Subscribe(0)
	_, second := s.Subscribe(0)

	_, open := <-first
	assert.False(t, open)

	s.Publish([]byte("x"))
	ev := <-second
	assert.Equal(t, "x", string(ev.Data))
}

func TestCloseStopsPublishing(t *testing.T) {
	s := NewStream()
	_, events := s.Subscribe(0)
	s.Close()

	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, s.Publish([]byte("dropped")))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, uint64(0), ParseLastEventID(""))
	assert.Equal(t, uint64(42), ParseLastEventID("42"))
	assert.Equal(t, uint64(0), ParseLastEventID("not-a-number"))
	assert.Equal(t, uint64(0), ParseLastEventID("-3"))
}

func TestStreamRegistry(t *testing.T) {
	r := newStreamRegistry()
	a := r.get("s-1")
	assert.Same(t, a, r.get("s-1"))
	assert.NotSame(t, a, r.get("s-2"))

	r.drop("s-1")
	assert.NotSame(t, a, r.get("s-1"))
}
