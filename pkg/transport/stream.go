package transport

import (
	"strconv"
	"sync"
)

// replayLimit bounds the per-stream replay queue.
const replayLimit = 100

// Event is one SSE event with its monotonically increasing id.
type Event struct {
	ID   uint64
	Data []byte
}

// Stream is the server-to-client event channel for one session. Events are
// numbered from 1 and the most recent replayLimit events are retained so a
// reconnecting client can resume from Last-Event-ID.
type Stream struct {
	mu         sync.Mutex
	nextID     uint64
	replay     []Event
	subscriber chan Event
	closed     bool
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{nextID: 1}
}

// Publish assigns the next event id and delivers the event to the live
// subscriber, if any. The event always enters the replay queue first, so a
// slow or absent subscriber can catch up on reconnect.
func (s *Stream) Publish(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	ev := Event{ID: s.nextID, Data: data}
	s.nextID++

	s.replay = append(s.replay, ev)
	if len(s.replay) > replayLimit {
		s.replay = s.replay[len(s.replay)-replayLimit:]
	}

	if s.subscriber != nil {
		select {
		case s.subscriber <- ev:
		default:
			// Subscriber is not draining; it will recover via replay.
		}
	}
	return ev.ID
}

// Subscribe attaches a consumer, returning the events missed since
// lastEventID (0 for a fresh connection) and the live channel. A previous
// subscriber is detached; the transport allows one GET stream per session.
func (s *Stream) Subscribe(lastEventID uint64) ([]Event, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missed []Event
	for _, ev := range s.replay {
		if ev.ID > lastEventID {
			missed = append(missed, ev)
		}
	}

	if s.subscriber != nil {
		close(s.subscriber)
	}
	ch := make(chan Event, replayLimit)
	s.subscriber = ch
	return missed, ch
}

// Unsubscribe detaches the given channel if it is still the live subscriber.
func (s *Stream) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber != nil && ch == s.subscriber {
		close(s.subscriber)
		s.subscriber = nil
	}
}

// Close detaches the subscriber and rejects further publishes.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.subscriber != nil {
		close(s.subscriber)
		s.subscriber = nil
	}
}

// ParseLastEventID interprets the Last-Event-ID header; malformed values fall
// back to 0, a fresh subscription.
func ParseLastEventID(header string) uint64 {
	if header == "" {
		return 0
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// streamRegistry maps session ids to their streams.
type streamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string]*Stream)}
}

// get returns the stream for a session, creating it on first use.
func (r *streamRegistry) get(sessionID string) *Stream {
	r.mu.RLock()
	s, ok := r.streams[sessionID]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[sessionID]; ok {
		return s
	}
	s = NewStream()
	r.streams[sessionID] = s
	return s
}

// drop closes and removes a session's stream.
func (r *streamRegistry) drop(sessionID string) {
	r.mu.Lock()
	s, ok := r.streams[sessionID]
	if ok {
		delete(r.streams, sessionID)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}
