package httpapi

import (
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/groupsync/internal/logging"
	"github.com/agentworkforce/groupsync/internal/membersync"
)

const defaultSubscriberBuffer = 64

// EventHub fans sync outcomes out to websocket subscribers. Slow
// subscribers lose outcomes instead of blocking a sync.
type EventHub struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[chan membersync.Outcome]struct{}
	dropped     int
}

var _ membersync.Recorder = (*EventHub)(nil)

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventHub{
		buffer:      buffer,
		subscribers: map[chan membersync.Outcome]struct{}{},
	}
}

func (h *EventHub) Record(outcome membersync.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- outcome:
		default:
			h.dropped++
		}
	}
}

func (h *EventHub) Subscribe() (<-chan membersync.Outcome, func()) {
	ch := make(chan membersync.Outcome, h.buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped counts outcomes that did not fit a subscriber buffer.
func (h *EventHub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.requestLogger(r).WarnContext(r.Context(), "websocket accept failed", "error", logging.SanitizeError(err))
		return
	}
	defer conn.CloseNow()

	outcomes, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	// The feed is write-only; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case outcome := <-outcomes:
			if err := wsjson.Write(ctx, conn, outcome); err != nil {
				return
			}
		}
	}
}
