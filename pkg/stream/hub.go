package stream

import (
	"log/slog"
	"sync"
)

const hubBuffer = 64

// Hub fans run events out to the push channels subscribed to each run.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("module", "stream_hub"),
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a listener for runID. The returned func unregisters it
// and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, hubBuffer)

	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan Event]struct{})
	}

	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			h.remove(runID, ch)
		})
	}
}

// Publish delivers ev to every listener of its run. A listener whose buffer is
// full is closed instead of missing the event; its push channel ends and the
// client reconnects to a fresh snapshot.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Closing slow stream listener", "run_id", ev.RunID, "type", ev.Type)
			h.remove(ev.RunID, ch)
		}
	}
}

// remove unregisters and closes ch once. h.mu must be held.
func (h *Hub) remove(runID string, ch chan Event) {
	if _, ok := h.subs[runID][ch]; !ok {
		return
	}

	delete(h.subs[runID], ch)

	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}

	close(ch)
}

// Listeners returns the number of listeners for runID.
func (h *Hub) Listeners(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[runID])
}
