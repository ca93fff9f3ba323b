package event

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Envelope wraps anything published on the hub with its topic.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const subscriberBuffer = 128

// Hub fans published envelopes out to subscribers. Slow subscribers are dropped
// rather than allowed to stall publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Envelope]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan Envelope]struct{})}
}

// Subscribe returns a channel of envelopes and a func that unsubscribes it.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() { h.drop(ch) })
	}
}

// Publish delivers env to every subscriber without blocking.
func (h *Hub) Publish(env Envelope) {
	var slow []chan Envelope
	h.mu.RLock()
	for ch := range h.clients {
		select {
		case ch <- env:
		default:
			slow = append(slow, ch)
		}
	}
	h.mu.RUnlock()
	for _, ch := range slow {
		log.Warn().Str("type", env.Type).Msg("dropping slow event subscriber")
		h.drop(ch)
	}
}

// PublishEvent publishes a generation event.
func (h *Hub) PublishEvent(e Event) { h.Publish(Envelope{Type: "generate", Data: e}) }

// PublishDownload publishes a download progress record.
func (h *Hub) PublishDownload(p DownloadProgress) { h.Publish(Envelope{Type: "download", Data: p}) }

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(ch chan Envelope) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}
