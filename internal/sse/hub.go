// Package sse fans ledger events out to per-account stream subscribers.
package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.io/infrasutra/listingrelay/internal/store"
)

const subscriberBuffer = 8

// Event is the payload of one "posting" stream event.
type Event struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"accountId"`
	MessageID  string    `json:"messageId"`
	Title      string    `json:"title"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	FinalPrice *int      `json:"finalPrice,omitempty"`
	Published  bool      `json:"published"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a stream for accountID. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(accountID string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	if _, ok := h.subs[accountID]; !ok {
		h.subs[accountID] = make(map[chan []byte]struct{})
	}
	h.subs[accountID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[accountID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, accountID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers payload to every subscriber of accountID. Slow
// subscribers miss events instead of blocking the pipeline.
func (h *Hub) Broadcast(accountID string, payload []byte) {
	if accountID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[accountID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Notify encodes a ledger entry and broadcasts it to the account's streams.
func (h *Hub) Notify(accountID string, entry store.LedgerEntry) {
	payload, err := json.Marshal(Event{
		ID:         entry.ID,
		AccountID:  accountID,
		MessageID:  entry.MessageID,
		Title:      entry.Title,
		SourceURL:  entry.SourceURL,
		FinalPrice: entry.FinalPrice,
		Published:  entry.Published,
		Error:      entry.Error,
		CreatedAt:  entry.CreatedAt,
	})
	if err != nil {
		return
	}
	h.Broadcast(accountID, payload)
}

func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}
