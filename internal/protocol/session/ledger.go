package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingRequest tracks one record awaiting its result.
type PendingRequest struct {
	Slot      string
	Kind      string
	MessageID uint64
	QueuedAt  time.Time
	SentAt    time.Time
	LastError string
}

// Age is how long the request has been outstanding at now.
func (p PendingRequest) Age(now time.Time) time.Duration {
	return now.Sub(p.QueuedAt)
}

// RequestLedger stores pending requests by mailbox slot.
type RequestLedger struct {
	mu    sync.RWMutex
	items map[string]PendingRequest
}

func NewRequestLedger() *RequestLedger {
	return &RequestLedger{
		items: make(map[string]PendingRequest),
	}
}

func (l *RequestLedger) Upsert(item PendingRequest) {
	key := strings.TrimSpace(item.Slot)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = item
}

func (l *RequestLedger) MarkSent(slot string, at time.Time, lastErr string) (PendingRequest, bool) {
	key := strings.TrimSpace(slot)
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[key]
	if !ok {
		return PendingRequest{}, false
	}
	item.SentAt = at
	item.LastError = strings.TrimSpace(lastErr)
	l.items[key] = item
	return item, true
}

func (l *RequestLedger) Remove(slot string) {
	key := strings.TrimSpace(slot)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
}

func (l *RequestLedger) Get(slot string) (PendingRequest, bool) {
	key := strings.TrimSpace(slot)
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[key]
	return item, ok
}

func (l *RequestLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Clear drops every entry.
func (l *RequestLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.items)
}

func (l *RequestLedger) List() []PendingRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingRequest, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}
