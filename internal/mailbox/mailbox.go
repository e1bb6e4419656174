package mailbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxAddressAttempts caps regeneration when a generator keeps colliding.
const maxAddressAttempts = 64

// Addressed is anything carrying a mailbox slot, typically a decoded
// response envelope.
type Addressed interface {
	MailboxSlot() string
}

// Request is an outgoing envelope the mailbox can stamp with a slot.
type Request interface {
	Addressed
	SetMailboxSlot(slot string)
}

type options struct {
	logger     zerolog.Logger
	observer   Observer
	newAddress func() string
}

type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func WithAddressGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newAddress = fn
		}
	}
}

// Mailbox routes responses to the Handle registered under their slot.
// One Mailbox serves one connection to the remote worker.
type Mailbox[T Addressed] struct {
	mu      sync.Mutex
	handles map[string]*Handle[T]
	closed  bool

	logger     zerolog.Logger
	observer   Observer
	newAddress func() string
}

func New[T Addressed](opts ...Option) *Mailbox[T] {
	o := options{
		logger:     log.Logger.With().Str("component", "mailbox").Logger(),
		observer:   nopObserver{},
		newAddress: NewAddress,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Mailbox[T]{
		handles:    make(map[string]*Handle[T]),
		logger:     o.logger,
		observer:   o.observer,
		newAddress: o.newAddress,
	}
}

// RequireResponse stamps req with a fresh slot and returns the pending
// Handle registered under it.
func (m *Mailbox[T]) RequireResponse(req Request) (*Handle[T], error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if slot := req.MailboxSlot(); slot != "" {
		return nil, fmt.Errorf("%w: slot=%q", ErrAlreadyAddressed, slot)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMailboxClosed
	}
	address, ok := m.uniqueAddressLocked()
	if !ok {
		m.mu.Unlock()
		return nil, ErrAddressUnavailable
	}
	h := NewHandle[T](address)
	h.onTerminal = func(state State) { m.finish(h, state) }
	m.handles[address] = h
	m.mu.Unlock()

	req.SetMailboxSlot(address)
	m.observer.Registered(address)
	return h, nil
}

// Deliver hands resp to the handle registered under its slot. Responses
// without a slot are logged and dropped; responses for unknown slots are
// dropped silently. Neither is an error.
func (m *Mailbox[T]) Deliver(resp T) error {
	slot := resp.MailboxSlot()
	if slot == "" {
		m.logger.Warn().Msg("mailbox.Deliver received response with no mailbox slot")
		m.observer.Dropped(DropMissingSlot)
		return nil
	}

	m.mu.Lock()
	h, ok := m.handles[slot]
	if ok {
		delete(m.handles, slot)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug().Str("slot", slot).Msg("mailbox.Deliver dropped response for unknown slot")
		m.observer.Dropped(DropUnknownSlot)
		return nil
	}
	return h.Deliver(resp)
}

// Close abandons every handle registered when it is called and rejects new
// registrations. It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	pending := make([]*Handle[T], 0, len(m.handles))
	for _, h := range m.handles {
		pending = append(pending, h)
	}
	clear(m.handles)
	m.mu.Unlock()

	for _, h := range pending {
		h.Abandon()
	}
	if len(pending) > 0 {
		m.logger.Debug().Int("abandoned", len(pending)).Msg("mailbox.Close abandoned pending handles")
	}
}

// Len returns the number of registered handles.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Addresses returns the registered slots in sorted order.
func (m *Mailbox[T]) Addresses() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.handles))
	for address := range m.handles {
		out = append(out, address)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Mailbox[T]) uniqueAddressLocked() (string, bool) {
	for range maxAddressAttempts {
		address := m.newAddress()
		if address == "" {
			continue
		}
		if _, taken := m.handles[address]; !taken {
			return address, true
		}
	}
	return "", false
}

func (m *Mailbox[T]) finish(h *Handle[T], state State) {
	m.mu.Lock()
	if cur, ok := m.handles[h.address]; ok && cur == h {
		delete(m.handles, h.address)
	}
	m.mu.Unlock()

	switch state {
	case StateDelivered:
		m.observer.Delivered(h.address, time.Since(h.createdAt))
	case StateAbandoned:
		m.observer.Abandoned(h.address)
	}
}
