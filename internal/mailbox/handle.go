package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"
)

// State is the lifecycle position of a Handle. It only moves forward.
type State uint8

const (
	StatePending State = iota
	StateDelivered
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Canceler publishes a best-effort cancellation notice for a slot to the
// remote worker.
type Canceler interface {
	PublishCancel(address string) error
}

// Handle is one outstanding request. It reaches at most one terminal state:
// delivered with a result, or abandoned.
type Handle[T any] struct {
	address   string
	createdAt time.Time
	signal    *Signal

	mu     sync.Mutex
	state  State
	result T

	// onTerminal is installed by the owning Mailbox before the handle is
	// published and runs once, outside mu, after the terminal transition.
	onTerminal func(State)
}

// NewHandle returns a pending handle for address that no mailbox owns.
func NewHandle[T any](address string) *Handle[T] {
	return &Handle[T]{
		address:   address,
		createdAt: time.Now(),
		signal:    NewSignal(),
	}
}

func (h *Handle[T]) Address() string {
	return h.address
}

func (h *Handle[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed once the handle is delivered or abandoned.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.signal.Done()
}

// OnDone runs fn once the handle leaves the pending state.
func (h *Handle[T]) OnDone(fn func()) {
	h.signal.Notify(fn)
}

// Check returns the result if one was delivered. It never blocks or fails.
func (h *Handle[T]) Check() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDelivered {
		return h.result, true
	}
	var zero T
	return zero, false
}

// Poll is the non-blocking wait: it returns iox.ErrWouldBlock while the
// handle is pending and ErrHandleAbandoned once it is abandoned.
func (h *Handle[T]) Poll() (T, error) {
	if r, done, err := h.outcome(); done {
		return r, err
	}
	var zero T
	return zero, iox.ErrWouldBlock
}

// WaitOr blocks the calling goroutine until the result arrives, the handle
// is abandoned, or the timeout expires.
func (h *Handle[T]) WaitOr(timeout Timeout) (T, error) {
	var zero T
	if err := timeout.Validate(); err != nil {
		return zero, err
	}
	if r, done, err := h.outcome(); done {
		return r, err
	}
	if _, err := h.signal.Wait(timeout); err != nil {
		return zero, err
	}
	return h.afterWait(timeout)
}

// WaitContext is WaitOr for goroutines that must also give up when ctx ends.
// Only the calling goroutine parks.
func (h *Handle[T]) WaitContext(ctx context.Context, timeout Timeout) (T, error) {
	var zero T
	if err := timeout.Validate(); err != nil {
		return zero, err
	}
	if r, done, err := h.outcome(); done {
		return r, err
	}
	if _, err := h.signal.WaitContext(ctx, timeout); err != nil {
		if r, done, oerr := h.outcome(); done {
			return r, oerr
		}
		return zero, err
	}
	return h.afterWait(timeout)
}

// Deliver completes the handle with result. Delivery to an abandoned handle
// is dropped silently; a second delivery fails with ErrAlreadyDelivered and
// leaves the first result in place.
func (h *Handle[T]) Deliver(result T) error {
	h.mu.Lock()
	switch h.state {
	case StateAbandoned:
		h.mu.Unlock()
		return nil
	case StateDelivered:
		h.mu.Unlock()
		return fmt.Errorf("%w: address=%q", ErrAlreadyDelivered, h.address)
	}
	h.result = result
	h.state = StateDelivered
	hook := h.onTerminal
	h.mu.Unlock()

	h.signal.Set()
	if hook != nil {
		hook(StateDelivered)
	}
	return nil
}

// Abandon withdraws interest in the result and releases every waiter with
// ErrHandleAbandoned. It is a no-op once the handle is delivered or already
// abandoned.
func (h *Handle[T]) Abandon() {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return
	}
	h.state = StateAbandoned
	hook := h.onTerminal
	h.mu.Unlock()

	h.signal.Set()
	if hook != nil {
		hook(StateAbandoned)
	}
}

// Cancel asks c to publish a cancellation notice for this handle and then
// abandons it locally whatever the outcome. The publish error, if any, is
// returned for the caller to log.
func (h *Handle[T]) Cancel(c Canceler) error {
	var err error
	if c != nil {
		err = c.PublishCancel(h.address)
	}
	h.Abandon()
	return err
}

func (h *Handle[T]) outcome() (T, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var zero T
	switch h.state {
	case StateDelivered:
		return h.result, true, nil
	case StateAbandoned:
		return zero, true, fmt.Errorf("%w: address=%q", ErrHandleAbandoned, h.address)
	default:
		return zero, false, nil
	}
}

// afterWait re-reads state so a delivery landing on the deadline still wins.
func (h *Handle[T]) afterWait(timeout Timeout) (T, error) {
	if r, done, err := h.outcome(); done {
		return r, err
	}
	var zero T
	return zero, fmt.Errorf("%w: address=%q timeout=%s", ErrWaitTimeout, h.address, timeout)
}
