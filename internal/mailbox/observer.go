package mailbox

import "time"

// DropReason labels a response the mailbox discarded without error.
type DropReason string

const (
	DropMissingSlot DropReason = "missing_slot"
	DropUnknownSlot DropReason = "unknown_slot"
)

// Observer receives mailbox lifecycle notifications. Implementations must not
// block; they run on the delivering goroutine.
type Observer interface {
	Registered(address string)
	Delivered(address string, latency time.Duration)
	Abandoned(address string)
	Dropped(reason DropReason)
}

type nopObserver struct{}

func (nopObserver) Registered(string) {}
func (nopObserver) Delivered(string, time.Duration) {}
func (nopObserver) Abandoned(string) {}
func (nopObserver) Dropped(DropReason) {}
