package mailbox

import "errors"

var (
	ErrInvalidTimeout   = errors.New("mailbox: timeout must be finite or unbounded")
	ErrAlreadyAddressed = errors.New("mailbox: request already has an address")
	ErrAlreadyDelivered = errors.New("mailbox: handle has already been delivered")
	ErrWaitTimeout      = errors.New("mailbox: timed out waiting for response")
	ErrHandleAbandoned  = errors.New("mailbox: handle abandoned")
	ErrMailboxClosed    = errors.New("mailbox: closed")

	// RequireResponse cannot register these.
	ErrNilRequest         = errors.New("mailbox: nil request")
	ErrAddressUnavailable = errors.New("mailbox: unable to generate unique address")
)
