package mailbox

import (
	"crypto/rand"
)

const (
	// AddressLen is the length of every generated mailbox slot.
	AddressLen = 12

	// addressAlphabet drops 0/o, 1/i/l so slots survive being read aloud or
	// copied out of logs.
	addressAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"
)

// maxAddressByte is the largest byte value that maps uniformly onto the
// alphabet; bytes at or above it are rejected and redrawn.
var maxAddressByte = byte(256 - 256%len(addressAlphabet))

// NewAddress returns a random slot of AddressLen characters.
func NewAddress() string {
	out := make([]byte, 0, AddressLen)
	buf := make([]byte, AddressLen*2)
	for len(out) < AddressLen {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand.Read does not fail on supported platforms.
			panic("mailbox: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if b >= maxAddressByte {
				continue
			}
			out = append(out, addressAlphabet[int(b)%len(addressAlphabet)])
			if len(out) == AddressLen {
				break
			}
		}
	}
	return string(out)
}
