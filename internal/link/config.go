package link

import (
	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/session"
	"golang.org/x/time/rate"
)

type Config struct {
	// Name labels logs and metrics; defaults to the remote address.
	Name               string
	Address            string
	Session            session.Config
	MaxConnectAttempts int
	// RecordsPerSecond bounds outgoing records. Zero means unlimited.
	RecordsPerSecond float64
	Burst            int
	Limits           frame.Limits
	// AuthToken is attached to every outgoing frame when set.
	AuthToken string
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Burst:   1,
		Limits:  frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	c.Session = c.Session.WithDefaults()
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	return c
}

func (c Config) limiter() *rate.Limiter {
	if c.RecordsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, c.Burst)
	}
	return rate.NewLimiter(rate.Limit(c.RecordsPerSecond), c.Burst)
}
