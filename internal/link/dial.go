package link

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/mailslot/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Dial connects to cfg.Address, retrying with backoff until it succeeds,
// MaxConnectAttempts is reached, or ctx ends.
func Dial(ctx context.Context, cfg Config) (*Link, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.withDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, cfg)
		if err == nil {
			return New(conn, cfg), nil
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", cfg.Address).
			Err(err).
			Msg("link.Dial attempt failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
