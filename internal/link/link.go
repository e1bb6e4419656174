package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mailslot/internal/auth"
	"github.com/danmuck/mailslot/internal/mailbox"
	"github.com/danmuck/mailslot/internal/observability"
	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/schema"
	"github.com/danmuck/mailslot/internal/protocol/session"
	"github.com/danmuck/mailslot/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrAddressRequired = errors.New("link: address required")
	ErrLinkClosed      = errors.New("link: closed")
	ErrNilRecord       = errors.New("link: nil record")
)

// Link is one connection to a worker plus the mailbox correlating its
// results.
type Link struct {
	cfg     Config
	name    string
	conn    net.Conn
	mailbox *mailbox.Mailbox[*wire.Result]
	ledger  *session.RequestLedger
	limiter *rate.Limiter
	logger  zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

var _ mailbox.Canceler = (*Link)(nil)

// New wraps an established connection and starts its reader.
func New(conn net.Conn, cfg Config) *Link {
	cfg = cfg.withDefaults()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = cfg.Address
	}
	if name == "" && conn.RemoteAddr() != nil {
		name = conn.RemoteAddr().String()
	}
	logger := log.Logger.With().Str("component", "link").Str("link", name).Logger()

	l := &Link{
		cfg:  cfg,
		name: name,
		conn: conn,
		mailbox: mailbox.New[*wire.Result](
			mailbox.WithLogger(logger),
			mailbox.WithObserver(observability.NewMailboxObserver(name)),
		),
		ledger:  session.NewRequestLedger(),
		limiter: cfg.limiter(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) Name() string { return l.name }

// Deliver registers rec with the mailbox, sends it, and returns the handle
// its result will arrive on. If the record cannot be sent the handle is
// abandoned and the send error returned.
func (l *Link) Deliver(ctx context.Context, rec *wire.Record) (*mailbox.Handle[*wire.Result], error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if l.closed() {
		return nil, l.closedErr()
	}

	h, err := l.mailbox.RequireResponse(rec)
	if err != nil {
		if errors.Is(err, mailbox.ErrMailboxClosed) {
			return nil, l.closedErr()
		}
		return nil, err
	}
	slot := h.Address()
	id := l.nextID.Add(1)
	l.ledger.Upsert(session.PendingRequest{
		Slot:      slot,
		Kind:      rec.Kind,
		MessageID: id,
		QueuedAt:  time.Now(),
	})
	h.OnDone(func() { l.ledger.Remove(slot) })

	// A record that never reached the worker gives its slot back so the
	// caller can retry with the same record.
	fail := func(err error) (*mailbox.Handle[*wire.Result], error) {
		h.Abandon()
		rec.SetMailboxSlot("")
		return nil, err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fail(err)
	}
	if rec.TimestampMS == 0 {
		rec.TimestampMS = wire.NowMS()
	}
	f, err := wire.RecordFrame(id, rec)
	if err != nil {
		return fail(err)
	}
	if err := l.writeFrame(f); err != nil {
		l.ledger.MarkSent(slot, time.Now(), err.Error())
		return fail(err)
	}
	l.ledger.MarkSent(slot, time.Now(), "")
	observability.RecordLinkFrame(l.name, "out", schema.MessageName(schema.MsgRecord))
	l.logger.Trace().Str("slot", slot).Str("kind", rec.Kind).Msg("link.Deliver sent")
	return h, nil
}

// Call sends rec and waits for its result. When ctx ends or the timeout
// expires first, the request is canceled on the worker and abandoned locally.
func (l *Link) Call(ctx context.Context, rec *wire.Record, timeout mailbox.Timeout) (*wire.Result, error) {
	if err := timeout.Validate(); err != nil {
		return nil, err
	}
	h, err := l.Deliver(ctx, rec)
	if err != nil {
		return nil, err
	}
	res, err := h.WaitContext(ctx, timeout)
	if err != nil && h.State() == mailbox.StatePending {
		if cerr := h.Cancel(l); cerr != nil {
			l.logger.Debug().Str("slot", h.Address()).Err(cerr).Msg("link.Call cancel notice failed")
		}
	}
	return res, err
}

// Publish sends rec without expecting a result. rec must not carry a slot.
func (l *Link) Publish(ctx context.Context, rec *wire.Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	if rec.Slot != "" {
		return fmt.Errorf("%w: slot=%q", mailbox.ErrAlreadyAddressed, rec.Slot)
	}
	if l.closed() {
		return l.closedErr()
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if rec.TimestampMS == 0 {
		rec.TimestampMS = wire.NowMS()
	}
	f, err := wire.RecordFrame(l.nextID.Add(1), rec)
	if err != nil {
		return err
	}
	if err := l.writeFrame(f); err != nil {
		return err
	}
	observability.RecordLinkFrame(l.name, "out", schema.MessageName(schema.MsgRecord))
	return nil
}

// PublishCancel tells the worker to stop work for address. It bypasses the
// rate limiter.
func (l *Link) PublishCancel(address string) error {
	if strings.TrimSpace(address) == "" {
		return ErrAddressRequired
	}
	if l.closed() {
		return l.closedErr()
	}
	f, err := wire.CancelFrame(l.nextID.Add(1), wire.Cancel{Slot: address})
	if err != nil {
		return err
	}
	if err := l.writeFrame(f); err != nil {
		return err
	}
	observability.RecordLinkFrame(l.name, "out", schema.MessageName(schema.MsgCancel))
	return nil
}

// Outstanding lists requests still awaiting results, oldest first.
func (l *Link) Outstanding() []session.PendingRequest {
	return l.ledger.List()
}

func (l *Link) Pending() int { return l.mailbox.Len() }

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns why the link shut down, or nil while it is open.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close shuts the connection and abandons every outstanding handle.
func (l *Link) Close() error {
	l.shutdown(ErrLinkClosed)
	return nil
}

func (l *Link) writeFrame(f frame.Frame) error {
	b, err := frame.Marshal(auth.Sign(f, l.cfg.AuthToken), l.cfg.Limits)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.cfg.Session.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.Session.WriteTimeout))
	}
	if _, err := l.conn.Write(b); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

func (l *Link) readLoop() {
	reader := bufio.NewReader(l.conn)
	for {
		if l.cfg.Session.ReadTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.Session.ReadTimeout))
		}
		f, err := frame.ReadFrame(reader, l.cfg.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: worker closed connection", ErrLinkClosed)
			}
			l.shutdown(err)
			return
		}
		observability.RecordLinkFrame(l.name, "in", schema.MessageName(f.Header.MessageType))

		if f.Header.MessageType != schema.MsgResult {
			l.logger.Warn().
				Str("message", schema.MessageName(f.Header.MessageType)).
				Uint64("message_id", f.Header.MessageID).
				Msg("link.readLoop skipping unexpected message")
			continue
		}
		res, err := wire.DecodeResultFrame(f)
		if err != nil {
			l.logger.Warn().Err(err).Msg("link.readLoop dropping malformed result")
			continue
		}
		if err := l.mailbox.Deliver(res); err != nil {
			l.logger.Warn().Str("slot", res.Slot).Err(err).Msg("link.readLoop deliver failed")
		}
	}
}

func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = cause
		l.errMu.Unlock()

		_ = l.conn.Close()
		l.mailbox.Close()
		l.ledger.Clear()
		close(l.done)

		if errors.Is(cause, ErrLinkClosed) {
			l.logger.Debug().Err(cause).Msg("link closed")
		} else {
			l.logger.Warn().Err(cause).Msg("link reader failed")
		}
	})
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) closedErr() error {
	if err := l.Err(); err != nil && !errors.Is(err, ErrLinkClosed) {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return ErrLinkClosed
}
