package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mailslot/internal/auth"
	"github.com/danmuck/mailslot/internal/observability"
	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/schema"
	"github.com/danmuck/mailslot/internal/protocol/session"
	"github.com/danmuck/mailslot/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrListenAddrRequired = errors.New("worker: listen address required")

type Config struct {
	ListenAddr string
	Session    session.Config
	// MaxInFlight bounds concurrently running handlers per connection.
	MaxInFlight int
	Limits      frame.Limits
	// AuthToken, when set, is required on every incoming frame.
	AuthToken string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:7420",
		Session:     session.DefaultConfig(),
		MaxInFlight: 64,
		Limits:      frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	c.Session = c.Session.WithDefaults()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	return c
}

type Server struct {
	cfg     Config
	handler Handler
	auth    auth.Validator
	logger  zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
	served  atomic.Uint64
}

func NewServer(cfg Config, handler Handler) *Server {
	if handler == nil {
		handler = NewDefaultMux()
	}
	var validator auth.Validator
	if cfg.AuthToken != "" {
		validator = auth.StaticToken{Token: cfg.AuthToken}
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: handler,
		auth:    validator,
		logger:  log.Logger.With().Str("component", "worker").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Connections is the number of open connections.
func (s *Server) Connections() int64 { return s.active.Load() }

// Served is the number of records handled since start.
func (s *Server) Served() uint64 { return s.served.Load() }

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen opens the configured address, wrapped in TLS when enabled.
func (s *Server) Listen() (net.Listener, error) {
	if strings.TrimSpace(s.cfg.ListenAddr) == "" {
		return nil, ErrListenAddrRequired
	}
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("worker.Serve listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// inflight maps slots to the cancel func of the job running under them.
// Entries carry a job sequence so a finished job never removes the cancel
// of a later job that reused its slot.
type inflight struct {
	mu      sync.Mutex
	nextSeq uint64
	cancels map[string]inflightJob
}

type inflightJob struct {
	seq    uint64
	cancel context.CancelFunc
}

func (f *inflight) add(slot string, cancel context.CancelFunc) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	f.cancels[slot] = inflightJob{seq: f.nextSeq, cancel: cancel}
	return f.nextSeq
}

func (f *inflight) done(slot string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.cancels[slot]; ok && j.seq == seq {
		delete(f.cancels, slot)
	}
}

func (f *inflight) cancel(slot string) bool {
	f.mu.Lock()
	j, ok := f.cancels[slot]
	f.mu.Unlock()
	if ok {
		j.cancel()
	}
	return ok
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("remote", remote).Logger()
	logger.Debug().Int64("active", s.active.Load()).Msg("worker.handleConn connected")
	defer logger.Debug().Msg("worker.handleConn disconnected")

	peer, err := s.authenticateConn(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("worker.handleConn transport auth failed")
		return
	}
	if peer != "" {
		logger = logger.With().Str("peer", peer).Logger()
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	g, gctx := errgroup.WithContext(connCtx)
	g.SetLimit(s.cfg.MaxInFlight)
	context.AfterFunc(gctx, func() { _ = conn.Close() })

	var writeMu sync.Mutex
	writeResult := func(messageID uint64, res *wire.Result) error {
		b, err := wire.EncodeResultFrame(messageID, res)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		_, err = conn.Write(b)
		return err
	}

	running := &inflight{cancels: make(map[string]inflightJob)}
	type job struct {
		messageID uint64
		seq       uint64
		rec       *wire.Record
		ctx       context.Context
		cancel    context.CancelFunc
	}
	jobs := make(chan job, s.cfg.MaxInFlight)

	// Dispatch runs apart from the reader so a full handler limit does not
	// stall cancel notices until the queue fills as well.
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for j := range jobs {
			g.Go(func() error {
				defer j.cancel()
				res := s.dispatch(j.ctx, j.rec)
				if j.rec.Slot == "" {
					return nil
				}
				running.done(j.rec.Slot, j.seq)
				if err := writeResult(j.messageID, res); err != nil {
					return fmt.Errorf("worker: write result: %w", err)
				}
				return nil
			})
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		if s.cfg.Session.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		}
		fr, err := frame.ReadFrame(reader, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && gctx.Err() == nil {
				logger.Warn().Err(err).Msg("worker.handleConn read failed")
			}
			break
		}
		if err := auth.CheckFrame(s.auth, fr); err != nil {
			logger.Warn().
				Str("message", schema.MessageName(fr.Header.MessageType)).
				Err(err).
				Msg("worker.handleConn rejected frame")
			break
		}

		switch fr.Header.MessageType {
		case schema.MsgRecord:
			rec, err := wire.DecodeRecordFrame(fr)
			if err != nil {
				logger.Warn().Err(err).Msg("worker.handleConn decode record")
				continue
			}
			jctx, cancel := context.WithCancel(gctx)
			var seq uint64
			if rec.Slot != "" {
				seq = running.add(rec.Slot, cancel)
			}
			jobs <- job{messageID: fr.Header.MessageID, seq: seq, rec: rec, ctx: jctx, cancel: cancel}
		case schema.MsgCancel:
			c, err := wire.DecodeCancelFrame(fr)
			if err != nil {
				logger.Warn().Err(err).Msg("worker.handleConn decode cancel")
				continue
			}
			if !running.cancel(c.Slot) {
				logger.Debug().Str("slot", c.Slot).Msg("worker.handleConn cancel for unknown slot")
			}
		default:
			logger.Warn().
				Str("message", schema.MessageName(fr.Header.MessageType)).
				Msg("worker.handleConn skipping unexpected message")
		}
	}

	connCancel()
	close(jobs)
	<-dispatched
	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("worker.handleConn dispatch stopped")
	}
}

// dispatch runs the handler and shapes its outcome into a Result.
func (s *Server) dispatch(ctx context.Context, rec *wire.Record) *wire.Result {
	start := time.Now()
	res, err := s.handler.Handle(ctx, *rec)
	s.served.Add(1)

	res.Slot = rec.Slot
	if res.Kind == "" {
		res.Kind = rec.Kind
	}
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Status = schema.StatusCanceled
		res.Error = err.Error()
	case err != nil:
		res.Status = schema.StatusError
		res.Error = err.Error()
	case res.Status == "":
		res.Status = schema.StatusOK
	}
	res.TimestampMS = wire.NowMS()
	observability.RecordWorkerRecord(res.Kind, res.Status, time.Since(start))
	return &res
}

// authenticateConn completes the TLS handshake and returns the peer identity
// when a client certificate was presented.
func (s *Server) authenticateConn(conn net.Conn) (string, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return "", session.ErrTLSRequired
		}
		return "", nil
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("worker: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return "", session.ErrMTLSRequired
		}
		return "", nil
	}
	peer := session.PeerIdentity(state.PeerCertificates[0])
	if peer == "" {
		return "", fmt.Errorf("worker: empty peer identity from certificate")
	}
	return peer, nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	observability.AddWorkerConns(1)
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.active.Add(-1)
		observability.AddWorkerConns(-1)
	}
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
