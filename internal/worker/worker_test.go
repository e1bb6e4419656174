package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/schema"
	"github.com/danmuck/mailslot/internal/protocol/wire"
	"github.com/danmuck/mailslot/internal/testutil/testlog"
)

func startServer(t *testing.T, handler Handler) (string, *Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxInFlight = 4
	srv := NewServer(cfg, handler)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return ln.Addr().String(), srv
}

type rawClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *rawClient) send(b []byte, err error) {
	c.t.Helper()
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *rawClient) result() (frame.Frame, *wire.Result) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := frame.ReadFrame(c.reader, frame.DefaultLimits())
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	res, err := wire.DecodeResultFrame(f)
	if err != nil {
		c.t.Fatalf("decode result: %v", err)
	}
	return f, res
}

func TestMuxRoutesByKind(t *testing.T) {
	testlog.Start(t)
	m := NewDefaultMux()
	if got := m.Kinds(); len(got) != 3 || got[0] != "echo" || got[1] != "ping" || got[2] != "sleep" {
		t.Fatalf("unexpected kinds: %v", got)
	}
	res, err := m.Handle(context.Background(), wire.Record{Kind: "echo", Payload: []byte("x")})
	if err != nil || string(res.Payload) != "x" {
		t.Fatalf("echo: %+v %v", res, err)
	}
	if _, err := m.Handle(context.Background(), wire.Record{Kind: "nope"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sleep(ctx, wire.Record{Kind: "sleep", Payload: []byte("1h")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := Sleep(context.Background(), wire.Record{Kind: "sleep", Payload: []byte("soon")}); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestServerAnswersRecordWithSlot(t *testing.T) {
	testlog.Start(t)
	addr, srv := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(11, &wire.Record{Slot: "slot-echo", Kind: "echo", Payload: []byte("hello")}))
	f, res := c.result()
	if f.Header.MessageID != 11 || !f.Header.IsResponse() || f.Header.IsError() {
		t.Fatalf("unexpected header: %+v", f.Header)
	}
	if res.Slot != "slot-echo" || res.Kind != "echo" || res.Status != schema.StatusOK || string(res.Payload) != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if srv.Served() != 1 {
		t.Fatalf("served=%d want 1", srv.Served())
	}
}

func TestServerHandlerErrorBecomesErrorResult(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "slot-x", Kind: "missing"}))
	f, res := c.result()
	if !f.Header.IsError() {
		t.Fatalf("expected error flag")
	}
	if res.Status != schema.StatusError || res.Error == "" || res.Slot != "slot-x" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServerFireAndForgetSendsNoResult(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(1, &wire.Record{Kind: "ping"}))
	c.send(wire.EncodeRecordFrame(2, &wire.Record{Slot: "slot-2", Kind: "ping"}))
	_, res := c.result()
	if res.Slot != "slot-2" || string(res.Payload) != "pong" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServerCancelStopsHandler(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "slot-sleep", Kind: "sleep", Payload: []byte("1h")}))
	time.Sleep(20 * time.Millisecond)
	c.send(wire.EncodeCancelFrame(2, wire.Cancel{Slot: "slot-sleep"}))

	_, res := c.result()
	if res.Slot != "slot-sleep" || res.Status != schema.StatusCanceled {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServerCancelUnknownSlotIsIgnored(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeCancelFrame(1, wire.Cancel{Slot: "never-sent"}))
	c.send(wire.EncodeRecordFrame(2, &wire.Record{Slot: "slot-after", Kind: "ping"}))
	_, res := c.result()
	if res.Slot != "slot-after" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInflightReusedSlotKeepsLatestCancel(t *testing.T) {
	testlog.Start(t)
	running := &inflight{cancels: make(map[string]inflightJob)}

	_, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	secondCtx, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()

	first := running.add("dup", cancelFirst)
	second := running.add("dup", cancelSecond)
	running.done("dup", first)

	if !running.cancel("dup") {
		t.Fatalf("finished job removed the cancel of the job reusing its slot")
	}
	if secondCtx.Err() == nil {
		t.Fatalf("cancel did not reach the running job")
	}
	running.done("dup", second)
	if running.cancel("dup") {
		t.Fatalf("slot should be free after its last job finished")
	}
}

func TestServerCancelAfterReusedSlotFinishes(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "dup", Kind: "sleep", Payload: []byte("50ms")}))
	c.send(wire.EncodeRecordFrame(2, &wire.Record{Slot: "dup", Kind: "sleep", Payload: []byte("1h")}))

	_, first := c.result()
	if first.Slot != "dup" || first.Status != schema.StatusOK {
		t.Fatalf("unexpected first result: %+v", first)
	}
	c.send(wire.EncodeCancelFrame(3, wire.Cancel{Slot: "dup"}))
	_, second := c.result()
	if second.Slot != "dup" || second.Status != schema.StatusCanceled {
		t.Fatalf("cancel did not reach the second job: %+v", second)
	}
}

func TestServerRunsRecordsConcurrently(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, nil)
	c := dialRaw(t, addr)

	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "slow", Kind: "sleep", Payload: []byte("300ms")}))
	c.send(wire.EncodeRecordFrame(2, &wire.Record{Slot: "fast", Kind: "ping"}))

	_, first := c.result()
	_, second := c.result()
	if first.Slot != "fast" || second.Slot != "slow" {
		t.Fatalf("expected out-of-order completion, got %q then %q", first.Slot, second.Slot)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, nil)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	c := dialRaw(t, ln.Addr().String())
	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "s", Kind: "ping"}))
	c.result()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections not drained: %d", srv.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenRequiresAddress(t *testing.T) {
	testlog.Start(t)
	srv := NewServer(Config{}, nil)
	if _, err := srv.Listen(); !errors.Is(err, ErrListenAddrRequired) {
		t.Fatalf("expected ErrListenAddrRequired, got %v", err)
	}
}

func TestServerRejectsUnsignedFramesWhenTokenRequired(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AuthToken = "s3cret"
	srv := NewServer(cfg, nil)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	c := dialRaw(t, ln.Addr().String())
	c.send(wire.EncodeRecordFrame(1, &wire.Record{Slot: "s", Kind: "ping"}))
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := frame.ReadFrame(c.reader, frame.DefaultLimits()); err == nil {
		t.Fatalf("expected connection to be dropped")
	}
}
