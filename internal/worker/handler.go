package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/mailslot/internal/protocol/wire"
)

var ErrUnknownKind = errors.New("worker: unknown record kind")

// Handler answers one record. The returned Result's slot and kind are filled
// from the record when left empty; an error becomes an error result.
type Handler interface {
	Handle(ctx context.Context, rec wire.Record) (wire.Result, error)
}

type HandlerFunc func(ctx context.Context, rec wire.Record) (wire.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, rec wire.Record) (wire.Result, error) {
	return f(ctx, rec)
}

// Mux routes records by kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// NewDefaultMux returns a Mux with the built-in ping, echo and sleep kinds.
func NewDefaultMux() *Mux {
	m := NewMux()
	m.HandleFunc("ping", Ping)
	m.HandleFunc("echo", Echo)
	m.HandleFunc("sleep", Sleep)
	return m
}

func (m *Mux) Register(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Mux) HandleFunc(kind string, fn func(ctx context.Context, rec wire.Record) (wire.Result, error)) {
	m.Register(kind, HandlerFunc(fn))
}

func (m *Mux) Kinds() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handlers))
	for kind := range m.handlers {
		out = append(out, kind)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Mux) Handle(ctx context.Context, rec wire.Record) (wire.Result, error) {
	m.mu.RLock()
	h, ok := m.handlers[rec.Kind]
	m.mu.RUnlock()
	if !ok {
		return wire.Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
	return h.Handle(ctx, rec)
}

func Ping(context.Context, wire.Record) (wire.Result, error) {
	return wire.Result{Payload: []byte("pong")}, nil
}

func Echo(_ context.Context, rec wire.Record) (wire.Result, error) {
	return wire.Result{Payload: rec.Payload}, nil
}

// Sleep waits for the duration in the payload (time.ParseDuration syntax)
// or until canceled.
func Sleep(ctx context.Context, rec wire.Record) (wire.Result, error) {
	d, err := time.ParseDuration(strings.TrimSpace(string(rec.Payload)))
	if err != nil {
		return wire.Result{}, fmt.Errorf("worker: sleep duration: %w", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wire.Result{}, ctx.Err()
	case <-timer.C:
		return wire.Result{Payload: []byte(d.String())}, nil
	}
}
