package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/veil/internal/vlog"
)

// BindSpec names one address the server side listens on, optionally
// overriding the shape strategy picked for connections accepted there.
// This is the supplemented multi-port server: a deployment can expose the
// tunnel on several protocol-appropriate ports (443 for https, 53 for dns,
// 22 for ssh) at once rather than picking a single shape for every port.
type BindSpec struct {
	Addr  string
	Shape string // "" defers to the listener's default shape selection
}

// BindStats tracks accept activity on one bound address.
type BindStats struct {
	Accepted int64
	Failed   int64
}

// HandleFunc processes one accepted connection for the given bind. It owns
// the connection's lifetime, including closing it.
type HandleFunc func(ctx context.Context, conn net.Conn, bind BindSpec)

// Listener binds several addresses simultaneously and dispatches every
// accepted connection to a HandleFunc, generalizing the single-port accept
// loop into the multi-port server the original implementation provided.
type Listener struct {
	handle HandleFunc

	mu        sync.Mutex
	listeners map[string]net.Listener
	stats     map[string]*BindStats
	closed    bool
}

// NewListener builds a Listener that will bind every spec in binds once
// Start is called.
func NewListener(handle HandleFunc) *Listener {
	return &Listener{
		handle:    handle,
		listeners: make(map[string]net.Listener),
		stats:     make(map[string]*BindStats),
	}
}

// Start binds every spec in binds and begins accepting on each concurrently.
// It returns once all binds have either succeeded or failed; a bind failure
// does not prevent the others from starting, but is returned joined with
// any others.
func (l *Listener) Start(ctx context.Context, binds []BindSpec) error {
	log := vlog.For("relay", "Listener.Start")

	var errs []error
	for _, bind := range binds {
		ln, err := net.Listen("tcp", bind.Addr)
		if err != nil {
			log.WithError(err).WithField("addr", bind.Addr).Error("relay: bind failed")
			errs = append(errs, fmt.Errorf("bind %s: %w", bind.Addr, err))
			continue
		}

		l.mu.Lock()
		l.listeners[bind.Addr] = ln
		l.stats[bind.Addr] = &BindStats{}
		l.mu.Unlock()

		log.WithField("addr", ln.Addr().String()).WithField("shape", bind.Shape).Info("relay: listening")
		go l.acceptLoop(ctx, ln, bind)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, bind BindSpec) {
	log := vlog.For("relay", "Listener.acceptLoop")
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			log.WithError(err).WithField("addr", bind.Addr).Warn("relay: accept failed")
			l.recordFailure(bind.Addr)
			continue
		}

		l.recordAccept(bind.Addr)
		go l.handle(ctx, conn, bind)
	}
}

func (l *Listener) recordAccept(addr string) {
	l.mu.Lock()
	stats := l.stats[addr]
	l.mu.Unlock()
	if stats != nil {
		atomic.AddInt64(&stats.Accepted, 1)
	}
}

func (l *Listener) recordFailure(addr string) {
	l.mu.Lock()
	stats := l.stats[addr]
	l.mu.Unlock()
	if stats != nil {
		atomic.AddInt64(&stats.Failed, 1)
	}
}

// Stats returns a snapshot of accept/failure counts per bound address.
func (l *Listener) Stats() map[string]BindStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]BindStats, len(l.stats))
	for addr, s := range l.stats {
		out[addr] = BindStats{
			Accepted: atomic.LoadInt64(&s.Accepted),
			Failed:   atomic.LoadInt64(&s.Failed),
		}
	}
	return out
}

// Addrs returns the actual bound addresses, resolved after Start (useful
// when a BindSpec used port 0).
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Close stops accepting on every bound address and closes the listeners.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, ln := range l.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
