// Package server hosts the attach server: an accept loop that runs one
// session handler per connection against a shared session registry.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"attachd/pkg/observability"
	"attachd/pkg/session"
	"attachd/pkg/transport"
)

// Options tune the server.
type Options struct {
	// HandshakeTimeout is applied to every connection's attach wait.
	HandshakeTimeout time.Duration
}

// Server owns the accept loop. The registry is injected so it can be
// shared with other components and unit-tested without a listener.
type Server struct {
	registry *session.Registry
	opts     Options

	mu    sync.Mutex
	conns map[*Handler]transport.Conn
	wg    sync.WaitGroup
}

func New(registry *session.Registry, opts Options) *Server {
	return &Server{
		registry: registry,
		opts:     opts,
		conns:    make(map[*Handler]transport.Conn),
	}
}

// Serve accepts connections from l until ctx is cancelled or the listener
// closes. Handler failures are isolated per connection and never stop the
// accept loop. All accepted connections are closed and their handlers
// finished before Serve returns.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	zap.L().Info("attach server listening", zap.String("addr", l.Addr().String()))

	sctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.closeAll()
		s.wg.Wait()
	}()

	for {
		conn, err := l.Accept(sctx)
		if err != nil {
			if sctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return err
		}
		observability.RecordConnectionOpened()
		h := NewHandler(conn, s.registry, HandlerOptions{HandshakeTimeout: s.opts.HandshakeTimeout})
		s.track(h, conn)
		zap.L().Info("connection accepted",
			zap.String("conn", h.ClientID()),
			zap.String("raddr", conn.RemoteAddr().String()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(h)
			defer observability.RecordConnectionClosed()
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("handler panic",
						zap.String("conn", h.ClientID()),
						zap.Any("panic", r))
					_ = conn.Close()
				}
			}()
			if err := h.Run(sctx); err != nil {
				if errors.Is(err, ErrHandshakeTimeout) {
					zap.L().Warn("handshake timed out", zap.String("conn", h.ClientID()))
				} else {
					zap.L().Warn("connection closed with error",
						zap.String("conn", h.ClientID()), zap.Error(err))
				}
				return
			}
			zap.L().Debug("connection closed", zap.String("conn", h.ClientID()))
		}()
	}
}

// Run listens on address with the given transport and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, t transport.Transport, address string) error {
	l, err := t.Listen(ctx, address)
	if err != nil {
		return err
	}
	defer l.Close()
	return s.Serve(ctx, l)
}

func (s *Server) track(h *Handler, c transport.Conn) {
	s.mu.Lock()
	s.conns[h] = c
	s.mu.Unlock()
}

func (s *Server) untrack(h *Handler) {
	s.mu.Lock()
	delete(s.conns, h)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}
