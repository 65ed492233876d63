// Package ws implements the websocket transport. Each protocol message is
// one text frame; the websocket close handshake surfaces as io.EOF.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"attachd/pkg/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default cap on inbound message size.
	defaultReadLimit = 64 * 1024
)

// Options tune the websocket transport.
type Options struct {
	// ReadLimit caps inbound message size in bytes; 0 means the default.
	ReadLimit int64
	// HandshakeTimeout bounds the websocket upgrade on Dial.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Transport implements transport.Transport over websocket.
type Transport struct {
	opts Options
}

func New(opts Options) *Transport { return &Transport{opts: opts.withDefaults()} }

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

// Listen starts an HTTP server on address that upgrades every request to a
// websocket connection. Accepted connections are handed to the listener.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{
		nl:      nl,
		newCh:   make(chan *conn, 8),
		closeCh: make(chan struct{}),
		opts:    t.opts,
	}
	l.srv = &http.Server{Handler: l}
	go func() {
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("ws serve", zap.Error(err))
		}
	}()
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

// Dial opens a websocket connection to address. Address may be a bare
// host:port or a full ws:// URL. ctx bounds the dial only; the returned
// connection outlives it.
func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	u := address
	if !strings.Contains(u, "://") {
		u = (&url.URL{Scheme: "ws", Host: address, Path: "/"}).String()
	}
	d := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
	wc, resp, err := d.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newConn(wc, t.opts), nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	opts    Options
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; access control is
	// out of protocol scope.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (l *listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Debug("ws upgrade failed", zap.String("raddr", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConn(wc, l.opts)
	select {
	case l.newCh <- c:
	case <-l.closeCh:
		_ = c.Close()
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.srv.Close()
}

type recvResult struct {
	msg []byte
	err error
}

// conn adapts *websocket.Conn to transport.Conn. A single pump goroutine
// owns all reads; Send is serialized by a mutex.
type conn struct {
	wc     *websocket.Conn
	recvCh chan recvResult
	done   chan struct{}

	wmu    sync.Mutex
	closed bool
}

func newConn(wc *websocket.Conn, opts Options) *conn {
	wc.SetReadLimit(opts.ReadLimit)
	c := &conn{wc: wc, recvCh: make(chan recvResult, 8), done: make(chan struct{})}
	go c.readPump()
	return c
}

func (c *conn) deliver(r recvResult) bool {
	select {
	case c.recvCh <- r:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) readPump() {
	defer close(c.recvCh)
	for {
		kind, msg, err := c.wc.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.deliver(recvResult{err: err})
			return
		}
		if kind != websocket.TextMessage {
			// Binary frames are outside the protocol; skip them.
			continue
		}
		if !c.deliver(recvResult{msg: msg}) {
			return
		}
	}
}

func (c *conn) Send(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	_ = c.wc.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.wc.WriteMessage(websocket.TextMessage, msg); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return transport.ErrClosed
		}
		return err
	}
	return nil
}

func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-c.recvCh:
		if !ok {
			return nil, transport.ErrClosed
		}
		return r.msg, r.err
	}
}

func (c *conn) LocalAddr() net.Addr  { return c.wc.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.wc.RemoteAddr() }

// Close performs the websocket close handshake on a best-effort basis and
// tears the connection down.
func (c *conn) Close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	_ = c.wc.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.wc.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.wc.Close()
}
