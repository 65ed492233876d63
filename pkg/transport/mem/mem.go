// Package mem is an in-process transport over channels. Useful for tests
// and for embedding the attach server without a network listener.
package mem

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"attachd/pkg/transport"
)

// Transport implements transport.Transport with named in-process listeners.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{name: name, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
		t.mu.Lock()
		delete(t.listeners, name)
		t.mu.Unlock()
	}()
	return l, nil
}

// Dial connects to a named listener. ctx bounds the dial only.
func (t *Transport) Dial(ctx context.Context, name string) (transport.Conn, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, errors.New("mem: no such listener")
	}
	cli, srv := Pair(name)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.newCh <- srv.(*conn):
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	}
	return cli, nil
}

// Pair returns two connected in-process conns. Exposed so tests can drive
// a handler without a listener.
func Pair(name string) (transport.Conn, transport.Conn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &conn{name: name, in: ba, out: ab, done: make(chan struct{})}
	b := &conn{name: name, in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

type listener struct {
	name    string
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
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

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type conn struct {
	name string
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	peer *conn
	once sync.Once
}

func (c *conn) Send(msg []byte) error {
	// Fail fast on an already-closed end before racing the buffer.
	select {
	case <-c.done:
		return transport.ErrClosed
	case <-c.peer.done:
		return transport.ErrClosed
	default:
	}
	b := append([]byte(nil), msg...)
	select {
	case <-c.done:
		return transport.ErrClosed
	case <-c.peer.done:
		return transport.ErrClosed
	case c.out <- b:
		return nil
	}
}

func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	// Prefer queued messages over a racing close so nothing sent before
	// the peer closed is dropped.
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-c.peer.done:
		return nil, io.EOF
	}
}

func (c *conn) LocalAddr() net.Addr  { return memAddr(c.name) }
func (c *conn) RemoteAddr() net.Addr { return memAddr(c.name) }

func (c *conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
