package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"attachd/pkg/protocol"
	"attachd/pkg/session"
	"attachd/pkg/transport"
	"attachd/pkg/transport/mem"
)

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r, err := session.NewRegistry(session.Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// startHandler runs a handler over an in-process pair and returns the
// client end plus the handler's result channel.
func startHandler(t *testing.T, reg *session.Registry, opts HandlerOptions) (transport.Conn, *Handler, chan error) {
	t.Helper()
	cli, srv := mem.Pair("test")
	h := NewHandler(srv, reg, opts)
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() { _ = cli.Close() })
	return cli, h, done
}

func recvMsg(t *testing.T, c transport.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	m, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func sendMsg(t *testing.T, c transport.Conn, m protocol.Message) {
	t.Helper()
	if err := c.Send(protocol.Encode(m)); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func waitClosed(t *testing.T, c transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		raw, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return
			}
			t.Fatalf("unexpected receive error: %v", err)
		}
		if m, err := protocol.Decode(raw); err == nil {
			if res, ok := m.(protocol.AttachResult); ok && res.OK {
				t.Fatalf("connection produced a successful attach_result after violation")
			}
		}
	}
}

func TestConnectedEventIsStrictlyFirst(t *testing.T) {
	cli, h, _ := startHandler(t, newRegistry(t), HandlerOptions{})

	m := recvMsg(t, cli)
	c, ok := m.(protocol.Connected)
	if !ok {
		t.Fatalf("first message must be connected, got %T", m)
	}
	if !strings.HasPrefix(c.ClientID, "client-") {
		t.Fatalf("unexpected client id: %q", c.ClientID)
	}
	if c.ClientID != h.ClientID() {
		t.Fatalf("client id mismatch: %q != %q", c.ClientID, h.ClientID())
	}
}

func TestAttachHandshake(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli) // connected
	sendMsg(t, cli, protocol.NewAttachRequest("verification-test"))

	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || !res.OK {
		t.Fatalf("expected successful attach_result, got %#v", res)
	}
	if res.SessionID != "verification-test" || res.Attachments != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	info, found := reg.Get("verification-test")
	if !found || info.Attachments != 1 {
		t.Fatalf("registry should hold the session: %+v found=%v", info, found)
	}
}

func TestMalformedMessageRejectsHandshake(t *testing.T) {
	reg := newRegistry(t)
	cli, h, done := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	if err := cli.Send([]byte("not json")); err != nil {
		t.Fatalf("send: %v", err)
	}

	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || res.OK || res.Reason != protocol.ReasonMalformed {
		t.Fatalf("expected malformed rejection, got %#v", res)
	}
	if err := <-done; err == nil {
		t.Fatalf("expected handler to report the rejection")
	}
	if h.State() != StateRejected {
		t.Fatalf("expected StateRejected, got %v", h.State())
	}
	waitClosed(t, cli)
	if reg.Len() != 0 {
		t.Fatalf("no session should have been created")
	}
}

func TestUnknownTypeBeforeAttachRejects(t *testing.T) {
	reg := newRegistry(t)
	cli, _, done := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	if err := cli.Send([]byte(`{"type":"resize","cols":80,"rows":24}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || res.OK || res.Reason != protocol.ReasonUnexpected {
		t.Fatalf("expected unexpected-message rejection, got %#v", res)
	}
	<-done
	waitClosed(t, cli)
	if reg.Len() != 0 {
		t.Fatalf("no session should have been created")
	}
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	cli, _, done := startHandler(t, newRegistry(t), HandlerOptions{HandshakeTimeout: 50 * time.Millisecond})

	recvMsg(t, cli) // connected, then stay silent
	select {
	case err := <-done:
		if !errors.Is(err, ErrHandshakeTimeout) {
			t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not time out")
	}
	waitClosed(t, cli)
}

func TestDisconnectReleasesAttachment(t *testing.T) {
	reg := newRegistry(t)
	cli, _, done := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)

	_ = cli.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean disconnect should not be an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not finish after disconnect")
	}
	info, found := reg.Get("s1")
	if !found {
		t.Fatalf("session should survive the disconnect")
	}
	if info.Attachments != 0 {
		t.Fatalf("attachment should be released, got %d", info.Attachments)
	}
}

func TestDetachThenReattach(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)

	sendMsg(t, cli, protocol.NewDetachRequest("s1"))
	det, ok := recvMsg(t, cli).(protocol.DetachResult)
	if !ok || !det.OK || det.SessionID != "s1" {
		t.Fatalf("expected successful detach_result, got %#v", det)
	}
	if info, _ := reg.Get("s1"); info.Attachments != 0 {
		t.Fatalf("detach should release: %+v", info)
	}

	sendMsg(t, cli, protocol.NewAttachRequest("s2"))
	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || !res.OK || res.SessionID != "s2" {
		t.Fatalf("reattach after detach failed: %#v", res)
	}
}

func TestDetachSessionMismatch(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)

	sendMsg(t, cli, protocol.NewDetachRequest("other"))
	det, ok := recvMsg(t, cli).(protocol.DetachResult)
	if !ok || det.OK || det.Reason != protocol.ReasonSessionMismatch {
		t.Fatalf("expected session_mismatch, got %#v", det)
	}
	if info, _ := reg.Get("s1"); info.Attachments != 1 {
		t.Fatalf("mismatched detach must not release: %+v", info)
	}
}

func TestDetachWhileUnattachedFails(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewDetachRequest("s1"))
	recvMsg(t, cli)

	// second detach: nothing is attached anymore
	sendMsg(t, cli, protocol.NewDetachRequest("s1"))
	det, ok := recvMsg(t, cli).(protocol.DetachResult)
	if !ok || det.OK || det.Reason != protocol.ReasonNotAttached {
		t.Fatalf("expected not_attached, got %#v", det)
	}

	// the connection stays open and can still attach
	sendMsg(t, cli, protocol.NewAttachRequest("s2"))
	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || !res.OK || res.SessionID != "s2" {
		t.Fatalf("expected attach after failed detach, got %#v", res)
	}
}

func TestDetachBeforeFirstAttachRejects(t *testing.T) {
	reg := newRegistry(t)
	cli, _, done := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewDetachRequest("s1"))

	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || res.OK || res.Reason != protocol.ReasonUnexpected {
		t.Fatalf("expected unexpected-message rejection, got %#v", res)
	}
	<-done
	waitClosed(t, cli)
}

func TestAttachSwitchReleasesPrevious(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)

	sendMsg(t, cli, protocol.NewAttachRequest("s2"))
	res, ok := recvMsg(t, cli).(protocol.AttachResult)
	if !ok || !res.OK || res.SessionID != "s2" {
		t.Fatalf("switch attach failed: %#v", res)
	}
	if info, _ := reg.Get("s1"); info.Attachments != 0 {
		t.Fatalf("previous attachment should be released: %+v", info)
	}
	if info, _ := reg.Get("s2"); info.Attachments != 1 {
		t.Fatalf("new attachment missing: %+v", info)
	}
}

func TestUnknownTypeWhileAttachedIsIgnored(t *testing.T) {
	reg := newRegistry(t)
	cli, _, _ := startHandler(t, reg, HandlerOptions{})

	recvMsg(t, cli)
	sendMsg(t, cli, protocol.NewAttachRequest("s1"))
	recvMsg(t, cli)

	if err := cli.Send([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Connection stays up: a detach still round-trips.
	sendMsg(t, cli, protocol.NewDetachRequest("s1"))
	det, ok := recvMsg(t, cli).(protocol.DetachResult)
	if !ok || !det.OK {
		t.Fatalf("expected detach to succeed after ignored message, got %#v", det)
	}
}
