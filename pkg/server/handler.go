package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attachd/pkg/observability"
	"attachd/pkg/protocol"
	"attachd/pkg/session"
	"attachd/pkg/transport"
)

// State is the session handler's position in the handshake.
type State int

const (
	StateInit State = iota
	StateAwaitAttach
	StateAttached
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitAttach:
		return "await_attach"
	case StateAttached:
		return "attached"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrHandshakeTimeout reports a connection that never sent attach_session
// within the configured window. Local to the connection, not fatal to the
// server.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// HandlerOptions tune one connection's handler.
type HandlerOptions struct {
	// HandshakeTimeout bounds the wait for attach_session after the
	// connected event. 0 waits forever.
	HandshakeTimeout time.Duration
}

// Handler drives the attach handshake for one connection: push
// `connected`, await `attach_session`, resolve against the registry,
// reply. One Handler per connection; not reusable.
type Handler struct {
	conn     transport.Conn
	registry *session.Registry
	opts     HandlerOptions

	clientID string
	state    State
	// session this connection is attached to, empty when unattached
	sessionID string
	// set once the first attach succeeds; relaxes the strict first-message
	// handling for later await phases
	everAttached bool
}

// NewHandler binds a handler to an accepted connection and the shared
// registry. The client id follows the `client-<uuid>` form the connected
// event reports to the peer.
func NewHandler(conn transport.Conn, registry *session.Registry, opts HandlerOptions) *Handler {
	return &Handler{
		conn:     conn,
		registry: registry,
		opts:     opts,
		clientID: "client-" + uuid.NewString(),
		state:    StateInit,
	}
}

// ClientID returns the server-assigned connection identity.
func (h *Handler) ClientID() string { return h.clientID }

// State returns the current handshake state. Intended for tests and
// introspection after Run returns.
func (h *Handler) State() State { return h.state }

// Run executes the state machine until the connection closes, the
// handshake is rejected, or ctx is cancelled. The connection is always
// closed and any attachment released before Run returns.
func (h *Handler) Run(ctx context.Context) error {
	defer h.teardown()

	// The connected event is unconditional and strictly first: nothing
	// is read from the peer before it is on the wire.
	if err := h.send(protocol.NewConnected(h.clientID)); err != nil {
		return fmt.Errorf("send connected: %w", err)
	}
	h.state = StateAwaitAttach

	for {
		switch h.state {
		case StateAwaitAttach:
			if err := h.awaitAttach(ctx); err != nil {
				return err
			}
		case StateAttached:
			if err := h.serveAttached(ctx); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// awaitAttach blocks for the attach request. A malformed message or a
// non-attach type rejects the handshake: one failure result is sent and
// the connection closes without retry. After a detach the connection
// re-enters this state; a further detach then fails with not_attached
// without closing.
func (h *Handler) awaitAttach(ctx context.Context) error {
	rctx := ctx
	if h.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, h.opts.HandshakeTimeout)
		defer cancel()
	}

	raw, err := h.conn.Receive(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			observability.RecordHandshakeTimeout()
			h.state = StateClosed
			return ErrHandshakeTimeout
		}
		h.state = StateClosed
		return receiveErr(err)
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		return h.reject(protocol.ReasonMalformed)
	}

	if _, ok := msg.(protocol.DetachRequest); ok && h.everAttached {
		return h.send(protocol.DetachFailed(protocol.ReasonNotAttached))
	}

	req, ok := msg.(protocol.AttachRequest)
	if !ok {
		return h.reject(protocol.ReasonUnexpected)
	}

	info, created, err := h.registry.Attach(req.SessionID, h.clientID)
	if err != nil {
		// Decode already guarantees a non-empty id; treat a registry
		// refusal as malformed input.
		return h.reject(protocol.ReasonMalformed)
	}
	h.sessionID = info.ID
	h.state = StateAttached
	h.everAttached = true
	observability.RecordAttachResult(true, "")
	observability.SetSessionsLive(h.registry.Len())
	zap.L().Debug("attach complete",
		zap.String("conn", h.clientID),
		zap.String("session", info.ID),
		zap.Bool("created", created))
	return h.send(protocol.AttachOK(info.ID, info.Attachments))
}

// serveAttached handles traffic after a successful attach: detach
// requests, session switches, and disconnect.
func (h *Handler) serveAttached(ctx context.Context) error {
	raw, err := h.conn.Receive(ctx)
	if err != nil {
		h.state = StateClosed
		return receiveErr(err)
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		// The protocol is not resumable after a violation.
		h.state = StateClosed
		return err
	}

	switch m := msg.(type) {
	case protocol.DetachRequest:
		if m.SessionID != h.sessionID {
			return h.send(protocol.DetachFailed(protocol.ReasonSessionMismatch))
		}
		h.registry.Release(h.sessionID, h.clientID)
		observability.SetSessionsLive(h.registry.Len())
		detached := h.sessionID
		h.sessionID = ""
		h.state = StateAwaitAttach
		return h.send(protocol.DetachOK(detached))
	case protocol.AttachRequest:
		// Switching sessions: release the current attachment first.
		h.registry.Release(h.sessionID, h.clientID)
		info, _, err := h.registry.Attach(m.SessionID, h.clientID)
		if err != nil {
			h.state = StateClosed
			return err
		}
		h.sessionID = info.ID
		observability.RecordAttachResult(true, "")
		observability.SetSessionsLive(h.registry.Len())
		return h.send(protocol.AttachOK(info.ID, info.Attachments))
	case protocol.Unknown:
		// Tolerated for forward compatibility once attached.
		zap.L().Debug("ignoring unknown message",
			zap.String("conn", h.clientID),
			zap.String("type", string(m.Type)))
		return nil
	default:
		return h.send(protocol.DetachFailed(protocol.ReasonUnexpected))
	}
}

// reject sends one failure result and terminates the handshake.
func (h *Handler) reject(reason string) error {
	observability.RecordAttachResult(false, reason)
	err := h.send(protocol.AttachFailed(reason))
	h.state = StateRejected
	if err != nil {
		return err
	}
	return fmt.Errorf("handshake rejected: %s", reason)
}

func (h *Handler) send(m protocol.Message) error {
	return h.conn.Send(protocol.Encode(m))
}

func (h *Handler) teardown() {
	if h.sessionID != "" {
		h.registry.Release(h.sessionID, h.clientID)
		observability.SetSessionsLive(h.registry.Len())
		h.sessionID = ""
	}
	if h.state != StateRejected {
		h.state = StateClosed
	}
	_ = h.conn.Close()
}

// receiveErr normalizes the terminal receive outcomes: a clean peer close
// is not an error.
func receiveErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
