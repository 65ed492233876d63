// Package protocol defines the attach handshake wire messages and their
// JSON (de)serialization. Every message is one self-contained text unit
// carrying a `type` discriminator.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"attachd/pkg/protocol/codec"
)

// Type discriminates wire messages.
type Type string

const (
	TypeConnected     Type = "connected"
	TypeAttachSession Type = "attach_session"
	TypeDetachSession Type = "detach_session"
	TypeAttachResult  Type = "attach_result"
	TypeDetachResult  Type = "detach_result"
)

// Failure reasons reported in attach/detach results. The vocabulary is an
// extension point; these are the built-in values.
const (
	ReasonMalformed       = "malformed_message"
	ReasonUnexpected      = "unexpected_message"
	ReasonNotAttached     = "not_attached"
	ReasonSessionMismatch = "session_mismatch"
)

// ErrMalformed reports a message that fails structural validation:
// not a JSON object, missing `type`, or missing required fields.
var ErrMalformed = errors.New("malformed message")

// Message is implemented by all wire message variants.
type Message interface {
	MessageType() Type
}

// Connected is pushed by the server once per connection, before any other
// traffic. ClientID is the server-assigned connection identity.
type Connected struct {
	Type     Type   `json:"type"`
	ClientID string `json:"client_id,omitempty"`
}

func (Connected) MessageType() Type { return TypeConnected }

// NewConnected builds the mandatory first event for a connection.
func NewConnected(clientID string) Connected {
	return Connected{Type: TypeConnected, ClientID: clientID}
}

// AttachRequest asks the server to attach this connection to a session.
type AttachRequest struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

func (AttachRequest) MessageType() Type { return TypeAttachSession }

func NewAttachRequest(sessionID string) AttachRequest {
	return AttachRequest{Type: TypeAttachSession, SessionID: sessionID}
}

// DetachRequest releases this connection's attachment while keeping the
// connection open for a subsequent attach.
type DetachRequest struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

func (DetachRequest) MessageType() Type { return TypeDetachSession }

func NewDetachRequest(sessionID string) DetachRequest {
	return DetachRequest{Type: TypeDetachSession, SessionID: sessionID}
}

// AttachResult reports the outcome of an attach attempt.
type AttachResult struct {
	Type        Type   `json:"type"`
	OK          bool   `json:"ok"`
	SessionID   string `json:"session_id,omitempty"`
	Attachments int    `json:"attachments,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (AttachResult) MessageType() Type { return TypeAttachResult }

func AttachOK(sessionID string, attachments int) AttachResult {
	return AttachResult{Type: TypeAttachResult, OK: true, SessionID: sessionID, Attachments: attachments}
}

func AttachFailed(reason string) AttachResult {
	return AttachResult{Type: TypeAttachResult, OK: false, Reason: reason}
}

// DetachResult reports the outcome of a detach.
type DetachResult struct {
	Type      Type   `json:"type"`
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (DetachResult) MessageType() Type { return TypeDetachResult }

func DetachOK(sessionID string) DetachResult {
	return DetachResult{Type: TypeDetachResult, OK: true, SessionID: sessionID}
}

func DetachFailed(reason string) DetachResult {
	return DetachResult{Type: TypeDetachResult, OK: false, Reason: reason}
}

// Unknown carries a message whose `type` is syntactically valid but not
// recognized. Decoding it is not an error so newer peers can speak to
// older servers.
type Unknown struct {
	Type Type
	Raw  []byte
}

func (u Unknown) MessageType() Type { return u.Type }

// The wire codec is resolved through the registry by content type.
var wire = codec.NewRegistry().Get(codec.ContentTypeJSON)

// head is the minimal projection used to pick a variant.
type head struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

// Decode parses one wire unit into a typed message. A missing or empty
// `type` fails with ErrMalformed; for attach/detach requests an empty
// session_id also fails. Unrecognized types decode to Unknown.
func Decode(raw []byte) (Message, error) {
	var h head
	if err := wire.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(h.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	switch Type(h.Type) {
	case TypeAttachSession:
		if h.SessionID == "" {
			return nil, fmt.Errorf("%w: attach_session requires session_id", ErrMalformed)
		}
		return NewAttachRequest(h.SessionID), nil
	case TypeDetachSession:
		if h.SessionID == "" {
			return nil, fmt.Errorf("%w: detach_session requires session_id", ErrMalformed)
		}
		return NewDetachRequest(h.SessionID), nil
	case TypeConnected:
		return NewConnected(h.ClientID), nil
	case TypeAttachResult:
		var m AttachResult
		if err := wire.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case TypeDetachResult:
		var m DetachResult
		if err := wire.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	default:
		return Unknown{Type: Type(h.Type), Raw: append([]byte(nil), raw...)}, nil
	}
}

// Encode serializes a well-formed in-memory message. It is total: the
// message structs contain nothing json.Marshal can reject.
func Encode(m Message) []byte {
	if u, ok := m.(Unknown); ok {
		return append([]byte(nil), u.Raw...)
	}
	b, _ := wire.Marshal(m)
	return b
}
