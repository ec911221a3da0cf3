// Package protocol defines the wire envelope and the closed set of messages
// exchanged with clients. Every inbound type decodes into its own struct, so
// dispatch is a type switch rather than string matching on loose maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Collab/internal/domain"
)

type MessageType string

// Inbound.
const (
	TypeAuthenticate       MessageType = "authenticate"
	TypeJoinRoom           MessageType = "join_room"
	TypeLeaveRoom          MessageType = "leave_room"
	TypeCollaborationEvent MessageType = "collaboration_event"
	TypeAssessmentUpdate   MessageType = "assessment_update"
	TypeCursorMove         MessageType = "cursor_move"
	TypeSendNotification   MessageType = "send_notification"
	TypeStatusChange       MessageType = "status_change"
	TypePing               MessageType = "ping"
	TypeWhoAmI             MessageType = "whoami"
)

// Outbound.
const (
	TypeAuthenticated       MessageType = "authenticated"
	TypeAuthError           MessageType = "auth_error"
	TypeRoomJoined          MessageType = "room_joined"
	TypeRoomLeft            MessageType = "room_left"
	TypeUserJoined          MessageType = "user_joined"
	TypeUserLeft            MessageType = "user_left"
	TypeUserDisconnected    MessageType = "user_disconnected"
	TypeUserStatusChanged   MessageType = "user_status_changed"
	TypeAssessmentUpdated   MessageType = "assessment_updated"
	TypeAssessmentConfirmed MessageType = "assessment_update_confirmed"
	TypeAssessmentError     MessageType = "assessment_update_error"
	TypeCursorUpdate        MessageType = "cursor_update"
	TypeNotification        MessageType = "notification"
	TypeNotificationSent    MessageType = "notification_sent"
	TypeMembershipReplaced  MessageType = "membership_replaced"
	TypePong                MessageType = "pong"
	TypeError               MessageType = "error"
)

var ErrUnknownType = errors.New("unknown message type")

// Envelope is the only shape that crosses the wire in either direction.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is implemented by every inbound message.
type Request interface {
	Type() MessageType
	Validate() error
}

var requests = map[MessageType]func() Request{
	TypeAuthenticate:       func() Request { return &Authenticate{} },
	TypeJoinRoom:           func() Request { return &JoinRoom{} },
	TypeLeaveRoom:          func() Request { return &LeaveRoom{} },
	TypeCollaborationEvent: func() Request { return &CollaborationEvent{} },
	TypeAssessmentUpdate:   func() Request { return &AssessmentUpdate{} },
	TypeCursorMove:         func() Request { return &CursorMove{} },
	TypeSendNotification:   func() Request { return &SendNotification{} },
	TypeStatusChange:       func() Request { return &StatusChange{} },
	TypePing:               func() Request { return &Ping{} },
	TypeWhoAmI:             func() Request { return &WhoAmI{} },
}

// Anonymous reports whether t is served before the connection authenticates.
func Anonymous(t MessageType) bool {
	switch t {
	case TypeAuthenticate, TypePing, TypeWhoAmI:
		return true
	}
	return false
}

// ParseEnvelope reads only the outer frame; the payload stays raw.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if _, ok := requests[env.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Request decodes and validates the payload into its concrete type.
func (env Envelope) Request() (Request, error) {
	mk, ok := requests[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	req := mk()
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrBadPayload, env.Type, err)
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Decode parses one inbound frame into its concrete Request.
func Decode(data []byte) (Request, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.Request()
}

// Encode wraps a payload into an envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// MustEncode is for payloads built from types this package controls.
func MustEncode(t MessageType, payload any) []byte {
	b, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeRaw wraps an already-encoded payload, used for operator broadcasts.
func EncodeRaw(t MessageType, payload json.RawMessage) ([]byte, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", domain.ErrBadPayload)
	}
	return json.Marshal(Envelope{Type: t, Payload: payload})
}

func badField(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrBadPayload, field, err)
}

var errRequired = errors.New("required")
