package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/dkeye/Collab/internal/domain"
)

const MaxNotificationTargets = 100

type Authenticate struct {
	Credential string `json:"credential"`
}

func (*Authenticate) Type() MessageType { return TypeAuthenticate }

func (m *Authenticate) Validate() error {
	if m.Credential == "" {
		return badField("credential", errRequired)
	}
	return nil
}

// JoinRoom carries client-side user_data for compatibility only; the
// member entry is always built from the verified identity.
type JoinRoom struct {
	RoomID   string            `json:"room_id"`
	RoomKind string            `json:"room_kind"`
	UserData json.RawMessage   `json:"user_data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (*JoinRoom) Type() MessageType { return TypeJoinRoom }

func (m *JoinRoom) Validate() error {
	if err := domain.RoomID(m.RoomID).Validate(); err != nil {
		return badField("room_id", err)
	}
	if m.RoomKind == "" {
		if _, ok := domain.AssessmentOf(domain.RoomID(m.RoomID)); ok {
			m.RoomKind = string(domain.RoomAssessment)
			return nil
		}
		return badField("room_kind", errRequired)
	}
	if _, err := domain.ParseRoomKind(m.RoomKind); err != nil {
		return badField("room_kind", err)
	}
	return nil
}

type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

func (*LeaveRoom) Type() MessageType { return TypeLeaveRoom }

func (m *LeaveRoom) Validate() error {
	if err := domain.RoomID(m.RoomID).Validate(); err != nil {
		return badField("room_id", err)
	}
	return nil
}

// CollaborationEvent ignores any client timestamp; the server stamps relays.
type CollaborationEvent struct {
	Kind   string          `json:"type"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data"`
}

func (*CollaborationEvent) Type() MessageType { return TypeCollaborationEvent }

func (m *CollaborationEvent) Validate() error {
	if _, err := domain.ParseCollaborationKind(m.Kind); err != nil {
		return badField("type", err)
	}
	if err := domain.RoomID(m.RoomID).Validate(); err != nil {
		return badField("room_id", err)
	}
	return nil
}

type AssessmentUpdate struct {
	AssessmentID string          `json:"assessment_id"`
	Updates      json.RawMessage `json:"updates"`
}

func (*AssessmentUpdate) Type() MessageType { return TypeAssessmentUpdate }

func (m *AssessmentUpdate) Validate() error {
	if m.AssessmentID == "" {
		return badField("assessment_id", errRequired)
	}
	if err := domain.AssessmentRoom(m.AssessmentID).Validate(); err != nil {
		return badField("assessment_id", err)
	}
	if !isObject(m.Updates) {
		return badField("updates", errors.New("must be a json object"))
	}
	return nil
}

type CursorMove struct {
	RoomID  string  `json:"room_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Element string  `json:"element,omitempty"`
}

func (*CursorMove) Type() MessageType { return TypeCursorMove }

func (m *CursorMove) Validate() error {
	if err := domain.RoomID(m.RoomID).Validate(); err != nil {
		return badField("room_id", err)
	}
	return nil
}

type SendNotification struct {
	TargetUsers []string       `json:"target_users"`
	Kind        string         `json:"type"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (*SendNotification) Type() MessageType { return TypeSendNotification }

func (m *SendNotification) Validate() error {
	if len(m.TargetUsers) == 0 {
		return badField("target_users", errRequired)
	}
	if len(m.TargetUsers) > MaxNotificationTargets {
		return badField("target_users", errors.New("too many targets"))
	}
	for _, id := range m.TargetUsers {
		if id == "" {
			return badField("target_users", errors.New("empty user id"))
		}
	}
	if m.Kind == "" {
		return badField("type", errRequired)
	}
	return nil
}

type StatusChange struct {
	RoomID string `json:"room_id"`
	Status string `json:"status"`

	parsed domain.Status
}

// Parsed is the status checked by Validate.
func (m *StatusChange) Parsed() domain.Status { return m.parsed }

func (*StatusChange) Type() MessageType { return TypeStatusChange }

func (m *StatusChange) Validate() error {
	if err := domain.RoomID(m.RoomID).Validate(); err != nil {
		return badField("room_id", err)
	}
	status, err := domain.ParseStatus(m.Status)
	if err != nil {
		return badField("status", err)
	}
	m.parsed = status
	return nil
}

type Ping struct{}

func (*Ping) Type() MessageType { return TypePing }
func (*Ping) Validate() error   { return nil }

type WhoAmI struct{}

func (*WhoAmI) Type() MessageType { return TypeWhoAmI }
func (*WhoAmI) Validate() error   { return nil }

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 1 && trimmed[0] == '{' && json.Valid(trimmed)
}
