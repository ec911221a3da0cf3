package domain

import (
	"errors"
	"time"
)

var ErrUnknownEventKind = errors.New("unknown event kind")

// EventKind is the closed set of events relayed inside a room.
type EventKind string

// Collaboration events, relayed verbatim to the rest of the room.
const (
	EventCursorMove      EventKind = "cursor_move"
	EventSelectionChange EventKind = "selection_change"
	EventFieldEdit       EventKind = "field_edit"
	EventSectionComplete EventKind = "section_complete"
	EventCommentAdd      EventKind = "comment_add"
)

// System events, produced by the broker itself.
const (
	EventUserJoin         EventKind = "user_join"
	EventUserLeave        EventKind = "user_leave"
	EventAssessmentUpdate EventKind = "assessment_update"
	EventNotification     EventKind = "notification"
	EventSyncRequest      EventKind = "sync_request"
)

func ParseCollaborationKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventCursorMove, EventSelectionChange, EventFieldEdit, EventSectionComplete, EventCommentAdd:
		return k, nil
	}
	return "", ErrUnknownEventKind
}

func (k EventKind) IsCollaboration() bool {
	_, err := ParseCollaborationKind(string(k))
	return err == nil
}

// Event is immutable once built. Payload is opaque to the broker.
type Event struct {
	Kind      EventKind `json:"type"`
	Sender    UserID    `json:"user_id"`
	Room      RoomID    `json:"room_id"`
	Payload   []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}
