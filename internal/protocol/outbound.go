package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Collab/internal/domain"
)

type Authenticated struct {
	User         domain.User `json:"user"`
	ConnectionID string      `json:"connection_id"`
}

type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomJoined is sent to the joiner only.
type RoomJoined struct {
	RoomID   domain.RoomID     `json:"room_id"`
	RoomKind domain.RoomKind   `json:"room_kind"`
	Users    []domain.Member   `json:"users"`
	Metadata map[string]string `json:"metadata"`
}

type RoomLeft struct {
	RoomID domain.RoomID `json:"room_id"`
}

// Presence backs user_joined, user_left and user_disconnected.
type Presence struct {
	User      domain.User   `json:"user"`
	UserID    domain.UserID `json:"user_id"`
	RoomID    domain.RoomID `json:"room_id"`
	UserCount int           `json:"user_count"`
	Reason    string        `json:"reason,omitempty"`
}

type StatusChanged struct {
	UserID domain.UserID `json:"user_id"`
	RoomID domain.RoomID `json:"room_id"`
	Status domain.Status `json:"status"`
}

type CollaborationRelay struct {
	Kind               domain.EventKind `json:"type"`
	UserID             domain.UserID    `json:"user_id"`
	RoomID             domain.RoomID    `json:"room_id"`
	Data               json.RawMessage  `json:"data,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
	SenderConnectionID string           `json:"sender_connection_id"`
}

type AssessmentUpdated struct {
	AssessmentID string          `json:"assessment_id"`
	Updates      json.RawMessage `json:"updates"`
	UpdatedBy    domain.UserID   `json:"updated_by"`
	Timestamp    time.Time       `json:"timestamp"`
}

type AssessmentConfirmed struct {
	AssessmentID string    `json:"assessment_id"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

type AssessmentFailed struct {
	AssessmentID string `json:"assessment_id"`
	Code         string `json:"code"`
	Error        string `json:"error"`
}

type CursorUpdate struct {
	UserID    domain.UserID `json:"user_id"`
	RoomID    domain.RoomID `json:"room_id"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Element   string        `json:"element,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type Notification struct {
	From      domain.UserID  `json:"from"`
	Kind      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type MembershipReplaced struct {
	RoomID domain.RoomID `json:"room_id"`
}

type WhoAmIReply struct {
	User         *domain.User  `json:"user,omitempty"`
	ConnectionID string        `json:"connection_id"`
	RoomID       domain.RoomID `json:"room_id,omitempty"`
}

type ErrorReply struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Request MessageType `json:"request,omitempty"`
}

// Wire error codes.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidCred     = "invalid_credential"
	CodeAlreadyAuthed   = "already_authenticated"
	CodeNotInRoom       = "not_in_room"
	CodeStoreRejected   = "store_rejected"
	CodeTimeout         = "timeout"
	CodeBadPayload      = "bad_payload"
	CodeUnknownType     = "unknown_type"
	CodeRateLimited     = "rate_limited"
	CodeInvalidRoom     = "invalid_room"
	CodeClosed          = "connection_closed"
	CodeInternal        = "internal_error"
)

// CodeOf maps the error taxonomy onto wire codes.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, domain.ErrInvalidCredential):
		return CodeInvalidCred
	case errors.Is(err, domain.ErrAlreadyAuthed):
		return CodeAlreadyAuthed
	case errors.Is(err, domain.ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, domain.ErrStoreRejected):
		return CodeStoreRejected
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	case errors.Is(err, domain.ErrBadPayload):
		return CodeBadPayload
	case errors.Is(err, domain.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, domain.ErrInvalidRoom):
		return CodeInvalidRoom
	case errors.Is(err, domain.ErrTransportClosed):
		return CodeClosed
	}
	return CodeInternal
}

// ErrorFrame builds the generic error reply for a failed request.
func ErrorFrame(req MessageType, err error) []byte {
	return MustEncode(TypeError, ErrorReply{Code: CodeOf(err), Message: err.Error(), Request: req})
}
