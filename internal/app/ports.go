package app

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Collab/internal/domain"
)

// IdentityProvider turns a credential into a verified user. Implementations
// return domain.ErrInvalidCredential for a rejected credential.
type IdentityProvider interface {
	Verify(ctx context.Context, credential string) (*domain.User, error)
}

// AssessmentStore is the system of record for assessment values. The broker
// only forwards updates; a nil error means the update was accepted as a whole.
type AssessmentStore interface {
	ApplyUpdate(ctx context.Context, assessmentID string, updates json.RawMessage, by domain.UserID) error
}

// ActivitySink receives analytics records. Track must not block.
type ActivitySink interface {
	Track(ev domain.ActivityEvent)
}

// PresenceMirror publishes local presence transitions for other processes.
// Calls must not block; the local room registry stays authoritative.
type PresenceMirror interface {
	Joined(room domain.RoomID, user domain.User)
	Left(room domain.RoomID, user domain.UserID)
	Cursor(room domain.RoomID, user domain.UserID, x, y float64, element string)
}

type NopActivity struct{}

func (NopActivity) Track(domain.ActivityEvent) {}

type NopPresence struct{}

func (NopPresence) Joined(domain.RoomID, domain.User)                             {}
func (NopPresence) Left(domain.RoomID, domain.UserID)                             {}
func (NopPresence) Cursor(domain.RoomID, domain.UserID, float64, float64, string) {}
