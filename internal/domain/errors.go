package domain

import "errors"

var (
	ErrUnauthenticated    = errors.New("connection is not authenticated")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrNotInRoom          = errors.New("connection is not a member of the room")
	ErrStoreRejected      = errors.New("assessment store rejected the update")
	ErrOffline            = errors.New("target has no live connection")
	ErrTransportClosed    = errors.New("transport closed")
	ErrBadPayload         = errors.New("bad payload")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidRoom        = errors.New("invalid room")
	ErrAlreadyAuthed      = errors.New("connection already authenticated")
	ErrAssessmentNotFound = errors.New("assessment not found")
)
