package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 128

var (
	ErrRoomIDEmpty     = errors.New("room id empty")
	ErrRoomIDTooLong   = errors.New("room id too long")
	ErrUnknownRoomKind = errors.New("unknown room kind")
)

type RoomID string

type RoomKind string

const (
	RoomAssessment RoomKind = "assessment"
	RoomDashboard  RoomKind = "dashboard"
	RoomResults    RoomKind = "results"
)

func ParseRoomKind(s string) (RoomKind, error) {
	switch RoomKind(s) {
	case RoomAssessment, RoomDashboard, RoomResults:
		return RoomKind(s), nil
	}
	return "", ErrUnknownRoomKind
}

func (id RoomID) Validate() error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

const assessmentRoomPrefix = "assessment_"

// AssessmentRoom names the room that receives updates for an assessment.
func AssessmentRoom(assessmentID string) RoomID {
	return RoomID(assessmentRoomPrefix + assessmentID)
}

// AssessmentOf reports the assessment id encoded in an assessment room name.
func AssessmentOf(id RoomID) (string, bool) {
	s := string(id)
	if !strings.HasPrefix(s, assessmentRoomPrefix) || len(s) == len(assessmentRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, assessmentRoomPrefix), true
}

type Room struct {
	ID       RoomID            `json:"id"`
	Kind     RoomKind          `json:"kind"`
	Metadata map[string]string `json:"metadata"`
}
