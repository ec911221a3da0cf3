package domain

import "errors"

var ErrUnknownStatus = errors.New("unknown status")

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusIdle:
		return Status(s), nil
	}
	return "", ErrUnknownStatus
}

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User   User   `json:"user"`
	Status Status `json:"status"`
}

func NewMember(user *User) Member {
	return Member{User: *user, Status: StatusActive}
}
