package domain

import "time"

type ActivityKind string

const (
	ActivityAuth         ActivityKind = "realtime_auth"
	ActivityRoomJoin     ActivityKind = "realtime_room_join"
	ActivityRoomLeave    ActivityKind = "realtime_room_leave"
	ActivityCollab       ActivityKind = "realtime_collaboration"
	ActivityAssessment   ActivityKind = "realtime_assessment_update"
	ActivityNotification ActivityKind = "realtime_notification"
	ActivityDisconnect   ActivityKind = "realtime_disconnect"
)

// ActivityEvent is an analytics record; nothing in the broker reads it back.
type ActivityEvent struct {
	Kind         ActivityKind      `json:"kind"`
	UserID       UserID            `json:"user_id,omitempty"`
	RoomID       RoomID            `json:"room_id,omitempty"`
	ConnectionID string            `json:"connection_id"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	At           time.Time         `json:"at"`
}
