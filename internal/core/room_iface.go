package core

import (
	"github.com/dkeye/Collab/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped []*Conn
}

// RoomSnapshot is a consistent copy of a room taken under its lock.
type RoomSnapshot struct {
	Room    domain.Room
	Members []domain.Member
}

type JoinResult struct {
	Snapshot RoomSnapshot
	// Replaced is the same user's previous connection, now detached from the room.
	Replaced *Conn
	// Rejoined is set when the connection was already the member.
	Rejoined bool
	Announce PublishResult
}

type LeaveResult struct {
	Left      bool
	Remaining int
	Pruned    bool
	Announce  PublishResult
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	Kind() domain.RoomKind
	MemberCount() int
	Snapshot() RoomSnapshot
	IsMember(c *Conn) bool

	// Broadcast relays f from a member to every other member.
	Broadcast(from *Conn, f Frame) (PublishResult, error)
	// Publish delivers a broker-originated frame, skipping except if set.
	Publish(f Frame, except *Conn) PublishResult
	SetStatus(c *Conn, s domain.Status) (PublishResult, error)
}

type RoomInfo struct {
	ID          domain.RoomID   `json:"id"`
	Kind        domain.RoomKind `json:"kind"`
	MemberCount int             `json:"user_count"`
}

type RoomManager interface {
	// Join creates the room on first use. Joining presence frames are queued
	// before Join returns.
	Join(c *Conn, id domain.RoomID, kind domain.RoomKind, metadata map[string]string) (JoinResult, error)
	// Leave is a no-op when c is not the member. A non-empty reason marks a disconnect.
	Leave(c *Conn, id domain.RoomID, reason string) LeaveResult
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	Len() int
}
