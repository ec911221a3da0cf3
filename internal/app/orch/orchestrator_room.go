package orch

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// Join moves c into room id. A connection holds one room at a time, so an
// existing membership elsewhere is left first.
func (o *Orchestrator) Join(c *core.Conn, id domain.RoomID, kind domain.RoomKind, metadata map[string]string) (core.JoinResult, error) {
	u, err := o.requireUser(c)
	if err != nil {
		return core.JoinResult{}, err
	}
	if current := c.Room(); current != "" && current != id {
		if err := o.Leave(c, current); err != nil {
			return core.JoinResult{}, err
		}
		log.Info().Str("module", "app.orch").Str("conn", c.String()).Str("from_room", string(current)).
			Str("room", string(id)).Msg("switching room")
	}

	res, err := o.Rooms.Join(c, id, kind, metadata)
	if err != nil {
		return core.JoinResult{}, err
	}
	if res.Replaced != nil {
		log.Info().Str("module", "app.orch").Str("conn", c.String()).Str("replaced", res.Replaced.String()).
			Str("user", string(u.ID)).Str("room", string(id)).Msg("membership replaced")
	}
	if !res.Rejoined {
		o.Presence.Joined(id, *u)
		o.track(domain.ActivityRoomJoin, c, id, map[string]string{
			"room_kind": string(res.Snapshot.Room.Kind),
			"members":   fmt.Sprint(len(res.Snapshot.Members)),
		})
	}
	o.handleDropped(id, res.Announce)
	return res, nil
}

// Leave is a no-op when c is not a member of id.
func (o *Orchestrator) Leave(c *core.Conn, id domain.RoomID) error {
	if _, err := o.requireUser(c); err != nil {
		return err
	}
	res := o.Rooms.Leave(c, id, "")
	if !res.Left {
		return nil
	}
	_ = c.Send(protocol.MustEncode(protocol.TypeRoomLeft, protocol.RoomLeft{RoomID: id}))
	o.Presence.Left(id, c.UserID())
	o.track(domain.ActivityRoomLeave, c, id, nil)
	o.handleDropped(id, res.Announce)
	return nil
}

func (o *Orchestrator) SetStatus(c *core.Conn, id domain.RoomID, status domain.Status) error {
	if _, err := o.requireUser(c); err != nil {
		return err
	}
	r, ok := o.Rooms.Get(id)
	if !ok {
		return domain.ErrNotInRoom
	}
	res, err := r.SetStatus(c, status)
	if err != nil {
		return err
	}
	o.handleDropped(id, res)
	return nil
}

// BroadcastToRoom pushes an operator event to every member of id.
func (o *Orchestrator) BroadcastToRoom(id domain.RoomID, event string, data json.RawMessage) (int, error) {
	if event == "" {
		return 0, fmt.Errorf("%w: event is required", domain.ErrBadPayload)
	}
	f, err := protocol.EncodeRaw(protocol.MessageType(event), data)
	if err != nil {
		return 0, err
	}
	r, ok := o.Rooms.Get(id)
	if !ok {
		return 0, nil
	}
	res := r.Publish(f, nil)
	o.handleDropped(id, res)
	return res.SentTo, nil
}

// RoomUsers reports the members of id; ok is false when the room does not exist.
func (o *Orchestrator) RoomUsers(id domain.RoomID) ([]domain.Member, bool) {
	r, ok := o.Rooms.Get(id)
	if !ok {
		return nil, false
	}
	return r.Snapshot().Members, true
}

func (o *Orchestrator) ListRooms() []core.RoomInfo {
	return o.Rooms.List()
}
