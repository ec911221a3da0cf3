package orch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// Route relays a collaboration event from a member to the rest of its room.
// The relay carries the server clock, never the client's.
func (o *Orchestrator) Route(c *core.Conn, kind domain.EventKind, id domain.RoomID, data json.RawMessage) error {
	u, err := o.requireUser(c)
	if err != nil {
		return err
	}
	if !kind.IsCollaboration() {
		return fmt.Errorf("%w: %s is not a collaboration event", domain.ErrBadPayload, kind)
	}
	r, ok := o.Rooms.Get(id)
	if !ok {
		return domain.ErrNotInRoom
	}

	ev := domain.Event{Kind: kind, Sender: u.ID, Room: id, Payload: data, Timestamp: o.now()}
	f := protocol.MustEncode(protocol.TypeCollaborationEvent, protocol.CollaborationRelay{
		Kind:               ev.Kind,
		UserID:             ev.Sender,
		RoomID:             ev.Room,
		Data:               ev.Payload,
		Timestamp:          ev.Timestamp,
		SenderConnectionID: c.String(),
	})
	res, err := r.Broadcast(c, f)
	if err != nil {
		return err
	}
	o.handleDropped(id, res)
	o.track(domain.ActivityCollab, c, id, map[string]string{"event": string(kind)})
	return nil
}

func (o *Orchestrator) Cursor(c *core.Conn, id domain.RoomID, x, y float64, element string) error {
	u, err := o.requireUser(c)
	if err != nil {
		return err
	}
	r, ok := o.Rooms.Get(id)
	if !ok {
		return domain.ErrNotInRoom
	}
	f := protocol.MustEncode(protocol.TypeCursorUpdate, protocol.CursorUpdate{
		UserID:    u.ID,
		RoomID:    id,
		X:         x,
		Y:         y,
		Element:   element,
		Timestamp: o.now(),
	})
	res, err := r.Broadcast(c, f)
	if err != nil {
		return err
	}
	o.Presence.Cursor(id, u.ID, x, y, element)
	o.handleDropped(id, res)
	return nil
}

// Notify delivers to every live connection of each target, whatever room
// they are in. The sender gets the delivery report.
func (o *Orchestrator) Notify(c *core.Conn, n domain.Notification) (domain.DeliveryReport, error) {
	u, err := o.requireUser(c)
	if err != nil {
		return domain.DeliveryReport{}, err
	}
	n.From = u.ID
	f := protocol.MustEncode(protocol.TypeNotification, protocol.Notification{
		From:      n.From,
		Kind:      n.Type,
		Message:   n.Message,
		Metadata:  n.Metadata,
		Timestamp: o.now(),
	})

	report := domain.DeliveryReport{Delivered: []domain.UserID{}, Offline: []domain.UserID{}}
	seen := make(map[domain.UserID]struct{}, len(n.Targets))
	for _, target := range n.Targets {
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		if o.deliver(target, f) > 0 {
			report.Delivered = append(report.Delivered, target)
		} else {
			report.Offline = append(report.Offline, target)
		}
	}

	_ = c.Send(protocol.MustEncode(protocol.TypeNotificationSent, report))
	o.track(domain.ActivityNotification, c, "", map[string]string{
		"type":      n.Type,
		"delivered": fmt.Sprint(len(report.Delivered)),
		"offline":   fmt.Sprint(len(report.Offline)),
	})
	log.Debug().Str("module", "app.orch").Str("conn", c.String()).Int("delivered", len(report.Delivered)).
		Int("offline", len(report.Offline)).Msg("notification dispatched")
	return report, nil
}

// SendToUser pushes an operator event to every live connection of uid.
func (o *Orchestrator) SendToUser(uid domain.UserID, event string, data json.RawMessage) (int, error) {
	if event == "" {
		return 0, fmt.Errorf("%w: event is required", domain.ErrBadPayload)
	}
	f, err := protocol.EncodeRaw(protocol.MessageType(event), data)
	if err != nil {
		return 0, err
	}
	n := o.deliver(uid, f)
	if n == 0 {
		return 0, domain.ErrOffline
	}
	return n, nil
}

func (o *Orchestrator) IsOnline(uid domain.UserID) bool {
	return o.Registry.Online(uid)
}

// deliver counts the connections that accepted f. A full outbox still
// accepts the frame by evicting its oldest one.
func (o *Orchestrator) deliver(uid domain.UserID, f core.Frame) int {
	n := 0
	for _, conn := range o.Registry.Conns(uid) {
		if err := conn.Send(f); err == nil || errors.Is(err, core.ErrBackpressure) {
			n++
		}
	}
	return n
}
