package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// handleJoin ignores user_data; the member entry comes from the verified identity.
func (ctl *SignalWSController) handleJoin(conn *core.Conn, m *protocol.JoinRoom) {
	id := domain.RoomID(m.RoomID)
	kind, err := domain.ParseRoomKind(m.RoomKind)
	if err != nil {
		ctl.replyError(conn, m.Type(), err)
		return
	}
	res, err := ctl.Orch.Join(conn, id, kind, m.Metadata)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", conn.String()).Str("room", m.RoomID).Msg("join rejected")
		ctl.replyError(conn, m.Type(), err)
		return
	}
	log.Info().Str("module", "signal").Str("conn", conn.String()).Str("room", m.RoomID).
		Int("members", len(res.Snapshot.Members)).Msg("join")
}

// handleLeave leaves the room; the connection itself stays open.
func (ctl *SignalWSController) handleLeave(conn *core.Conn, m *protocol.LeaveRoom) {
	if err := ctl.Orch.Leave(conn, domain.RoomID(m.RoomID)); err != nil {
		ctl.replyError(conn, m.Type(), err)
		return
	}
	log.Info().Str("module", "signal").Str("conn", conn.String()).Str("room", m.RoomID).Msg("leave")
}

func (ctl *SignalWSController) handleStatus(conn *core.Conn, m *protocol.StatusChange) {
	if err := ctl.Orch.SetStatus(conn, domain.RoomID(m.RoomID), m.Parsed()); err != nil {
		ctl.replyError(conn, m.Type(), err)
	}
}
