package signal

import (
	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

func (ctl *SignalWSController) allow(conn *core.Conn, req protocol.MessageType) bool {
	if ctl.Limiter.Allow(conn.UserID()) {
		return true
	}
	ctl.replyError(conn, req, domain.ErrRateLimited)
	return false
}

func (ctl *SignalWSController) handleCollaboration(conn *core.Conn, m *protocol.CollaborationEvent) {
	if !ctl.allow(conn, m.Type()) {
		return
	}
	kind := domain.EventKind(m.Kind)
	if err := ctl.Orch.Route(conn, kind, domain.RoomID(m.RoomID), m.Data); err != nil {
		ctl.replyError(conn, m.Type(), err)
	}
}

func (ctl *SignalWSController) handleCursor(conn *core.Conn, m *protocol.CursorMove) {
	if !ctl.allow(conn, m.Type()) {
		return
	}
	if err := ctl.Orch.Cursor(conn, domain.RoomID(m.RoomID), m.X, m.Y, m.Element); err != nil {
		ctl.replyError(conn, m.Type(), err)
	}
}

// handleAssessmentUpdate returns at once; the outcome arrives later as
// assessment_update_confirmed or assessment_update_error.
func (ctl *SignalWSController) handleAssessmentUpdate(conn *core.Conn, m *protocol.AssessmentUpdate) {
	if err := ctl.Orch.ApplyUpdate(conn, m.AssessmentID, m.Updates); err != nil {
		ctl.replyError(conn, m.Type(), err)
	}
}

func (ctl *SignalWSController) handleNotification(conn *core.Conn, m *protocol.SendNotification) {
	targets := make([]domain.UserID, len(m.TargetUsers))
	for i, id := range m.TargetUsers {
		targets[i] = domain.UserID(id)
	}
	_, err := ctl.Orch.Notify(conn, domain.Notification{
		Targets:  targets,
		Type:     m.Kind,
		Message:  m.Message,
		Metadata: m.Metadata,
	})
	if err != nil {
		ctl.replyError(conn, m.Type(), err)
	}
}
