package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

const (
	reasonClientClosed = "client_closed"
	reasonReadError    = "read_error"
	reasonWriteError   = "write_error"
	reasonServerClosed = "server_shutdown"
)

func (ctl *SignalWSController) writePump(conn *core.Conn, ws WSConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-conn.Done():
			// No-op unless the server context ended first.
			ctl.Orch.Disconnect(conn, reasonServerClosed)
			deadline := time.Now().Add(ctl.opts.WriteWait)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			log.Debug().Str("module", "signal").Str("conn", conn.String()).Msg("writePump ctx done")
			return
		case <-conn.Ready():
			for _, f := range conn.Drain() {
				if err := ws.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
					log.Error().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("writePump set deadline")
					ctl.Orch.Disconnect(conn, reasonWriteError)
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, f); err != nil {
					log.Error().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("writePump write error")
					ctl.Orch.Disconnect(conn, reasonWriteError)
					return
				}
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("writePump ping error")
				ctl.Orch.Disconnect(conn, reasonWriteError)
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(conn *core.Conn, ws WSConn) {
	reason := reasonReadError
	defer func() {
		uid := conn.UserID()
		ctl.Orch.Disconnect(conn, reason)
		if uid != "" && !ctl.Orch.IsOnline(uid) {
			ctl.Limiter.Forget(uid)
		}
		log.Info().Str("module", "signal").Str("conn", conn.String()).Str("reason", reason).Msg("readPump closing")
	}()

	ws.SetReadLimit(ctl.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = reasonClientClosed
			} else if !conn.IsClosed() {
				log.Warn().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("readPump read error")
			}
			return
		}
		// The deadline also covers clients that never answer pings but keep talking.
		_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.handleFrame(conn, data)
	}
}

// handleFrame decodes one inbound frame and dispatches it on its concrete type.
// The auth gate looks at the envelope type only, so an anonymous client never
// learns whether its payload would have been valid.
func (ctl *SignalWSController) handleFrame(conn *core.Conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("bad frame")
		ctl.replyError(conn, "", err)
		return
	}
	if !protocol.Anonymous(env.Type) && conn.User() == nil {
		ctl.replyError(conn, env.Type, domain.ErrUnauthenticated)
		return
	}
	req, err := env.Request()
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", conn.String()).Msg("bad payload")
		ctl.replyError(conn, env.Type, err)
		return
	}

	switch m := req.(type) {
	case *protocol.Authenticate:
		ctl.handleAuthenticate(conn, m)
	case *protocol.JoinRoom:
		ctl.handleJoin(conn, m)
	case *protocol.LeaveRoom:
		ctl.handleLeave(conn, m)
	case *protocol.StatusChange:
		ctl.handleStatus(conn, m)
	case *protocol.CollaborationEvent:
		ctl.handleCollaboration(conn, m)
	case *protocol.CursorMove:
		ctl.handleCursor(conn, m)
	case *protocol.AssessmentUpdate:
		ctl.handleAssessmentUpdate(conn, m)
	case *protocol.SendNotification:
		ctl.handleNotification(conn, m)
	case *protocol.Ping:
		ctl.handlePing(conn)
	case *protocol.WhoAmI:
		ctl.handleWhoAmI(conn)
	default:
		log.Warn().Str("module", "signal").Str("type", string(req.Type())).Msg("unhandled message type")
	}
}

func (ctl *SignalWSController) replyError(conn *core.Conn, req protocol.MessageType, err error) {
	_ = conn.Send(protocol.ErrorFrame(req, err))
}
