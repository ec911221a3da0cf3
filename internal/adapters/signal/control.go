package signal

import (
	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/protocol"
)

func (ctl *SignalWSController) handlePing(conn *core.Conn) {
	_ = conn.Send(protocol.MustEncode(protocol.TypePong, struct{}{}))
}

func (ctl *SignalWSController) handleWhoAmI(conn *core.Conn) {
	_ = conn.Send(protocol.MustEncode(protocol.TypeWhoAmI, ctl.Orch.WhoAmI(conn)))
}
