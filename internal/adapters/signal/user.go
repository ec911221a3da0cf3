package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// handleAuthenticate blocks this connection's reader until the identity
// provider answers; other connections are unaffected.
func (ctl *SignalWSController) handleAuthenticate(conn *core.Conn, m *protocol.Authenticate) {
	u, err := ctl.Orch.Authenticate(conn.Context(), conn, m.Credential)
	if err != nil {
		if errors.Is(err, domain.ErrTransportClosed) {
			return
		}
		_ = conn.Send(protocol.MustEncode(protocol.TypeAuthError, protocol.AuthError{
			Code:    protocol.CodeOf(err),
			Message: err.Error(),
		}))
		return
	}
	log.Info().Str("module", "signal").Str("conn", conn.String()).Str("user", string(u.ID)).Msg("authenticate")
}
