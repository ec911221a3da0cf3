package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/app/orch"
	"github.com/dkeye/Collab/internal/core"
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	RateEvents     int
	RateInterval   time.Duration
	AllowedOrigins []string
}

func (o *Options) withDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.RateEvents <= 0 {
		o.RateEvents = 120
	}
	if o.RateInterval <= 0 {
		o.RateInterval = time.Second
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts.withDefaults()
	ctl := &SignalWSController{
		Orch:    o,
		Limiter: NewRoomRateLimiter(opts.RateEvents, opts.RateInterval),
		opts:    opts,
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(ctl.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range ctl.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	log.Warn().Str("module", "signal").Str("origin", origin).Msg("origin rejected")
	return false
}

// HandleSignal upgrades the request and starts the connection's pumps.
// ctx bounds every connection opened through it.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("client", client).Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, client)
}

// Serve runs a connection over an already upgraded socket.
func (ctl *SignalWSController) Serve(ctx context.Context, ws WSConn, client string) *core.Conn {
	conn := ctl.Orch.Connect(ctx, client)
	log.Info().Str("module", "signal").Str("conn", conn.String()).Str("client", client).Msg("new WS connection")

	go ctl.writePump(conn, ws)
	go ctl.readPump(conn, ws)
	return conn
}
