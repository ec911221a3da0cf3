// Package orch wires rooms, the user index and the external collaborators
// into the operations a connection can request.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/dkeye/Collab/internal/app"
	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

const (
	DefaultQueueSize    = 64
	DefaultStoreTimeout = 5 * time.Second
	DefaultMaxInflight  = 64

	ReasonClosed       = "connection_closed"
	ReasonSlowConsumer = "slow_consumer"
)

type Options struct {
	Rooms    core.RoomManager
	Registry *app.Registry
	Auth     *app.Authenticator
	Store    app.AssessmentStore
	Policy   app.Policy
	Activity app.ActivitySink
	Presence app.PresenceMirror

	QueueSize    int
	StoreTimeout time.Duration
	MaxInflight  int64
}

type Orchestrator struct {
	Rooms    core.RoomManager
	Registry *app.Registry
	Auth     *app.Authenticator
	Store    app.AssessmentStore
	Policy   app.Policy
	Activity app.ActivitySink
	Presence app.PresenceMirror

	queueSize    int
	storeTimeout time.Duration
	sem          *semaphore.Weighted
	inflight     sync.WaitGroup
	now          func() time.Time
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		Rooms:        opts.Rooms,
		Registry:     opts.Registry,
		Auth:         opts.Auth,
		Store:        opts.Store,
		Policy:       opts.Policy,
		Activity:     opts.Activity,
		Presence:     opts.Presence,
		queueSize:    opts.QueueSize,
		storeTimeout: opts.StoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if o.Rooms == nil {
		o.Rooms = core.NewRoomManager(core.DefaultRoomShards)
	}
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	if o.Policy == nil {
		o.Policy = app.SimplePolicy{Action: app.DropOldest}
	}
	if o.Activity == nil {
		o.Activity = app.NopActivity{}
	}
	if o.Presence == nil {
		o.Presence = app.NopPresence{}
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = DefaultStoreTimeout
	}
	inflight := opts.MaxInflight
	if inflight <= 0 {
		inflight = DefaultMaxInflight
	}
	o.sem = semaphore.NewWeighted(inflight)
	return o
}

// Connect registers nothing yet; a connection becomes visible to others only
// once it authenticates.
func (o *Orchestrator) Connect(ctx context.Context, client string) *core.Conn {
	c := core.NewConn(ctx, o.queueSize, client)
	log.Info().Str("module", "app.orch").Str("conn", c.String()).Str("client", client).Msg("connection opened")
	return c
}

func (o *Orchestrator) Authenticate(ctx context.Context, c *core.Conn, credential string) (*domain.User, error) {
	if c.User() != nil {
		return nil, domain.ErrAlreadyAuthed
	}
	u, err := o.Auth.Verify(ctx, credential)
	if err != nil {
		log.Info().Str("module", "app.orch").Str("conn", c.String()).Err(err).Msg("authentication failed")
		return nil, err
	}
	if err := c.BindUser(u); err != nil {
		return nil, err
	}
	o.Registry.Add(c)

	_ = c.Send(protocol.MustEncode(protocol.TypeAuthenticated, protocol.Authenticated{
		User:         *u,
		ConnectionID: c.String(),
	}))
	o.track(domain.ActivityAuth, c, "", map[string]string{"role": string(u.Role)})
	log.Info().Str("module", "app.orch").Str("conn", c.String()).Str("user", string(u.ID)).Msg("authenticated")
	return u, nil
}

// Disconnect tears a connection down exactly once: membership, index,
// departure notice. Later calls are no-ops.
func (o *Orchestrator) Disconnect(c *core.Conn, reason string) {
	room, first := c.Close()
	if !first {
		return
	}
	if reason == "" {
		reason = ReasonClosed
	}
	if room != "" {
		res := o.Rooms.Leave(c, room, reason)
		if res.Left {
			o.Presence.Left(room, c.UserID())
			o.handleDropped(room, res.Announce)
		}
	}
	o.Registry.Remove(c)
	if c.User() != nil {
		o.track(domain.ActivityDisconnect, c, room, map[string]string{"reason": reason})
	}
	log.Info().Str("module", "app.orch").Str("conn", c.String()).Str("user", string(c.UserID())).
		Str("room", string(room)).Str("reason", reason).Msg("connection closed")
}

func (o *Orchestrator) WhoAmI(c *core.Conn) protocol.WhoAmIReply {
	return protocol.WhoAmIReply{User: c.User(), ConnectionID: c.String(), RoomID: c.Room()}
}

// handleDropped applies the overflow policy after the room lock is released.
func (o *Orchestrator) handleDropped(room domain.RoomID, res core.PublishResult) {
	if len(res.Dropped) == 0 {
		return
	}
	svc, _ := o.Rooms.Get(room)
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(svc, slow) {
		case app.KickMember:
			log.Warn().Str("module", "app.orch").Str("conn", slow.String()).Str("room", string(room)).
				Uint64("dropped", slow.DroppedFrames()).Msg("kicking slow consumer")
			o.Disconnect(slow, ReasonSlowConsumer)
		case app.DropOldest, app.NoAction:
			log.Debug().Str("module", "app.orch").Str("conn", slow.String()).Str("room", string(room)).
				Msg("outbound queue full, dropped oldest frame")
		}
	}
}

func (o *Orchestrator) requireUser(c *core.Conn) (*domain.User, error) {
	if u := c.User(); u != nil {
		return u, nil
	}
	return nil, domain.ErrUnauthenticated
}

func (o *Orchestrator) track(kind domain.ActivityKind, c *core.Conn, room domain.RoomID, attrs map[string]string) {
	o.Activity.Track(domain.ActivityEvent{
		Kind:         kind,
		UserID:       c.UserID(),
		RoomID:       room,
		ConnectionID: c.String(),
		Attrs:        attrs,
		At:           o.now(),
	})
}
