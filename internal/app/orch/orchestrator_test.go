package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/app"
	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// credentialIsID accepts any credential and uses it as the user id.
type credentialIsID struct{}

func (credentialIsID) Verify(_ context.Context, cred string) (*domain.User, error) {
	if cred == "bad" {
		return nil, domain.ErrInvalidCredential
	}
	return domain.NewUser(domain.UserID(cred), "user "+cred, domain.RoleMember)
}

type fakeStore struct {
	mu    sync.Mutex
	err   error
	block bool
	calls []string
}

func (s *fakeStore) ApplyUpdate(ctx context.Context, id string, _ json.RawMessage, _ domain.UserID) error {
	s.mu.Lock()
	s.calls = append(s.calls, id)
	err, block := s.err, s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
}

func (r *recordingSink) Track(ev domain.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) kinds() []domain.ActivityKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ActivityKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestOrch(t *testing.T, store app.AssessmentStore, opts ...func(*Options)) *Orchestrator {
	t.Helper()
	o := Options{
		Auth:         app.NewAuthenticator(credentialIsID{}, time.Second),
		Store:        store,
		QueueSize:    64,
		StoreTimeout: time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func login(t *testing.T, o *Orchestrator, uid string) *core.Conn {
	t.Helper()
	c := o.Connect(context.Background(), "test")
	_, err := o.Authenticate(context.Background(), c, uid)
	require.NoError(t, err)
	c.Drain()
	t.Cleanup(func() { o.Disconnect(c, "") })
	return c
}

func joinRoom(t *testing.T, o *Orchestrator, c *core.Conn, id domain.RoomID) {
	t.Helper()
	_, err := o.Join(c, id, domain.RoomAssessment, nil)
	require.NoError(t, err)
}

func drain(t *testing.T, c *core.Conn) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, f := range c.Drain() {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func only(t *testing.T, envs []protocol.Envelope, typ protocol.MessageType, into any) {
	t.Helper()
	require.Len(t, envs, 1)
	require.Equal(t, typ, envs[0].Type)
	if into != nil {
		require.NoError(t, json.Unmarshal(envs[0].Payload, into))
	}
}

func waitInflight(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func TestAuthenticate(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	c := o.Connect(context.Background(), "test")

	_, err := o.Authenticate(context.Background(), c, "bad")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	assert.Nil(t, c.User())
	assert.Empty(t, drain(t, c))

	u, err := o.Authenticate(context.Background(), c, "ada")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("ada"), u.ID)
	var reply protocol.Authenticated
	only(t, drain(t, c), protocol.TypeAuthenticated, &reply)
	assert.Equal(t, c.String(), reply.ConnectionID)
	assert.True(t, o.IsOnline("ada"))

	_, err = o.Authenticate(context.Background(), c, "eve")
	assert.ErrorIs(t, err, domain.ErrAlreadyAuthed)
	assert.Equal(t, domain.UserID("ada"), c.UserID())
}

func TestUnauthenticatedOperationsRejected(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	c := o.Connect(context.Background(), "test")

	_, err := o.Join(c, "r", domain.RoomDashboard, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.ErrorIs(t, o.Leave(c, "r"), domain.ErrUnauthenticated)
	assert.ErrorIs(t, o.Route(c, domain.EventFieldEdit, "r", nil), domain.ErrUnauthenticated)
	assert.ErrorIs(t, o.Cursor(c, "r", 1, 2, ""), domain.ErrUnauthenticated)
	assert.ErrorIs(t, o.ApplyUpdate(c, "1", json.RawMessage(`{}`)), domain.ErrUnauthenticated)
	_, err = o.Notify(c, domain.Notification{Targets: []domain.UserID{"x"}, Type: "t"})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Zero(t, o.Rooms.Len())
}

func TestFieldEditReachesOthersOnly(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "assessment_42")
	joinRoom(t, o, b, "assessment_42")
	drain(t, a)
	drain(t, b)

	data := json.RawMessage(`{"field":"budget","value":1000}`)
	require.NoError(t, o.Route(a, domain.EventFieldEdit, "assessment_42", data))

	var relay protocol.CollaborationRelay
	only(t, drain(t, b), protocol.TypeCollaborationEvent, &relay)
	assert.JSONEq(t, string(data), string(relay.Data))
	assert.Equal(t, domain.EventFieldEdit, relay.Kind)
	assert.Equal(t, domain.UserID("a"), relay.UserID)
	assert.Equal(t, a.String(), relay.SenderConnectionID)
	assert.False(t, relay.Timestamp.IsZero())
	assert.Empty(t, drain(t, a))
}

func TestRouteOrderWithConcurrentObservers(t *testing.T) {
	const events, observers, senders = 200, 8, 2
	o := newTestOrch(t, &fakeStore{}, func(opts *Options) { opts.QueueSize = events*senders + 16 })
	room := domain.RoomID("assessment_7")

	var from []*core.Conn
	for i := 0; i < senders; i++ {
		c := login(t, o, fmt.Sprintf("s%d", i))
		joinRoom(t, o, c, room)
		from = append(from, c)
	}
	obs := make([]*core.Conn, observers)
	for i := range obs {
		obs[i] = login(t, o, fmt.Sprintf("o%d", i))
		joinRoom(t, o, obs[i], room)
	}
	for _, c := range append(append([]*core.Conn{}, from...), obs...) {
		c.Drain()
	}

	type seq struct {
		Seq int `json:"seq"`
	}
	var readers sync.WaitGroup
	for _, c := range obs {
		readers.Add(1)
		go func(c *core.Conn) {
			defer readers.Done()
			next := map[domain.UserID]int{}
			deadline := time.After(5 * time.Second)
			for got := 0; got < events*senders; {
				select {
				case <-c.Ready():
				case <-deadline:
					assert.Fail(t, "observer timed out", "%s got %d frames", c.UserID(), got)
					return
				}
				for _, f := range c.Drain() {
					var env protocol.Envelope
					var relay protocol.CollaborationRelay
					var s seq
					if !assert.NoError(t, json.Unmarshal(f, &env)) ||
						!assert.NoError(t, json.Unmarshal(env.Payload, &relay)) ||
						!assert.NoError(t, json.Unmarshal(relay.Data, &s)) {
						return
					}
					assert.Equal(t, next[relay.UserID], s.Seq, "observer %s from %s", c.UserID(), relay.UserID)
					next[relay.UserID] = s.Seq + 1
					got++
				}
			}
		}(c)
	}

	var writers sync.WaitGroup
	for _, c := range from {
		writers.Add(1)
		go func(c *core.Conn) {
			defer writers.Done()
			for i := 0; i < events; i++ {
				assert.NoError(t, o.Route(c, domain.EventFieldEdit, room, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))))
			}
		}(c)
	}
	writers.Wait()
	readers.Wait()

	for _, c := range from {
		for _, env := range drain(t, c) {
			var relay protocol.CollaborationRelay
			require.NoError(t, json.Unmarshal(env.Payload, &relay))
			assert.NotEqual(t, c.UserID(), relay.UserID, "sender received its own event")
		}
	}
}

func TestRouteRequiresMembership(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r")

	assert.ErrorIs(t, o.Route(b, domain.EventCommentAdd, "r", nil), domain.ErrNotInRoom)
	assert.ErrorIs(t, o.Route(b, domain.EventCommentAdd, "nowhere", nil), domain.ErrNotInRoom)
	assert.ErrorIs(t, o.Cursor(b, "r", 1, 1, ""), domain.ErrNotInRoom)
	assert.ErrorIs(t, o.Route(a, domain.EventUserJoin, "r", nil), domain.ErrBadPayload)
}

func TestReplacedConnectionIsRejected(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a := login(t, o, "a")
	b1, b2 := login(t, o, "b"), login(t, o, "b")
	joinRoom(t, o, a, "r")
	joinRoom(t, o, b1, "r")
	joinRoom(t, o, b2, "r")

	users, ok := o.RoomUsers("r")
	require.True(t, ok)
	assert.Len(t, users, 2)

	assert.ErrorIs(t, o.Route(b1, domain.EventFieldEdit, "r", nil), domain.ErrNotInRoom)
	require.NoError(t, o.Route(b2, domain.EventFieldEdit, "r", nil))

	// The stale connection closing must not announce a departure.
	drain(t, a)
	o.Disconnect(b1, "")
	assert.Empty(t, drain(t, a))
	users, _ = o.RoomUsers("r")
	assert.Len(t, users, 2)
}

func TestAssessmentUpdateAccepted(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrch(t, store)
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "assessment_42")
	joinRoom(t, o, b, "assessment_42")
	drain(t, a)
	drain(t, b)

	updates := json.RawMessage(`{"status":"complete"}`)
	require.NoError(t, o.ApplyUpdate(a, "42", updates))
	waitInflight(t, o)

	var ack protocol.AssessmentConfirmed
	only(t, drain(t, a), protocol.TypeAssessmentConfirmed, &ack)
	assert.Equal(t, "42", ack.AssessmentID)
	assert.Equal(t, "saved", ack.Status)

	var upd protocol.AssessmentUpdated
	only(t, drain(t, b), protocol.TypeAssessmentUpdated, &upd)
	assert.JSONEq(t, string(updates), string(upd.Updates))
	assert.Equal(t, domain.UserID("a"), upd.UpdatedBy)
	assert.Equal(t, []string{"42"}, store.calls)
}

func TestAssessmentUpdateRejected(t *testing.T) {
	o := newTestOrch(t, &fakeStore{err: errors.Join(domain.ErrStoreRejected, errors.New("version conflict"))})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "assessment_42")
	joinRoom(t, o, b, "assessment_42")
	drain(t, a)
	drain(t, b)

	require.NoError(t, o.ApplyUpdate(a, "42", json.RawMessage(`{"status":"complete"}`)))
	waitInflight(t, o)

	var failed protocol.AssessmentFailed
	only(t, drain(t, a), protocol.TypeAssessmentError, &failed)
	assert.Equal(t, protocol.CodeStoreRejected, failed.Code)
	assert.Empty(t, drain(t, b))
}

func TestAssessmentUpdateTimeout(t *testing.T) {
	o := newTestOrch(t, &fakeStore{block: true}, func(opts *Options) { opts.StoreTimeout = 20 * time.Millisecond })
	a := login(t, o, "a")

	require.NoError(t, o.ApplyUpdate(a, "42", json.RawMessage(`{}`)))
	waitInflight(t, o)

	var failed protocol.AssessmentFailed
	only(t, drain(t, a), protocol.TypeAssessmentError, &failed)
	assert.Equal(t, protocol.CodeTimeout, failed.Code)
}

func TestAssessmentUpdateDiscardedOnClose(t *testing.T) {
	o := newTestOrch(t, &fakeStore{block: true}, func(opts *Options) { opts.StoreTimeout = time.Minute })
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, b, "assessment_42")
	drain(t, b)

	require.NoError(t, o.ApplyUpdate(a, "42", json.RawMessage(`{}`)))
	o.Disconnect(a, "")
	waitInflight(t, o)
	assert.Empty(t, drain(t, b))
}

// commitAfter ignores cancellation and commits once released.
type commitAfter struct {
	started chan struct{}
	release chan struct{}
}

func (s *commitAfter) ApplyUpdate(context.Context, string, json.RawMessage, domain.UserID) error {
	close(s.started)
	<-s.release
	return nil
}

func TestAssessmentCommittedAfterCloseIsBroadcast(t *testing.T) {
	store := &commitAfter{started: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrch(t, store, func(opts *Options) { opts.StoreTimeout = time.Minute })
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "assessment_42")
	joinRoom(t, o, b, "assessment_42")
	drain(t, a)
	drain(t, b)

	require.NoError(t, o.ApplyUpdate(a, "42", json.RawMessage(`{"status":"complete"}`)))
	<-store.started
	o.Disconnect(a, "")
	drain(t, b)
	close(store.release)
	waitInflight(t, o)

	var upd protocol.AssessmentUpdated
	only(t, drain(t, b), protocol.TypeAssessmentUpdated, &upd)
	assert.Equal(t, domain.UserID("a"), upd.UpdatedBy)
	assert.Empty(t, a.Drain())
}

func TestDisconnectAnnouncesOnceAndPrunes(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r")
	joinRoom(t, o, b, "r")
	drain(t, a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Disconnect(b, "read_error")
		}()
	}
	wg.Wait()

	var p protocol.Presence
	only(t, drain(t, a), protocol.TypeUserDisconnected, &p)
	assert.Equal(t, "read_error", p.Reason)
	assert.Equal(t, 1, p.UserCount)
	assert.False(t, o.IsOnline("b"))

	o.Disconnect(a, "")
	assert.Zero(t, o.Rooms.Len())
	assert.Empty(t, o.ListRooms())
}

func TestLeaveAndSwitchRoom(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r1")
	joinRoom(t, o, b, "r1")
	drain(t, a)
	drain(t, b)

	require.NoError(t, o.Leave(a, "elsewhere"))
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, b))

	_, err := o.Join(b, "r2", domain.RoomDashboard, nil)
	require.NoError(t, err)
	var p protocol.Presence
	only(t, drain(t, a), protocol.TypeUserLeft, &p)
	assert.Equal(t, domain.UserID("b"), p.UserID)
	envs := drain(t, b)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.TypeRoomLeft, envs[0].Type)
	assert.Equal(t, protocol.TypeRoomJoined, envs[1].Type)
	assert.Equal(t, domain.RoomID("r2"), b.Room())

	require.NoError(t, o.Leave(a, "r1"))
	_, ok := o.RoomUsers("r1")
	assert.False(t, ok)
}

func TestNotifyReport(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b1, b2 := login(t, o, "a"), login(t, o, "b"), login(t, o, "b")

	report, err := o.Notify(a, domain.Notification{
		Targets: []domain.UserID{"b", "ghost", "b"},
		Type:    "mention",
		Message: "look",
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"b"}, report.Delivered)
	assert.Equal(t, []domain.UserID{"ghost"}, report.Offline)

	for _, c := range []*core.Conn{b1, b2} {
		var n protocol.Notification
		only(t, drain(t, c), protocol.TypeNotification, &n)
		assert.Equal(t, domain.UserID("a"), n.From)
		assert.Equal(t, "look", n.Message)
	}
	var sent domain.DeliveryReport
	only(t, drain(t, a), protocol.TypeNotificationSent, &sent)
	assert.Equal(t, report, sent)
}

func TestSetStatus(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r")
	joinRoom(t, o, b, "r")
	drain(t, a)

	require.NoError(t, o.SetStatus(b, "r", domain.StatusIdle))
	var s protocol.StatusChanged
	only(t, drain(t, a), protocol.TypeUserStatusChanged, &s)
	assert.Equal(t, domain.StatusIdle, s.Status)
	assert.ErrorIs(t, o.SetStatus(b, "other", domain.StatusIdle), domain.ErrNotInRoom)
}

func TestKickPolicyDisconnectsSlowMember(t *testing.T) {
	o := newTestOrch(t, &fakeStore{}, func(opts *Options) {
		opts.QueueSize = 2
		opts.Policy = app.SimplePolicy{Action: app.KickMember}
	})
	a, slow := login(t, o, "a"), login(t, o, "slow")
	joinRoom(t, o, slow, "r")
	joinRoom(t, o, a, "r")
	drain(t, a)

	for i := 0; i < 3; i++ {
		if err := o.Route(a, domain.EventCursorMove, "r", nil); err != nil {
			break
		}
	}
	assert.True(t, slow.IsClosed())
	assert.False(t, o.IsOnline("slow"))
	users, _ := o.RoomUsers("r")
	assert.Len(t, users, 1)
}

func TestActivityTracked(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOrch(t, &fakeStore{}, func(opts *Options) { opts.Activity = sink })
	a := login(t, o, "a")
	joinRoom(t, o, a, "r")
	require.NoError(t, o.Route(a, domain.EventSectionComplete, "r", nil))
	require.NoError(t, o.Leave(a, "r"))
	o.Disconnect(a, "")

	assert.Equal(t, []domain.ActivityKind{
		domain.ActivityAuth,
		domain.ActivityRoomJoin,
		domain.ActivityCollab,
		domain.ActivityRoomLeave,
		domain.ActivityDisconnect,
	}, sink.kinds())
}

func TestOperatorDelivery(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r")
	joinRoom(t, o, b, "r")
	drain(t, a)
	drain(t, b)

	n, err := o.BroadcastToRoom("r", "maintenance", json.RawMessage(`{"in":5}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	only(t, drain(t, a), "maintenance", nil)

	n, err = o.SendToUser("b", "nudge", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = o.SendToUser("ghost", "nudge", nil)
	assert.ErrorIs(t, err, domain.ErrOffline)
	_, err = o.BroadcastToRoom("r", "", nil)
	assert.ErrorIs(t, err, domain.ErrBadPayload)
}

func TestWhoAmI(t *testing.T) {
	o := newTestOrch(t, &fakeStore{})
	a := login(t, o, "a")
	joinRoom(t, o, a, "r")

	me := o.WhoAmI(a)
	require.NotNil(t, me.User)
	assert.Equal(t, domain.UserID("a"), me.User.ID)
	assert.Equal(t, domain.RoomID("r"), me.RoomID)
}

type recordingPresence struct {
	mu  sync.Mutex
	log []string
}

func (p *recordingPresence) add(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, s)
}

func (p *recordingPresence) Joined(room domain.RoomID, u domain.User) {
	p.add("join " + string(room) + " " + string(u.ID))
}

func (p *recordingPresence) Left(room domain.RoomID, uid domain.UserID) {
	p.add("leave " + string(room) + " " + string(uid))
}

func (p *recordingPresence) Cursor(room domain.RoomID, uid domain.UserID, _, _ float64, element string) {
	p.add("cursor " + string(room) + " " + string(uid) + " " + element)
}

func TestCursorRelayAndMirror(t *testing.T) {
	pr := &recordingPresence{}
	o := newTestOrch(t, &fakeStore{}, func(opts *Options) { opts.Presence = pr })
	a, b := login(t, o, "a"), login(t, o, "b")
	joinRoom(t, o, a, "r")
	joinRoom(t, o, b, "r")
	drain(t, a)
	drain(t, b)

	require.NoError(t, o.Cursor(a, "r", 12.5, 40, "budget"))
	var cur protocol.CursorUpdate
	only(t, drain(t, b), protocol.TypeCursorUpdate, &cur)
	assert.Equal(t, domain.UserID("a"), cur.UserID)
	assert.Equal(t, 12.5, cur.X)
	assert.Equal(t, "budget", cur.Element)
	assert.Empty(t, drain(t, a))

	o.Disconnect(b, ReasonClosed)

	pr.mu.Lock()
	defer pr.mu.Unlock()
	assert.Equal(t, []string{"join r a", "join r b", "cursor r a budget", "leave r b"}, pr.log)
}
