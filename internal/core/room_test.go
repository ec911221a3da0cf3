package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

func newTestConn(t *testing.T, user string) *Conn {
	t.Helper()
	c := NewConn(context.Background(), 64, "test")
	u, err := domain.NewUser(domain.UserID(user), "name-"+user, domain.RoleMember)
	require.NoError(t, err)
	require.NoError(t, c.BindUser(u))
	t.Cleanup(func() { c.Close() })
	return c
}

func frames(t *testing.T, c *Conn) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, f := range c.Drain() {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func types(envs []protocol.Envelope) []protocol.MessageType {
	out := make([]protocol.MessageType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestJoinSnapshotAndAnnounce(t *testing.T) {
	rooms := NewRoomManager(4)
	a, b := newTestConn(t, "a"), newTestConn(t, "b")

	_, err := rooms.Join(a, "assessment_42", domain.RoomAssessment, map[string]string{"assessment_id": "42"})
	require.NoError(t, err)
	res, err := rooms.Join(b, "assessment_42", domain.RoomAssessment, map[string]string{"assessment_id": "x", "tab": "2"})
	require.NoError(t, err)

	require.Len(t, res.Snapshot.Members, 2)
	assert.Equal(t, domain.UserID("a"), res.Snapshot.Members[0].User.ID)
	assert.Equal(t, domain.UserID("b"), res.Snapshot.Members[1].User.ID)
	assert.Equal(t, map[string]string{"assessment_id": "42", "tab": "2"}, res.Snapshot.Room.Metadata)

	aFrames := frames(t, a)
	assert.Equal(t, []protocol.MessageType{protocol.TypeRoomJoined, protocol.TypeUserJoined}, types(aFrames))
	var p protocol.Presence
	require.NoError(t, json.Unmarshal(aFrames[1].Payload, &p))
	assert.Equal(t, domain.UserID("b"), p.UserID)
	assert.Equal(t, 2, p.UserCount)

	bFrames := frames(t, b)
	require.Equal(t, []protocol.MessageType{protocol.TypeRoomJoined}, types(bFrames))
	var joined protocol.RoomJoined
	require.NoError(t, json.Unmarshal(bFrames[0].Payload, &joined))
	assert.Len(t, joined.Users, 2)
	assert.Equal(t, domain.RoomID("assessment_42"), b.Room())
}

func TestJoinTwiceSameConn(t *testing.T) {
	rooms := NewRoomManager(4)
	a, b := newTestConn(t, "a"), newTestConn(t, "b")
	_, err := rooms.Join(a, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	_, err = rooms.Join(b, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	frames(t, a)

	res, err := rooms.Join(b, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Len(t, res.Snapshot.Members, 2)
	assert.Empty(t, frames(t, a))
}

func TestJoinReplacesOtherConnection(t *testing.T) {
	rooms := NewRoomManager(4)
	a, old, fresh := newTestConn(t, "a"), newTestConn(t, "b"), newTestConn(t, "b")

	_, err := rooms.Join(a, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	_, err = rooms.Join(old, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	frames(t, a)
	frames(t, old)

	res, err := rooms.Join(fresh, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	assert.Same(t, old, res.Replaced)
	assert.Len(t, res.Snapshot.Members, 2)
	assert.Equal(t, domain.RoomID(""), old.Room())
	assert.Equal(t, []protocol.MessageType{protocol.TypeMembershipReplaced}, types(frames(t, old)))

	r, ok := rooms.Get("r")
	require.True(t, ok)
	assert.Equal(t, 2, r.MemberCount())
	_, err = r.Broadcast(old, Frame(`{}`))
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	// The stale connection leaving must not evict the fresh one.
	assert.False(t, rooms.Leave(old, "r", "").Left)
	assert.True(t, r.IsMember(fresh))
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	rooms := NewRoomManager(4)
	a, b := newTestConn(t, "a"), newTestConn(t, "b")
	_, err := rooms.Join(a, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	frames(t, a)

	assert.Equal(t, LeaveResult{}, rooms.Leave(b, "r", ""))
	assert.Equal(t, LeaveResult{}, rooms.Leave(b, "missing", ""))
	assert.Empty(t, frames(t, a))
}

func TestLastLeavePrunesRoom(t *testing.T) {
	rooms := NewRoomManager(4)
	a, b := newTestConn(t, "a"), newTestConn(t, "b")
	_, err := rooms.Join(a, "r", domain.RoomDashboard, map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = rooms.Join(b, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	frames(t, a)

	res := rooms.Leave(b, "r", "timeout")
	assert.True(t, res.Left)
	assert.Equal(t, 1, res.Remaining)
	envs := frames(t, a)
	require.Equal(t, []protocol.MessageType{protocol.TypeUserDisconnected}, types(envs))
	var p protocol.Presence
	require.NoError(t, json.Unmarshal(envs[0].Payload, &p))
	assert.Equal(t, "timeout", p.Reason)
	assert.Equal(t, 1, p.UserCount)

	res = rooms.Leave(a, "r", "")
	assert.True(t, res.Pruned)
	assert.Zero(t, rooms.Len())
	_, ok := rooms.Get("r")
	assert.False(t, ok)

	again, err := rooms.Join(a, "r", domain.RoomResults, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Snapshot.Room.Metadata)
	assert.Equal(t, domain.RoomResults, again.Snapshot.Room.Kind)
}

func TestBroadcastExcludesSenderAndKeepsOrder(t *testing.T) {
	const events, observers = 200, 8
	rooms := NewRoomManager(4)
	sender := NewConn(context.Background(), events+8, "test")
	u, _ := domain.NewUser("sender", "S", domain.RoleMember)
	require.NoError(t, sender.BindUser(u))
	_, err := rooms.Join(sender, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)

	obs := make([]*Conn, observers)
	for i := range obs {
		c := NewConn(context.Background(), events+observers+8, "test")
		u, _ := domain.NewUser(domain.UserID(fmt.Sprintf("o%d", i)), "O", domain.RoleMember)
		require.NoError(t, c.BindUser(u))
		_, err := rooms.Join(c, "r", domain.RoomDashboard, nil)
		require.NoError(t, err)
		obs[i] = c
	}
	for _, c := range append(obs, sender) {
		c.Drain()
	}

	r, _ := rooms.Get("r")
	for i := 0; i < events; i++ {
		_, err := r.Broadcast(sender, Frame(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	assert.Empty(t, sender.Drain())
	for _, c := range obs {
		got := c.Drain()
		require.Len(t, got, events)
		for i, f := range got {
			assert.Equal(t, fmt.Sprintf("%d", i), string(f))
		}
	}
}

func TestBroadcastReportsSlowRecipient(t *testing.T) {
	rooms := NewRoomManager(1)
	a := newTestConn(t, "a")
	slow := NewConn(context.Background(), 2, "test")
	u, _ := domain.NewUser("slow", "S", domain.RoleMember)
	require.NoError(t, slow.BindUser(u))

	_, err := rooms.Join(a, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	_, err = rooms.Join(slow, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)

	r, _ := rooms.Get("r")
	var last PublishResult
	for i := 0; i < 3; i++ {
		last, err = r.Broadcast(a, Frame("x"))
		require.NoError(t, err)
	}
	require.Len(t, last.Dropped, 1)
	assert.Same(t, slow, last.Dropped[0])
	assert.Equal(t, 2, slow.Pending())
}

func TestSetStatus(t *testing.T) {
	rooms := NewRoomManager(4)
	a, b := newTestConn(t, "a"), newTestConn(t, "b")
	_, err := rooms.Join(a, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	_, err = rooms.Join(b, "r", domain.RoomDashboard, nil)
	require.NoError(t, err)
	frames(t, a)

	r, _ := rooms.Get("r")
	_, err = r.SetStatus(b, domain.StatusIdle)
	require.NoError(t, err)
	assert.Equal(t, []protocol.MessageType{protocol.TypeUserStatusChanged}, types(frames(t, a)))
	assert.Equal(t, domain.StatusIdle, r.Snapshot().Members[1].Status)

	stranger := newTestConn(t, "c")
	_, err = r.SetStatus(stranger, domain.StatusIdle)
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestConcurrentJoinLeave(t *testing.T) {
	rooms := NewRoomManager(2)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewConn(context.Background(), 256, "test")
			u, _ := domain.NewUser(domain.UserID(fmt.Sprintf("u%d", i)), "U", domain.RoleMember)
			_ = c.BindUser(u)
			for j := 0; j < 20; j++ {
				_, err := rooms.Join(c, "hot", domain.RoomDashboard, nil)
				assert.NoError(t, err)
				rooms.Leave(c, "hot", "")
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, rooms.Len())
}

func TestJoinRequiresAuthAndOpenConn(t *testing.T) {
	rooms := NewRoomManager(1)
	anon := NewConn(context.Background(), 4, "test")
	_, err := rooms.Join(anon, "r", domain.RoomDashboard, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	closed := newTestConn(t, "z")
	closed.Close()
	_, err = rooms.Join(closed, "r", domain.RoomDashboard, nil)
	assert.ErrorIs(t, err, domain.ErrTransportClosed)

	_, err = rooms.Join(newTestConn(t, "y"), "", domain.RoomDashboard, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestFailedJoinLeavesNoRoom(t *testing.T) {
	rooms := NewRoomManager(1)
	c := newTestConn(t, "a")
	c.Close()
	_, err := rooms.Join(c, "r", domain.RoomDashboard, nil)
	require.ErrorIs(t, err, domain.ErrTransportClosed)
	assert.Zero(t, rooms.Len())
}
