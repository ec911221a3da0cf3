package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Collab/internal/domain"
)

func TestOutboxDropsOldest(t *testing.T) {
	o := NewOutbox(3)
	for _, f := range []string{"a", "b", "c"} {
		require.NoError(t, o.Push(Frame(f)))
	}
	assert.ErrorIs(t, o.Push(Frame("d")), ErrBackpressure)
	assert.ErrorIs(t, o.Push(Frame("e")), ErrBackpressure)

	assert.Equal(t, uint64(2), o.Dropped())
	assert.Equal(t, []Frame{Frame("c"), Frame("d"), Frame("e")}, o.Drain())
	assert.Zero(t, o.Len())
	assert.Nil(t, o.Drain())
}

func TestOutboxReadySignal(t *testing.T) {
	o := NewOutbox(4)
	require.NoError(t, o.Push(Frame("x")))
	require.NoError(t, o.Push(Frame("y")))

	select {
	case <-o.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	assert.Len(t, o.Drain(), 2)
}

func TestOutboxClose(t *testing.T) {
	o := NewOutbox(2)
	require.NoError(t, o.Push(Frame("x")))
	o.Close()
	o.Close()
	assert.Zero(t, o.Len())
	assert.ErrorIs(t, o.Push(Frame("y")), domain.ErrTransportClosed)
}

func TestConnCloseOnce(t *testing.T) {
	c := NewConn(context.Background(), 4, "client")
	u, err := domain.NewUser("u1", "Ada", domain.RoleMember)
	require.NoError(t, err)
	require.NoError(t, c.BindUser(u))
	assert.ErrorIs(t, c.BindUser(u), domain.ErrAlreadyAuthed)

	require.NoError(t, c.enterRoom("r1"))
	room, first := c.Close()
	assert.True(t, first)
	assert.Equal(t, domain.RoomID("r1"), room)

	_, first = c.Close()
	assert.False(t, first)
	assert.Error(t, c.Context().Err())
	assert.ErrorIs(t, c.enterRoom("r2"), domain.ErrTransportClosed)
	assert.ErrorIs(t, c.Send(Frame("late")), domain.ErrTransportClosed)
}
