package core

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Collab/internal/domain"
)

type ConnID string

// Conn is the broker's handle on one live client channel. The transport
// adapter owns the socket; Conn only holds the outbound queue, the verified
// identity and the current room.
type Conn struct {
	id     ConnID
	client string
	out    *Outbox

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below. Rooms lock before conns, never the reverse.
	mu     sync.Mutex
	user   *domain.User
	room   domain.RoomID
	closed bool
}

// NewConn derives the connection context from parent; it is cancelled on Close.
func NewConn(parent context.Context, queueSize int, client string) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:     ConnID(uuid.NewString()),
		client: client,
		out:    NewOutbox(queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() ConnID               { return c.id }
func (c *Conn) Client() string           { return c.client }
func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) Ready() <-chan struct{}   { return c.out.Ready() }
func (c *Conn) Drain() []Frame           { return c.out.Drain() }
func (c *Conn) Pending() int             { return c.out.Len() }
func (c *Conn) DroppedFrames() uint64    { return c.out.Dropped() }
func (c *Conn) Send(f Frame) error       { return c.out.Push(f) }
func (c *Conn) Done() <-chan struct{}    { return c.ctx.Done() }
func (c *Conn) String() string           { return string(c.id) }

// User returns nil until the connection is authenticated.
func (c *Conn) User() *domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// UserID is empty until the connection is authenticated.
func (c *Conn) UserID() domain.UserID {
	if u := c.User(); u != nil {
		return u.ID
	}
	return ""
}

// BindUser attaches the verified identity for the rest of the connection's life.
func (c *Conn) BindUser(u *domain.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrTransportClosed
	}
	if c.user != nil {
		return domain.ErrAlreadyAuthed
	}
	c.user = u
	return nil
}

func (c *Conn) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enterRoom is called by a room while it holds its own lock.
func (c *Conn) enterRoom(id domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrTransportClosed
	}
	c.room = id
	return nil
}

// exitRoom clears the current room only if it still is id.
func (c *Conn) exitRoom(id domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == id {
		c.room = ""
	}
}

// Close marks the connection closed, cancels its context and discards queued
// frames. It reports the room held at that instant and whether this call was
// the one that closed it, so teardown runs exactly once.
func (c *Conn) Close() (domain.RoomID, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", false
	}
	c.closed = true
	room := c.room
	c.mu.Unlock()

	c.cancel()
	c.out.Close()
	return room, true
}
