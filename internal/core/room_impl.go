package core

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/protocol"
)

// errRoomClosed is returned to a joiner that raced the room's last leave.
// The manager retries on a fresh room.
var errRoomClosed = errors.New("room closed")

type memberEntry struct {
	conn *Conn
	info domain.Member
	seq  uint64
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id   domain.RoomID
	kind domain.RoomKind

	mu      sync.RWMutex
	meta    map[string]string
	byUser  map[domain.UserID]*memberEntry
	seq     uint64
	closed  bool
	onEmpty func(*roomImpl)
}

func newRoom(id domain.RoomID, kind domain.RoomKind, onEmpty func(*roomImpl)) *roomImpl {
	return &roomImpl{
		id:      id,
		kind:    kind,
		meta:    make(map[string]string),
		byUser:  make(map[domain.UserID]*memberEntry),
		onEmpty: onEmpty,
	}
}

func (r *roomImpl) ID() domain.RoomID     { return r.id }
func (r *roomImpl) Kind() domain.RoomKind { return r.kind }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *roomImpl) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *roomImpl) snapshotLocked() RoomSnapshot {
	entries := make([]*memberEntry, 0, len(r.byUser))
	for _, e := range r.byUser {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	members := make([]domain.Member, len(entries))
	for i, e := range entries {
		members[i] = e.info
	}
	meta := make(map[string]string, len(r.meta))
	for k, v := range r.meta {
		meta[k] = v
	}
	return RoomSnapshot{
		Room:    domain.Room{ID: r.id, Kind: r.kind, Metadata: meta},
		Members: members,
	}
}

func (r *roomImpl) IsMember(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isMemberLocked(c)
}

func (r *roomImpl) isMemberLocked(c *Conn) bool {
	u := c.User()
	if u == nil {
		return false
	}
	e, ok := r.byUser[u.ID]
	return ok && e.conn == c
}

// join registers c and queues the joiner's reply and the presence
// announcement while the room is locked, so the snapshot the joiner sees
// is exactly the membership the others are told about.
func (r *roomImpl) join(c *Conn, metadata map[string]string) (JoinResult, error) {
	u := c.User()
	if u == nil {
		return JoinResult{}, domain.ErrUnauthenticated
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JoinResult{}, errRoomClosed
	}
	if err := c.enterRoom(r.id); err != nil {
		empty := len(r.byUser) == 0
		if empty {
			r.closed = true
		}
		r.mu.Unlock()
		if empty && r.onEmpty != nil {
			r.onEmpty(r)
		}
		return JoinResult{}, err
	}

	var res JoinResult
	prev, had := r.byUser[u.ID]
	switch {
	case had && prev.conn == c:
		res.Rejoined = true
	case had:
		res.Replaced = prev.conn
		prev.conn.exitRoom(r.id)
		_ = prev.conn.Send(protocol.MustEncode(protocol.TypeMembershipReplaced, protocol.MembershipReplaced{RoomID: r.id}))
		prev.conn = c
		prev.info = domain.NewMember(u)
	default:
		r.seq++
		r.byUser[u.ID] = &memberEntry{conn: c, info: domain.NewMember(u), seq: r.seq}
	}

	for k, v := range metadata {
		if _, ok := r.meta[k]; !ok {
			r.meta[k] = v
		}
	}

	if !res.Rejoined {
		res.Announce = r.fanoutLocked(presenceFrame(protocol.TypeUserJoined, u, r.id, len(r.byUser), ""), c)
	}
	res.Snapshot = r.snapshotLocked()
	_ = c.Send(protocol.MustEncode(protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:   r.id,
		RoomKind: r.kind,
		Users:    res.Snapshot.Members,
		Metadata: res.Snapshot.Room.Metadata,
	}))
	count := len(r.byUser)
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("conn", c.String()).
		Str("user", string(u.ID)).Int("count", count).Bool("replaced", res.Replaced != nil).
		Bool("rejoined", res.Rejoined).Msg("member joined")
	return res, nil
}

func (r *roomImpl) leave(c *Conn, reason string) LeaveResult {
	u := c.User()
	if u == nil {
		return LeaveResult{}
	}

	r.mu.Lock()
	e, ok := r.byUser[u.ID]
	if !ok || e.conn != c {
		r.mu.Unlock()
		return LeaveResult{}
	}
	delete(r.byUser, u.ID)
	c.exitRoom(r.id)

	res := LeaveResult{Left: true, Remaining: len(r.byUser)}
	if res.Remaining > 0 {
		kind := protocol.TypeUserLeft
		if reason != "" {
			kind = protocol.TypeUserDisconnected
		}
		res.Announce = r.fanoutLocked(presenceFrame(kind, u, r.id, res.Remaining, reason), nil)
	} else {
		r.closed = true
		res.Pruned = true
	}
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("conn", c.String()).
		Str("user", string(u.ID)).Int("count", res.Remaining).Str("reason", reason).Msg("member left")
	if res.Pruned && r.onEmpty != nil {
		r.onEmpty(r)
	}
	return res
}

func (r *roomImpl) Broadcast(from *Conn, f Frame) (PublishResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isMemberLocked(from) {
		return PublishResult{}, domain.ErrNotInRoom
	}
	res := r.fanoutLocked(f, from)
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("from", from.String()).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res, nil
}

func (r *roomImpl) Publish(f Frame, except *Conn) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanoutLocked(f, except)
}

func (r *roomImpl) SetStatus(c *Conn, s domain.Status) (PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(c) {
		return PublishResult{}, domain.ErrNotInRoom
	}
	e := r.byUser[c.UserID()]
	e.info.Status = s
	f := protocol.MustEncode(protocol.TypeUserStatusChanged, protocol.StatusChanged{
		UserID: e.info.User.ID,
		RoomID: r.id,
		Status: s,
	})
	return r.fanoutLocked(f, c), nil
}

// fanoutLocked never blocks: each recipient's outbox evicts its oldest
// frame when full, and that recipient is reported in Dropped.
func (r *roomImpl) fanoutLocked(f Frame, except *Conn) PublishResult {
	res := PublishResult{}
	for _, e := range r.byUser {
		if e.conn == except {
			continue
		}
		switch err := e.conn.Send(f); {
		case err == nil:
			res.SentTo++
		case errors.Is(err, ErrBackpressure):
			res.SentTo++
			res.Dropped = append(res.Dropped, e.conn)
		}
	}
	return res
}

func presenceFrame(t protocol.MessageType, u *domain.User, room domain.RoomID, count int, reason string) Frame {
	return protocol.MustEncode(t, protocol.Presence{
		User:      *u,
		UserID:    u.ID,
		RoomID:    room,
		UserCount: count,
		Reason:    reason,
	})
}
