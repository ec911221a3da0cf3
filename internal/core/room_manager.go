package core

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const DefaultRoomShards = 32

type roomShard struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*roomImpl
}

// shardedRooms keys rooms by id across independent shards; a shard lock is
// only held to look up, create or drop a room, never while a room mutates.
type shardedRooms struct {
	shards []*roomShard
}

func NewRoomManager(shards int) RoomManager {
	if shards < 1 {
		shards = DefaultRoomShards
	}
	m := &shardedRooms{shards: make([]*roomShard, shards)}
	for i := range m.shards {
		m.shards[i] = &roomShard{rooms: make(map[domain.RoomID]*roomImpl)}
	}
	return m
}

func (m *shardedRooms) shardFor(id domain.RoomID) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *shardedRooms) getOrCreate(id domain.RoomID, kind domain.RoomKind) *roomImpl {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok := sh.rooms[id]; ok {
		return r
	}
	r := newRoom(id, kind, m.drop)
	sh.rooms[id] = r
	log.Info().Str("module", "core.rooms").Str("room", string(id)).Str("kind", string(kind)).Msg("room created")
	return r
}

// drop forgets r only if the shard still maps its id to r.
func (m *shardedRooms) drop(r *roomImpl) {
	sh := m.shardFor(r.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.rooms[r.id]; ok && cur == r {
		delete(sh.rooms, r.id)
		log.Info().Str("module", "core.rooms").Str("room", string(r.id)).Msg("room pruned")
	}
}

func (m *shardedRooms) Join(c *Conn, id domain.RoomID, kind domain.RoomKind, metadata map[string]string) (JoinResult, error) {
	if err := id.Validate(); err != nil {
		return JoinResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}
	if c.User() == nil {
		return JoinResult{}, domain.ErrUnauthenticated
	}
	for {
		r := m.getOrCreate(id, kind)
		res, err := r.join(c, metadata)
		if errors.Is(err, errRoomClosed) {
			// The room emptied between lookup and lock; its drop is in flight.
			m.drop(r)
			continue
		}
		return res, err
	}
}

func (m *shardedRooms) Leave(c *Conn, id domain.RoomID, reason string) LeaveResult {
	r, ok := m.lookup(id)
	if !ok {
		return LeaveResult{}
	}
	return r.leave(c, reason)
}

func (m *shardedRooms) lookup(id domain.RoomID) (*roomImpl, bool) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.rooms[id]
	return r, ok
}

func (m *shardedRooms) Get(id domain.RoomID) (RoomService, bool) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return r, true
}

func (m *shardedRooms) List() []RoomInfo {
	var rooms []*roomImpl
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, r := range sh.rooms {
			rooms = append(rooms, r)
		}
		sh.mu.Unlock()
	}
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if n := r.MemberCount(); n > 0 {
			out = append(out, RoomInfo{ID: r.id, Kind: r.kind, MemberCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *shardedRooms) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.rooms)
		sh.mu.Unlock()
	}
	return n
}
