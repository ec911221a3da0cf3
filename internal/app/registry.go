package app

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
)

const registryShards = 16

type registryShard struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[core.ConnID]*core.Conn
}

// Registry is the user -> live connections index used for targeted
// delivery. Rooms keep their own membership; this index only answers
// "where is user X connected".
type Registry struct {
	shards [registryShards]registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[domain.UserID]map[core.ConnID]*core.Conn)
	}
	return r
}

func (r *Registry) shard(id domain.UserID) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

// Add indexes an authenticated connection. A connection closed while it
// was being added is removed again, so the index never outlives teardown.
func (r *Registry) Add(c *core.Conn) {
	uid := c.UserID()
	if uid == "" {
		return
	}
	sh := r.shard(uid)
	sh.mu.Lock()
	conns, ok := sh.users[uid]
	if !ok {
		conns = make(map[core.ConnID]*core.Conn)
		sh.users[uid] = conns
	}
	conns[c.ID()] = c
	sh.mu.Unlock()

	if c.IsClosed() {
		r.Remove(c)
		return
	}
	log.Debug().Str("module", "app.registry").Str("conn", c.String()).Str("user", string(uid)).Msg("indexed connection")
}

// Remove is idempotent.
func (r *Registry) Remove(c *core.Conn) {
	uid := c.UserID()
	if uid == "" {
		return
	}
	sh := r.shard(uid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	conns, ok := sh.users[uid]
	if !ok {
		return
	}
	if _, ok := conns[c.ID()]; !ok {
		return
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(sh.users, uid)
	}
	log.Debug().Str("module", "app.registry").Str("conn", c.String()).Str("user", string(uid)).Msg("unindexed connection")
}

// Conns returns a copy of the user's live connections.
func (r *Registry) Conns(uid domain.UserID) []*core.Conn {
	sh := r.shard(uid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	conns := sh.users[uid]
	out := make([]*core.Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(uid domain.UserID) bool {
	sh := r.shard(uid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[uid]) > 0
}

// Users counts distinct online users.
func (r *Registry) Users() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.users)
		sh.mu.RUnlock()
	}
	return n
}
