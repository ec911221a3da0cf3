// Package presence mirrors room membership and cursor positions into Redis
// so other processes can read who is where. The in-process room registry
// stays authoritative; the mirror is best effort.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const (
	DefaultTTL       = 10 * time.Minute
	DefaultQueueSize = 4096
	DefaultTimeout   = 2 * time.Second
)

func roomKey(room domain.RoomID) string {
	return fmt.Sprintf("presence:room:{%s}", room)
}

func namesKey(room domain.RoomID) string {
	return fmt.Sprintf("presence:room:names:{%s}", room)
}

func cursorKey(room domain.RoomID, uid domain.UserID) string {
	return fmt.Sprintf("presence:cursor:{%s}:%s", room, uid)
}

// score = expireAt in unix seconds; anything at or below now is stale.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

type opKind uint8

const (
	opJoin opKind = iota
	opLeave
	opCursor
)

type op struct {
	kind   opKind
	room   domain.RoomID
	user   domain.UserID
	name   string
	cursor Cursor
}

type Cursor struct {
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Element string    `json:"element,omitempty"`
	At      time.Time `json:"at"`
}

type Member struct {
	UserID   domain.UserID
	Username string
}

type Options struct {
	TTL       time.Duration
	QueueSize int
	Timeout   time.Duration
}

// Mirror implements app.PresenceMirror on top of go-redis. Writes go through
// a bounded queue drained by one worker; when the queue is full the write
// is dropped and counted.
type Mirror struct {
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan op
	done   chan struct{}

	dropped atomic.Uint64
}

func NewMirror(rdb *redis.Client, opts Options) *Mirror {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	m := &Mirror{
		rdb:     rdb,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		queue:   make(chan op, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) Joined(room domain.RoomID, user domain.User) {
	m.enqueue(op{kind: opJoin, room: room, user: user.ID, name: user.Username})
}

func (m *Mirror) Left(room domain.RoomID, uid domain.UserID) {
	m.enqueue(op{kind: opLeave, room: room, user: uid})
}

func (m *Mirror) Cursor(room domain.RoomID, uid domain.UserID, x, y float64, element string) {
	m.enqueue(op{kind: opCursor, room: room, user: uid, cursor: Cursor{X: x, Y: y, Element: element, At: time.Now().UTC()}})
}

// Dropped reports writes lost to a full queue or a closed mirror.
func (m *Mirror) Dropped() uint64 { return m.dropped.Load() }

func (m *Mirror) enqueue(o op) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.queue <- o:
	default:
		if n := m.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warn().Str("module", "adapters.presence").Uint64("dropped", n).Msg("presence queue full")
		}
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) run() {
	defer close(m.done)

	// live is owned by this goroutine; it is re-scored every half TTL so
	// long sessions do not age out of the mirror.
	live := make(map[domain.RoomID]map[domain.UserID]string)
	refresh := time.NewTicker(m.ttl / 2)
	defer refresh.Stop()

	for {
		select {
		case o, ok := <-m.queue:
			if !ok {
				return
			}
			track(live, o)
			if err := m.apply(o); err != nil {
				log.Warn().Err(err).Str("module", "adapters.presence").
					Str("room", string(o.room)).Str("user", string(o.user)).Msg("presence write failed")
			}
		case <-refresh.C:
			if err := m.refresh(live); err != nil {
				log.Warn().Err(err).Str("module", "adapters.presence").Msg("presence refresh failed")
			}
		}
	}
}

func track(live map[domain.RoomID]map[domain.UserID]string, o op) {
	switch o.kind {
	case opJoin:
		users := live[o.room]
		if users == nil {
			users = make(map[domain.UserID]string)
			live[o.room] = users
		}
		users[o.user] = o.name
	case opLeave:
		delete(live[o.room], o.user)
		if len(live[o.room]) == 0 {
			delete(live, o.room)
		}
	}
}

func (m *Mirror) apply(o op) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	switch o.kind {
	case opJoin:
		return m.AddMember(ctx, o.room, o.user, o.name)
	case opLeave:
		tx := m.rdb.TxPipeline()
		tx.ZRem(ctx, roomKey(o.room), string(o.user))
		tx.HDel(ctx, namesKey(o.room), string(o.user))
		tx.Del(ctx, cursorKey(o.room, o.user))
		_, err := tx.Exec(ctx)
		return err
	case opCursor:
		data, err := json.Marshal(o.cursor)
		if err != nil {
			return err
		}
		return m.rdb.Set(ctx, cursorKey(o.room, o.user), data, m.ttl).Err()
	}
	return nil
}

func (m *Mirror) refresh(live map[domain.RoomID]map[domain.UserID]string) error {
	if len(live) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	expireAt := float64(time.Now().Add(m.ttl).Unix())
	pipe := m.rdb.Pipeline()
	for room, users := range live {
		for uid := range users {
			pipe.ZAddXX(ctx, roomKey(room), redis.Z{Score: expireAt, Member: string(uid)})
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// AddMember scores the user with its expiry and records the display name.
// Calling it again extends the expiry.
func (m *Mirror) AddMember(ctx context.Context, room domain.RoomID, uid domain.UserID, name string) error {
	expireAt := time.Now().Add(m.ttl).Unix()
	tx := m.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(room), redis.Z{Score: float64(expireAt), Member: string(uid)})
	tx.HSet(ctx, namesKey(room), string(uid), name)
	_, err := tx.Exec(ctx)
	return err
}

// Members prunes expired entries and returns the live ones with their names.
func (m *Mirror) Members(ctx context.Context, room domain.RoomID) ([]Member, error) {
	now := time.Now().Unix()
	err := pruneScript.Run(ctx, m.rdb, []string{roomKey(room), namesKey(room)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := m.rdb.ZRangeByScore(ctx, roomKey(room), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := m.rdb.HMGet(ctx, namesKey(room), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Member, 0, len(ids))
	for i, id := range ids {
		var name string
		if i < len(names) {
			name, _ = names[i].(string)
		}
		out = append(out, Member{UserID: domain.UserID(id), Username: name})
	}
	return out, nil
}

// CursorOf returns the last mirrored cursor, or redis.Nil when none is stored.
func (m *Mirror) CursorOf(ctx context.Context, room domain.RoomID, uid domain.UserID) (Cursor, error) {
	var c Cursor
	data, err := m.rdb.Get(ctx, cursorKey(room, uid)).Bytes()
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(data, &c)
	return c, err
}
