package app

import (
	"fmt"

	"github.com/dkeye/Collab/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// DropOldest keeps the member; its outbox has already evicted the oldest frame.
	DropOldest
	KickMember
)

type Policy interface {
	OnBackPressure(room core.RoomService, member *core.Conn) BackpressureAction
}

// SimplePolicy answers the same action for every overflow.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(core.RoomService, *core.Conn) BackpressureAction {
	return p.Action
}

// KickAfter tolerates a member until its outbox has evicted Limit frames.
type KickAfter struct {
	Limit uint64
}

func (p KickAfter) OnBackPressure(_ core.RoomService, member *core.Conn) BackpressureAction {
	if member.DroppedFrames() >= p.Limit {
		return KickMember
	}
	return DropOldest
}

// ParsePolicy maps the overflow_policy config value.
func ParsePolicy(name string, kickAfter uint64) (Policy, error) {
	switch name {
	case "", "drop_oldest":
		return SimplePolicy{Action: DropOldest}, nil
	case "kick":
		if kickAfter == 0 {
			return SimplePolicy{Action: KickMember}, nil
		}
		return KickAfter{Limit: kickAfter}, nil
	}
	return nil, fmt.Errorf("unknown overflow policy %q", name)
}
