package service

import (
	"sync"
	"time"
)

const sequencerSweepThreshold = 1024

// roomSequencer serialises persist-then-broadcast per room and keeps the
// last assigned timestamp so CreatedAt never goes backwards within a room.
type roomSequencer struct {
	mu    sync.Mutex
	rooms map[uint]*roomTurn
}

type roomTurn struct {
	mu   sync.Mutex
	refs int
	// last is the newest stamp known in the room, delivered or not.
	last time.Time
	// delivered is the createdAt of the newest message broadcast from this node.
	delivered time.Time
}

func newRoomSequencer() *roomSequencer {
	return &roomSequencer{rooms: make(map[uint]*roomTurn)}
}

func (s *roomSequencer) acquire(appointmentID uint) *roomTurn {
	s.mu.Lock()
	if len(s.rooms) >= sequencerSweepThreshold {
		s.sweepLocked(time.Now())
	}
	turn, ok := s.rooms[appointmentID]
	if !ok {
		turn = &roomTurn{}
		s.rooms[appointmentID] = turn
	}
	turn.refs++
	s.mu.Unlock()

	turn.mu.Lock()
	return turn
}

func (s *roomSequencer) release(turn *roomTurn) {
	turn.mu.Unlock()

	s.mu.Lock()
	turn.refs--
	s.mu.Unlock()
}

// sweepLocked drops idle rooms whose window has certainly closed.
func (s *roomSequencer) sweepLocked(now time.Time) {
	horizon := now.Add(-(ChatWindowLead + ChatWindowTrail))
	for id, turn := range s.rooms {
		if turn.refs == 0 && turn.last.Before(horizon) {
			delete(s.rooms, id)
		}
	}
}

// stamp returns a timestamp no earlier than the previous one in this room.
// The caller must hold the turn.
func (t *roomTurn) stamp(now time.Time) time.Time {
	stamp := now.UTC().Truncate(time.Microsecond)
	if stamp.Before(t.last) {
		stamp = t.last
	}
	return stamp
}

// advance raises last to at when at is later. The caller must hold the turn.
func (t *roomTurn) advance(at time.Time) {
	if at.After(t.last) {
		t.last = at
	}
}
