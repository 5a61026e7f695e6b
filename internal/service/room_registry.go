package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/dto"
)

const registryShards = 32

// ChatMember is a connection that can receive room events.
type ChatMember interface {
	MemberID() string
	Deliver(event dto.ChatOutboundEvent) bool
}

// RoomRegistry maps appointment rooms to their connected members. It does
// not authorise anyone; callers admit members only after the access gate.
type RoomRegistry struct {
	shards [registryShards]registryShard

	mu          sync.Mutex
	memberships map[string]uint

	log zerolog.Logger
}

type registryShard struct {
	mu    sync.RWMutex
	rooms map[uint]map[string]ChatMember
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry(logger zerolog.Logger) *RoomRegistry {
	registry := &RoomRegistry{
		memberships: make(map[string]uint),
		log:         logger.With().Str("component", "room_registry").Logger(),
	}
	for i := range registry.shards {
		registry.shards[i].rooms = make(map[uint]map[string]ChatMember)
	}
	return registry
}

// Join adds member to the appointment's room, moving it out of any other room.
func (r *RoomRegistry) Join(appointmentID uint, member ChatMember) {
	id := member.MemberID()

	r.mu.Lock()
	previous, hadRoom := r.memberships[id]
	r.memberships[id] = appointmentID
	r.mu.Unlock()

	if hadRoom && previous != appointmentID {
		r.remove(previous, id)
	}

	shard := r.shard(appointmentID)
	shard.mu.Lock()
	members, ok := shard.rooms[appointmentID]
	if !ok {
		members = make(map[string]ChatMember)
		shard.rooms[appointmentID] = members
	}
	members[id] = member
	size := len(members)
	shard.mu.Unlock()

	r.log.Debug().Uint("appointment_id", appointmentID).Str("member_id", id).Int("room_size", size).Msg("member joined room")
}

// Leave removes member from whichever room holds it.
func (r *RoomRegistry) Leave(member ChatMember) {
	id := member.MemberID()

	r.mu.Lock()
	appointmentID, ok := r.memberships[id]
	delete(r.memberships, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.remove(appointmentID, id)
	r.log.Debug().Uint("appointment_id", appointmentID).Str("member_id", id).Msg("member left room")
}

// Broadcast delivers event to every current member of the room and returns
// how many accepted it.
func (r *RoomRegistry) Broadcast(appointmentID uint, event dto.ChatOutboundEvent) int {
	shard := r.shard(appointmentID)
	shard.mu.RLock()
	members := make([]ChatMember, 0, len(shard.rooms[appointmentID]))
	for _, member := range shard.rooms[appointmentID] {
		members = append(members, member)
	}
	shard.mu.RUnlock()

	delivered := 0
	for _, member := range members {
		if member.Deliver(event) {
			delivered++
		}
	}
	return delivered
}

// Members returns the number of connections in the room.
func (r *RoomRegistry) Members(appointmentID uint) int {
	shard := r.shard(appointmentID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.rooms[appointmentID])
}

func (r *RoomRegistry) remove(appointmentID uint, memberID string) {
	shard := r.shard(appointmentID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	members, ok := shard.rooms[appointmentID]
	if !ok {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(shard.rooms, appointmentID)
	}
}

func (r *RoomRegistry) shard(appointmentID uint) *registryShard {
	return &r.shards[appointmentID%registryShards]
}
