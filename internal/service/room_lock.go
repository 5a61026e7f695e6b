package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRoomLockTTL  = 5 * time.Second
	defaultRoomLockWait = 2 * time.Second
	roomLockRetry       = 10 * time.Millisecond
	roomFloorTTL        = 24 * time.Hour
)

// ErrRoomLeaseLost reports that a room lock expired and may have been taken by another node.
var ErrRoomLeaseLost = errors.New("room lock expired before release")

// RoomLocker serialises posting to a room across API nodes.
type RoomLocker interface {
	Lock(ctx context.Context, appointmentID uint) (RoomLease, error)
}

// RoomLease is a held room lock.
type RoomLease interface {
	// Floor is the newest createdAt stamped in the room by any node.
	Floor() time.Time
	// Release frees the room and records stamped as the new floor unless it is zero.
	Release(ctx context.Context, stamped time.Time) error
}

// localRoomLocker is used without a shared store; the room turn already
// serialises posts inside the process.
type localRoomLocker struct{}

type localRoomLease struct{}

func (localRoomLocker) Lock(context.Context, uint) (RoomLease, error) { return localRoomLease{}, nil }

func (localRoomLease) Floor() time.Time { return time.Time{} }

func (localRoomLease) Release(context.Context, time.Time) error { return nil }

// releaseRoomLock deletes the lock only while it still carries our token and
// records the floor in the same step.
var releaseRoomLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] ~= "" then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
end
redis.call("DEL", KEYS[1])
return 1
`)

type redisRoomLocker struct {
	client *redis.Client
	base   string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisRoomLocker builds a SET NX lease under keyBase. ttl bounds how long a
// crashed holder blocks the room; wait bounds how long Lock retries.
func NewRedisRoomLocker(client *redis.Client, keyBase string, ttl, wait time.Duration) RoomLocker {
	if ttl <= 0 {
		ttl = defaultRoomLockTTL
	}
	if wait <= 0 {
		wait = defaultRoomLockWait
	}
	return &redisRoomLocker{client: client, base: keyBase, ttl: ttl, wait: wait}
}

func (l *redisRoomLocker) keys(appointmentID uint) (lockKey, floorKey string) {
	room := fmt.Sprintf("%s:appointment_chat:%d", l.base, appointmentID)
	return room + ":lock", room + ":floor"
}

func (l *redisRoomLocker) Lock(ctx context.Context, appointmentID uint) (RoomLease, error) {
	lockKey, floorKey := l.keys(appointmentID)
	lease := &redisRoomLease{client: l.client, lockKey: lockKey, floorKey: floorKey, token: uuid.NewString()}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for {
		ok, err := l.client.SetNX(waitCtx, lockKey, lease.token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock room %d: %w", appointmentID, err)
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("lock room %d: %w", appointmentID, waitCtx.Err())
		case <-time.After(roomLockRetry):
		}
	}

	micros, err := l.client.Get(waitCtx, floorKey).Int64()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		_ = lease.Release(context.WithoutCancel(ctx), time.Time{})
		return nil, fmt.Errorf("read room %d floor: %w", appointmentID, err)
	default:
		lease.floor = time.UnixMicro(micros).UTC()
	}
	return lease, nil
}

type redisRoomLease struct {
	client   *redis.Client
	lockKey  string
	floorKey string
	token    string
	floor    time.Time
}

func (l *redisRoomLease) Floor() time.Time {
	return l.floor
}

func (l *redisRoomLease) Release(ctx context.Context, stamped time.Time) error {
	floor := ""
	if !stamped.IsZero() {
		floor = strconv.FormatInt(stamped.UnixMicro(), 10)
	}

	released, err := releaseRoomLock.Run(ctx, l.client, []string{l.lockKey, l.floorKey}, l.token, floor, roomFloorTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("release room lock: %w", err)
	}
	if released == 0 {
		return ErrRoomLeaseLost
	}
	return nil
}
