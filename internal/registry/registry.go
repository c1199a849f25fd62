// Package registry tracks which live sessions belong to which room and fans
// broadcast payloads out to them. It is the only mutable state shared between
// relay sessions; all access goes through Join, Leave and Broadcast.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/room"
)

// Member is one live session registered under a room key. Deliver must be
// non-blocking and best-effort: it returns false when the member cannot accept
// the payload (closing connection, full buffer), and must never panic.
type Member interface {
	// MemberID identifies the member for logging and diagnostics.
	MemberID() string
	// Deliver hands the payload to the member. A false return isolates the
	// failure to this member; broadcast continues to the rest.
	Deliver(payload []byte) bool
}

// Registry is the process-wide membership index. One mutex guards the whole
// map: contention is low at this scale and a single lock keeps join, leave and
// broadcast trivially linearizable with respect to each other.
type Registry struct {
	rooms  map[room.Key]map[Member]struct{}
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

// New creates an empty membership registry.
func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		rooms:  make(map[room.Key]map[Member]struct{}),
		logger: logger.Named("registry"),
	}
}

// Join adds a member to the room's member set. Joining a room the member is
// already in is a no-op.
func (r *Registry) Join(key room.Key, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[Member]struct{})
		r.rooms[key] = members
		metrics.ActiveRooms.Inc()
	}

	if _, exists := members[m]; exists {
		return
	}

	members[m] = struct{}{}

	r.logger.Debugw("Member joined room",
		"room", key.String(),
		"member", m.MemberID(),
		"room_size", len(members))
}

// Leave removes a member from the room's member set. Rooms whose member set
// becomes empty are reclaimed; membership is transient state with no persisted
// trace. Leaving a room the member is not in is a no-op.
func (r *Registry) Leave(key room.Key, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		return
	}

	if _, exists := members[m]; !exists {
		return
	}

	delete(members, m)

	if len(members) == 0 {
		delete(r.rooms, key)
		metrics.ActiveRooms.Dec()
	}

	r.logger.Debugw("Member left room",
		"room", key.String(),
		"member", m.MemberID(),
		"room_size", len(members))
}

// Broadcast delivers payload to every member registered under key at the moment
// of the call. The member set is snapshotted under the lock and delivery happens
// outside it, so a slow or dead recipient never blocks joins, leaves or other
// broadcasts. Members joining after the snapshot do not receive the payload.
// A member refusing delivery does not abort delivery to the others.
func (r *Registry) Broadcast(key room.Key, payload []byte) {
	r.mu.Lock()
	snapshot := make([]Member, 0, len(r.rooms[key]))
	for m := range r.rooms[key] {
		snapshot = append(snapshot, m)
	}
	r.mu.Unlock()

	for _, m := range snapshot {
		if m.Deliver(payload) {
			metrics.BroadcastsDelivered.Inc()
			continue
		}

		// Isolated per-recipient failure; the rest of the room still gets
		// the payload. The store remains the source of truth for history.
		metrics.BroadcastsDropped.Inc()
		r.logger.Warnw("Broadcast delivery refused by member",
			"room", key.String(),
			"member", m.MemberID())
	}
}

// MemberCount returns the number of members currently registered under key.
func (r *Registry) MemberCount(key room.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[key])
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
