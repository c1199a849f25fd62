package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/room"
)

// fakeMember records delivered payloads and can be told to refuse delivery.
type fakeMember struct {
	id       string
	refuse   bool
	mu       sync.Mutex
	payloads [][]byte
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id}
}

func (f *fakeMember) MemberID() string { return f.id }

func (f *fakeMember) Deliver(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.payloads = append(f.payloads, payload)
	return true
}

func (f *fakeMember) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.payloads))
	copy(out, f.payloads)
	return out
}

func getTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func mustResolve(t *testing.T, a, b string) room.Key {
	t.Helper()
	key, err := room.Resolve(a, b)
	require.NoError(t, err)
	return key
}

func TestNew(t *testing.T) {
	r := New(getTestLogger())

	require.NotNil(t, r)
	assert.Equal(t, 0, r.RoomCount())
}

func TestJoin_AddsMember(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m := newFakeMember("alice-1")

	r.Join(key, m)

	assert.Equal(t, 1, r.MemberCount(key))
	assert.Equal(t, 1, r.RoomCount())
}

func TestJoin_Idempotent(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m := newFakeMember("alice-1")

	r.Join(key, m)
	r.Join(key, m)

	assert.Equal(t, 1, r.MemberCount(key))
}

func TestJoin_MultipleDevicesSameUser(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")

	// Same user from two devices is two distinct members.
	r.Join(key, newFakeMember("alice-phone"))
	r.Join(key, newFakeMember("alice-laptop"))

	assert.Equal(t, 2, r.MemberCount(key))
}

func TestLeave_RemovesMember(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m1 := newFakeMember("alice-1")
	m2 := newFakeMember("bob-1")

	r.Join(key, m1)
	r.Join(key, m2)
	r.Leave(key, m1)

	assert.Equal(t, 1, r.MemberCount(key))
}

func TestLeave_ReclaimsEmptyRoom(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m := newFakeMember("alice-1")

	r.Join(key, m)
	r.Leave(key, m)

	assert.Equal(t, 0, r.MemberCount(key))
	assert.Equal(t, 0, r.RoomCount())
}

func TestLeave_UnknownRoomIsNoop(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")

	r.Leave(key, newFakeMember("alice-1"))

	assert.Equal(t, 0, r.RoomCount())
}

func TestLeave_UnknownMemberIsNoop(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m := newFakeMember("alice-1")

	r.Join(key, m)
	r.Leave(key, newFakeMember("bob-1"))

	assert.Equal(t, 1, r.MemberCount(key))
}

func TestBroadcast_DeliversToAllMembers(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m1 := newFakeMember("alice-1")
	m2 := newFakeMember("bob-1")

	r.Join(key, m1)
	r.Join(key, m2)
	payload := []byte(`{"message":"hello"}`)
	r.Broadcast(key, payload)

	require.Len(t, m1.received(), 1)
	require.Len(t, m2.received(), 1)
	assert.Equal(t, payload, m1.received()[0])
	assert.Equal(t, payload, m2.received()[0])
}

func TestBroadcast_SenderReceivesOwnMessage(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	sender := newFakeMember("alice-1")

	// The sender is a room member like any other; no self-echo suppression.
	r.Join(key, sender)
	r.Broadcast(key, []byte("hi"))

	assert.Len(t, sender.received(), 1)
}

func TestBroadcast_SkipsDepartedMember(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	m1 := newFakeMember("alice-1")
	m2 := newFakeMember("bob-1")

	r.Join(key, m1)
	r.Join(key, m2)
	r.Leave(key, m2)
	r.Broadcast(key, []byte("hi"))

	assert.Len(t, m1.received(), 1)
	assert.Empty(t, m2.received())
}

func TestBroadcast_EmptyRoomIsNoop(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")

	// Must not panic or create the room.
	r.Broadcast(key, []byte("hi"))

	assert.Equal(t, 0, r.RoomCount())
}

func TestBroadcast_RefusingMemberDoesNotBlockOthers(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")
	refusing := newFakeMember("alice-1")
	refusing.refuse = true
	healthy := newFakeMember("bob-1")

	r.Join(key, refusing)
	r.Join(key, healthy)
	r.Broadcast(key, []byte("hi"))

	assert.Empty(t, refusing.received())
	assert.Len(t, healthy.received(), 1)
}

func TestBroadcast_RoomIsolation(t *testing.T) {
	r := New(getTestLogger())
	keyAB := mustResolve(t, "alice", "bob")
	keyAC := mustResolve(t, "alice", "carol")
	inAB := newFakeMember("bob-1")
	inAC := newFakeMember("carol-1")

	r.Join(keyAB, inAB)
	r.Join(keyAC, inAC)
	r.Broadcast(keyAB, []byte("for bob"))

	assert.Len(t, inAB.received(), 1)
	assert.Empty(t, inAC.received())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(getTestLogger())
	key := mustResolve(t, "alice", "bob")

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			m := newFakeMember(fmt.Sprintf("member-%d", n))
			r.Join(key, m)
			r.Broadcast(key, []byte("ping"))
			r.Leave(key, m)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.MemberCount(key))
	assert.Equal(t, 0, r.RoomCount())
}
