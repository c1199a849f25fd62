// Package relay implements the per-connection session that ties a transport
// to a room: it resolves the room at open time, registers the connection for
// fan-out, and turns inbound frames into persisted, broadcast messages.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/constants"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/message"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/room"
)

// ErrSessionClosed is returned when opening a session that was already closed
var ErrSessionClosed = errors.New("session already closed")

// State is the lifecycle state of a session.
type State int32

const (
	// StateConnecting means the session exists but has not joined its room.
	StateConnecting State = iota
	// StateJoined means the session is registered and relaying frames.
	StateJoined
	// StateClosed means the session has left its room and accepts no frames.
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Persister appends relayed messages to durable storage.
type Persister interface {
	Append(ctx context.Context, msg *message.Message) error
}

// Memberships is the slice of the registry a session needs.
type Memberships interface {
	Join(key room.Key, m registry.Member)
	Leave(key room.Key, m registry.Member)
	Broadcast(key room.Key, payload []byte)
}

// Session relays frames between one connection and its room. The peer is
// fixed when the session is created; every relayed message is addressed to
// that peer regardless of what the client sends.
type Session struct {
	user   string
	peer   string
	key    room.Key
	member registry.Member

	memberships Memberships
	persister   Persister
	logger      *zap.SugaredLogger

	state     atomic.Int32
	closeOnce sync.Once
}

// NewSession creates a session for user talking to peer. Room resolution
// failures are fatal: the caller must refuse the connection.
func NewSession(user, peer string, member registry.Member, memberships Memberships, persister Persister, logger *zap.SugaredLogger) (*Session, error) {
	key, err := room.Resolve(user, peer)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, relayerrors.ErrRoomResolution(err)
	}

	return &Session{
		user:        user,
		peer:        peer,
		key:         key,
		member:      member,
		memberships: memberships,
		persister:   persister,
		logger:      logger.Named("relay"),
	}, nil
}

// Open joins the session to its room. Opening a closed session is an error;
// opening twice is a no-op.
func (s *Session) Open() error {
	if State(s.state.Load()) == StateClosed {
		return ErrSessionClosed
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateJoined)) {
		return nil
	}

	s.memberships.Join(s.key, s.member)

	s.logger.Infow("Session joined room",
		"room", s.key.String(),
		"user", s.user,
		"peer", s.peer)

	return nil
}

// HandleFrame processes one inbound frame: decode, persist, broadcast. The
// append must complete before fan-out so history never misses a message that
// was delivered live. Recoverable errors drop the frame and keep the session
// open; the caller decides what to surface to the client.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) error {
	if State(s.state.Load()) != StateJoined {
		return relayerrors.NewDeliveryError("session is not joined to a room", nil)
	}

	metrics.MessagesReceived.Inc()

	content, err := message.DecodeInbound(raw)
	if err != nil {
		metrics.MessageErrors.Inc()
		return relayerrors.ErrMalformedPayload(err.Error(), err)
	}

	msg := &message.Message{
		Sender:    s.user,
		Receiver:  s.peer,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	appendCtx, cancel := context.WithTimeout(ctx, constants.MessageAppendTimeout)
	defer cancel()

	if err := s.persister.Append(appendCtx, msg); err != nil {
		// The frame is dropped entirely: no broadcast of unpersisted
		// messages, so live delivery stays a subset of history.
		s.logger.Errorw("Message persistence failed, frame dropped",
			"room", s.key.String(),
			"sender", s.user,
			"error", err)
		return relayerrors.ErrPersistence(err)
	}

	payload, err := message.EncodeOutbound(msg)
	if err != nil {
		metrics.MessageErrors.Inc()
		return relayerrors.NewDeliveryError("failed to encode outbound frame", err)
	}

	s.memberships.Broadcast(s.key, payload)
	metrics.MessagesRelayed.Inc()

	return nil
}

// Close leaves the room and terminates the session. Safe to call multiple
// times and from any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		wasJoined := s.state.Swap(int32(StateClosed)) == int32(StateJoined)
		// No else needed: optional operation (only leave if joined)
		if wasJoined {
			s.memberships.Leave(s.key, s.member)
			s.logger.Infow("Session left room",
				"room", s.key.String(),
				"user", s.user)
		}
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Room returns the resolved room key.
func (s *Session) Room() room.Key {
	return s.key
}

// User returns the authenticated participant this session belongs to.
func (s *Session) User() string {
	return s.user
}

// Peer returns the fixed conversation partner.
func (s *Session) Peer() string {
	return s.peer
}
