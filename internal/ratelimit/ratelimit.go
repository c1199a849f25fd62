// Package ratelimit bounds per-user resource usage: concurrent WebSocket
// connections and inbound message frames over a sliding window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/chatrelay/internal/constants"
)

// ConnectionLimiter limits the number of concurrent connections per user.
type ConnectionLimiter struct {
	connections map[string]int
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a connection limiter allowing maxPerUser
// simultaneous connections for each user.
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Acquire reserves a connection slot for the user. Returns false when the
// user is already at the limit.
func (cl *ConnectionLimiter) Acquire(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[userID] = count + 1
	return true
}

// Release returns a previously acquired slot. Releasing more than was
// acquired is a no-op.
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[userID]
	if !ok {
		return
	}

	if count <= 1 {
		delete(cl.connections, userID)
		return
	}
	cl.connections[userID] = count - 1
}

// Count returns the current connection count for a user.
func (cl *ConnectionLimiter) Count(userID string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[userID]
}

// MessageLimiter limits the rate of inbound frames per user with a sliding
// window over event timestamps.
type MessageLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a limiter allowing limit frames per window.
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records an event for the user if they are under the limit. Returns
// false when the window is already full; the event is not recorded in that
// case, so refused frames do not extend the penalty.
func (ml *MessageLimiter) Allow(userID string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var recent []time.Time
	for _, t := range ml.events[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ml.limit {
		ml.events[userID] = recent
		return false
	}

	ml.events[userID] = append(recent, now)
	return true
}

// RetryAfter returns the milliseconds until the user's oldest in-window event
// expires, or 0 when the user is not currently limited.
func (ml *MessageLimiter) RetryAfter(userID string) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[userID]
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var oldest time.Time
	for _, t := range events {
		if t.After(cutoff) && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}

	if oldest.IsZero() {
		return 0
	}

	retryAfter := oldest.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}
	return int(retryAfter.Milliseconds())
}

// Reset clears the event history for a user.
func (ml *MessageLimiter) Reset(userID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, userID)
}

// Cleanup drops expired events so idle users do not leak memory.
func (ml *MessageLimiter) Cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)

	for userID, events := range ml.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(ml.events, userID)
			continue
		}
		ml.events[userID] = recent
	}
}

// StartCleanup runs Cleanup periodically until StopCleanup is called.
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to exit. Safe to
// call multiple times.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
