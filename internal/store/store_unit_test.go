package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("operation timeout"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"server selection", errors.New("server selection timeout"), true},
		{"no reachable servers", errors.New("no reachable servers"), true},
		{"connection pool", errors.New("connection pool cleared"), true},
		{"socket", errors.New("socket was unexpectedly closed"), true},
		{"duplicate key", errors.New("E11000 duplicate key error"), false},
		{"validation failure", errors.New("document failed validation"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryableError(tt.err))
		})
	}
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny("connection refused by host", []string{"refused", "reset"}))
	assert.False(t, containsAny("all good", []string{"refused", "reset"}))
	assert.False(t, containsAny("anything", nil))
}

func TestPairFilter_Symmetric(t *testing.T) {
	forward := pairFilter("alice", "bob")
	reverse := pairFilter("bob", "alice")

	// Both orderings must produce the same two-branch $or, just swapped.
	forwardBranches := forward["$or"].(bson.A)
	reverseBranches := reverse["$or"].(bson.A)

	assert.Len(t, forwardBranches, 2)
	assert.Len(t, reverseBranches, 2)
	assert.ElementsMatch(t, forwardBranches, reverseBranches)
}
