// Package store persists relayed messages in MongoDB and serves pair-scoped
// reads for history and conversation ranking. Messages are immutable once
// written; the store exposes append and read operations only.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/message"
	"github.com/real-rm/chatrelay/internal/metrics"
)

var (
	// ErrNilMessage is returned when a nil message is appended
	ErrNilMessage = errors.New("message cannot be nil")
	// ErrEmptyParticipant is returned when a participant identifier is empty
	ErrEmptyParticipant = errors.New("participant identifier cannot be empty")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Store manages message persistence in MongoDB.
type Store struct {
	collection *mongo.Collection
	logger     *zap.SugaredLogger
}

// New creates a message store over the given MongoDB client.
func New(client *mongo.Client, dbName, collName string, logger *zap.SugaredLogger) *Store {
	return &Store{
		collection: client.Database(dbName).Collection(collName),
		logger:     logger.Named("store"),
	}
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Network errors
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	// MongoDB specific transient errors
	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// EnsureIndexes creates the indexes backing pair-scoped reads. Both compound
// orderings are created so either participant can anchor the query plan.
// Call during application initialization.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	senderFirstIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldSender, Value: 1},
			{Key: constants.MongoFieldReceiver, Value: 1},
			{Key: constants.MongoFieldTimestamp, Value: 1},
		},
		Options: options.Index().SetName(constants.IndexSenderReceiverTime),
	}

	receiverFirstIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldReceiver, Value: 1},
			{Key: constants.MongoFieldSender, Value: 1},
			{Key: constants.MongoFieldTimestamp, Value: 1},
		},
		Options: options.Index().SetName(constants.IndexReceiverSenderTime),
	}

	indexes := []mongo.IndexModel{senderFirstIndex, receiverFirstIndex}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Infow("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexSenderReceiverTime, constants.IndexReceiverSenderTime},
	)

	return nil
}

// Append persists one message. It must complete before the message is
// broadcast to the room; callers rely on that ordering to keep history a
// superset of what was delivered live.
func (s *Store) Append(ctx context.Context, msg *message.Message) error {
	// No else needed: early return pattern (guard clause)
	if msg == nil {
		return ErrNilMessage
	}

	if msg.Sender == "" || msg.Receiver == "" {
		return ErrEmptyParticipant
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "append"}).Observe(time.Since(start).Seconds())
	}()

	// Insert with retry for transient errors
	err := s.retryOperation(ctx, "Append", func() error {
		_, opErr := s.collection.InsertOne(ctx, msg)
		return opErr
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.PersistFailures.Inc()
		return fmt.Errorf("failed to append message: %w", err)
	}

	return nil
}

// pairFilter matches messages exchanged between the two participants in
// either direction.
func pairFilter(userA, userB string) bson.M {
	return bson.M{
		"$or": bson.A{
			bson.M{
				constants.MongoFieldSender:   userA,
				constants.MongoFieldReceiver: userB,
			},
			bson.M{
				constants.MongoFieldSender:   userB,
				constants.MongoFieldReceiver: userA,
			},
		},
	}
}

// Between returns every message exchanged between the two participants in
// chronological order. Equal timestamps fall back to insertion order via the
// _id tie-break, so repeated reads return a stable sequence.
func (s *Store) Between(ctx context.Context, userA, userB string) ([]message.Message, error) {
	if userA == "" || userB == "" {
		return nil, ErrEmptyParticipant
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "between"}).Observe(time.Since(start).Seconds())
	}()

	sort := bson.D{
		{Key: constants.MongoFieldTimestamp, Value: 1},
		{Key: "_id", Value: 1},
	}
	findOpts := options.Find().SetSort(sort)

	var messages []message.Message
	err := s.retryOperation(ctx, "Between", func() error {
		cursor, opErr := s.collection.Find(ctx, pairFilter(userA, userB), findOpts)
		// No else needed: early return pattern (guard clause)
		if opErr != nil {
			return opErr
		}

		var decoded []message.Message
		if opErr := cursor.All(ctx, &decoded); opErr != nil {
			return opErr
		}

		messages = decoded
		return nil
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// Latest returns the most recent message exchanged between the two
// participants, or nil when the pair has no history.
func (s *Store) Latest(ctx context.Context, userA, userB string) (*message.Message, error) {
	if userA == "" || userB == "" {
		return nil, ErrEmptyParticipant
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "latest"}).Observe(time.Since(start).Seconds())
	}()

	sort := bson.D{
		{Key: constants.MongoFieldTimestamp, Value: -1},
		{Key: "_id", Value: -1},
	}
	findOpts := options.FindOne().SetSort(sort)

	var msg message.Message
	err := s.retryOperation(ctx, "Latest", func() error {
		return s.collection.FindOne(ctx, pairFilter(userA, userB), findOpts).Decode(&msg)
	})

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read latest message: %w", err)
	}

	return &msg, nil
}

// Ping verifies connectivity to the backing deployment. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

// retryOperation executes fn with exponential backoff for transient errors.
// Non-retryable errors are returned immediately.
func (s *Store) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		// No else needed: early return pattern (guard clause - success case)
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		// No else needed: optional operation (only retry if attempts remain)
		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warnw("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			// Sleep with context awareness
			select {
			case <-time.After(delay):
				// Continue to next attempt
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			// Exponential backoff
			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			// No else needed: optional operation (only cap if exceeds max)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
