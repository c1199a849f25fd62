package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	// Shared MongoDB client for all tests
	sharedMongoClient *mongo.Client
	mongoInitOnce     sync.Once
	mongoInitError    error
)

// getSharedMongoClient returns a shared MongoDB client for all tests.
// Tests are skipped when SKIP_MONGO_TESTS is set or no deployment is
// reachable at MONGO_URI.
func getSharedMongoClient(t *testing.T) *mongo.Client {
	mongoInitOnce.Do(func() {
		if os.Getenv("SKIP_MONGO_TESTS") != "" {
			mongoInitError = fmt.Errorf("SKIP_MONGO_TESTS is set")
			return
		}

		mongoURI := os.Getenv("MONGO_URI")
		if mongoURI == "" {
			mongoURI = "mongodb://127.0.0.1:27017"
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			mongoInitError = fmt.Errorf("failed to connect to MongoDB: %w", err)
			return
		}

		// Verify connection with a round-trip write
		testColl := client.Database("chatrelay_test").Collection("test_connection")
		if _, err = testColl.InsertOne(ctx, bson.M{"test": "connection"}); err != nil {
			mongoInitError = fmt.Errorf("failed to verify connection: %w", err)
			return
		}

		sharedMongoClient = client
	})

	if mongoInitError != nil {
		t.Skipf("Skipping MongoDB tests: %v", mongoInitError)
		return nil
	}

	return sharedMongoClient
}

// setupTestStore creates a store over a unique collection per test, with a
// cleanup function that drops it.
func setupTestStore(t *testing.T) (*Store, func()) {
	client := getSharedMongoClient(t)
	if client == nil {
		return nil, func() {}
	}

	collectionName := fmt.Sprintf("test_messages_%d_%s", time.Now().UnixNano(), t.Name())
	s := New(client, "chatrelay_test", collectionName, zap.NewNop().Sugar())

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database("chatrelay_test").Collection(collectionName).Drop(ctx)
	}

	return s, cleanup
}
