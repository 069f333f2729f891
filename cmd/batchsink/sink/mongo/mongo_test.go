package mongo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loykin/batchsink/internal/accumulator"
	"github.com/loykin/batchsink/internal/record"
)

const (
	mongoImage = "mongo:6"
	mongoPort  = "27017/tcp"
)

func TestConfig_Validate(t *testing.T) {
	var c Config
	c.Default()
	require.NoError(t, c.Validate())
	db, err := c.database()
	require.NoError(t, err)
	assert.Equal(t, "edaTest", db)
	assert.Equal(t, "posts", c.collection())

	c.Database = "other"
	db, _ = c.database()
	assert.Equal(t, "other", db)

	c = Config{URI: "mongodb://localhost:27017"}
	assert.ErrorContains(t, c.Validate(), "requires a database")

	c = Config{URI: "http://nope"}
	assert.Error(t, c.Validate())

	assert.Error(t, Config{}.Validate())
}

func TestClassify(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Equal(t, plain, classify(plain))

	bwe := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Index: 3, Code: 11000, Message: "duplicate key"}},
			{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "duplicate key"}},
		},
	}
	var pe *accumulator.PartialError
	require.ErrorAs(t, classify(bwe), &pe)
	assert.Equal(t, []int{3, 1}, pe.Failed)

	// A write concern failure leaves the outcome of every document unknown.
	bwe.WriteConcernError = &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"}
	assert.False(t, errors.As(classify(bwe), &pe))
}

func TestSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	if !isDockerRunning(ctx) {
		t.Skip("Docker is not running, skipping integration test")
	}

	uri, terminate, err := setupMongoDBContainer(ctx)
	require.NoError(t, err)
	defer terminate()

	cfg := Config{URI: uri + "/batchsink", Collection: "posts", ConnectTimeout: 10 * time.Second}
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	sink := s.(*Sink)

	t.Run("InsertMany", func(t *testing.T) {
		batch := []record.Record{{Title: "a", Content: "1"}, {Title: "b", Content: "2"}}
		require.NoError(t, sink.Persist(ctx, batch))

		n, err := sink.coll.CountDocuments(ctx, bson.M{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("UnorderedPartialFailure", func(t *testing.T) {
		_, err := sink.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "title", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		require.NoError(t, err)

		// "a" already exists; the documents after it must still be written.
		batch := []record.Record{{Title: "a", Content: "dup"}, {Title: "c", Content: "3"}, {Title: "d", Content: "4"}}
		err = sink.Persist(ctx, batch)
		var pe *accumulator.PartialError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, []int{0}, pe.Failed)

		n, err := sink.coll.CountDocuments(ctx, bson.M{})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})
}

func setupMongoDBContainer(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        mongoImage,
		ExposedPorts: []string{mongoPort},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start container: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	terminate := func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate container: %v\n", err)
		}
	}
	return "mongodb://" + endpoint, terminate, nil
}

func isDockerRunning(ctx context.Context) bool {
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}
