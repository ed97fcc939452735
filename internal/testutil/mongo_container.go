package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce      sync.Once
	mongoContainer testcontainers.Container
	mongoURI       string
	mongoErr       error
)

// MongoURI starts a shared MongoDB container on first use and returns its
// connection URI. The test is skipped in -short mode or when the container
// cannot be started (e.g. Docker not available).
func MongoURI(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongo container in short mode")
	}

	mongoOnce.Do(startMongo)
	if mongoErr != nil {
		t.Skipf("skipping mongo tests: %v", mongoErr)
	}
	return mongoURI
}

func startMongo() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	// Testcontainers panics on some unsupported Docker setups.
	defer func() {
		if r := recover(); r != nil {
			mongoErr = fmt.Errorf("starting mongo container panicked: %v", r)
		}
	}()

	c, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		mongoErr = err
		return
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background()) // best-effort cleanup
		mongoErr = err
		return
	}

	mongoContainer = c
	mongoURI = "mongodb://" + endpoint
}

// TerminateMongo stops the shared container, if one was started.
func TerminateMongo() {
	if mongoContainer != nil {
		_ = mongoContainer.Terminate(context.Background())
	}
}
