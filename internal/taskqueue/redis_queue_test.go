//go:build integration

package taskqueue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orderflow/internal/testutil"
)

// With the integration tag every queue test also runs against Redis.
func init() {
	queueFactories["redis"] = newTestRedisQueue
}

func newTestRedisQueue(t *testing.T) Queue {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	// A fresh prefix per test keeps tests independent on the shared server.
	return NewRedisQueue(client, "test-"+uuid.NewString()+":")
}
