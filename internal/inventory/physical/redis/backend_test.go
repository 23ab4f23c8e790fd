//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/inventory/physical/backendtest"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := fmt.Sprintf("arc-backup-test:%d:", time.Now().UnixNano())
	be := NewWithClient(client, prefix)

	// The suite closes be, which closes client; sweep with a separate one.
	admin := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() {
		defer admin.Close()
		be.Close()
		ctx := context.Background()
		var cursor uint64
		for {
			keys, next, err := admin.Scan(ctx, cursor, prefix+"*", 500).Result()
			if err != nil || (len(keys) > 0 && admin.Del(ctx, keys...).Err() != nil) {
				break
			}
			if cursor = next; cursor == 0 {
				break
			}
		}
	})
	return be
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, newTestBackend)
}
