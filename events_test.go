package postbox

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestServiceEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("events are available after connect", func(t *testing.T) {
		svc := setupTestService(t)
		defer svc.Close(ctx)

		events := svc.Events()
		if events == nil {
			t.Fatal("expected non-nil events")
		}
		if events.MessageDelivered == nil || events.MessageReclaimed == nil || events.PasswordChanged == nil {
			t.Error("expected all event instances to be populated")
		}
	})

	t.Run("services get independent event instances", func(t *testing.T) {
		svc1 := setupTestService(t)
		defer svc1.Close(ctx)
		svc2 := setupTestService(t)
		defer svc2.Close(ctx)

		if svc1.Events() == svc2.Events() {
			t.Error("expected per-service event instances")
		}
	})

	t.Run("operations publish through a redis transport", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		svc := setupTestService(t, WithRedisClient(client))
		defer svc.Close(ctx)

		alice := createTestAccount(t, svc, "Alice", "alice@example.com")
		createTestAccount(t, svc, "Bob", "bob@example.com")

		// Delivery and password changes publish events; with the default
		// non-fatal policy the operations succeed regardless, so this
		// exercises the transport without depending on consumer timing.
		deliverTestMessage(t, svc, alice.ID, "bob@example.com")
		if err := svc.Client(alice.ID).SetPassword(ctx, "rotated"); err != nil {
			t.Fatalf("set password failed: %v", err)
		}
	})
}
