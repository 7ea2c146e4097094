package pubsub

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"app/internal/config"

	ps "cloud.google.com/go/pubsub"
)

func TestNewPublisherInvalidProject(t *testing.T) {
	cfg := &config.Config{GCPProjectID: ""}
	if _, err := NewPublisher(context.Background(), cfg); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

// Publishes a credit_transaction audit event, the payload every settled debit
// emits, and reads it back through a subscription.
func TestPublishAuditEventWithEmulator(t *testing.T) {
	emulator := os.Getenv("PUBSUB_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("PUBSUB_EMULATOR_HOST is not set, skip emulator integration test")
	}

	ctx := context.Background()
	cfg := &config.Config{GCPProjectID: "test-project", PubSubEmulatorHost: emulator}
	pub, err := NewPublisher(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	topicName := "credit-audit-events"
	topic, err := pub.client.CreateTopic(ctx, topicName)
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}
	sub, err := pub.client.CreateSubscription(ctx, "credit-audit-sub", ps.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	event, err := json.Marshal(map[string]any{
		"event_type":     "credit_transaction",
		"user_id":        "u1",
		"credits_used":   3,
		"operation_type": "sql_query",
		"remaining":      7,
	})
	if err != nil {
		t.Fatalf("marshaling audit event: %v", err)
	}
	msgID, err := pub.Publish(ctx, topicName, event)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty message ID")
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c := make(chan []byte, 1)
	go func() {
		sub.Receive(recvCtx, func(ctx context.Context, m *ps.Message) {
			c <- m.Data
			m.Ack()
			cancel()
		})
	}()

	select {
	case data := <-c:
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("audit event is not valid JSON: %v", err)
		}
		if decoded["event_type"] != "credit_transaction" {
			t.Errorf("unexpected event_type: %v", decoded["event_type"])
		}
		if decoded["user_id"] != "u1" {
			t.Errorf("unexpected user_id: %v", decoded["user_id"])
		}
		if decoded["credits_used"] != float64(3) || decoded["remaining"] != float64(7) {
			t.Errorf("unexpected amounts: %v / %v", decoded["credits_used"], decoded["remaining"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from emulator subscription")
	}
}
