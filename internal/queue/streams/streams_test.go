package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      StreamBookingRequested,
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"booking_id":"bk-1"}`),
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be defaulted")
	}

	missing := Envelope{EventType: StreamBookingRequested, PayloadVersion: PayloadVersionV1, Data: env.Data}
	if err := missing.ValidateBasic(); err == nil {
		t.Fatalf("expected error for missing event_id")
	}
	noData := Envelope{EventID: "evt-2", EventType: StreamBookingRequested, PayloadVersion: PayloadVersionV1}
	if err := noData.ValidateBasic(); err == nil {
		t.Fatalf("expected error for missing data")
	}
}

func TestPublishAndConsumeRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	if err := EnsureGroup(ctx, client, StreamBookingRequested, GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// Idempotent on the second call.
	if err := EnsureGroup(ctx, client, StreamBookingRequested, GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	pub := NewPublisher(client)
	payload := BookingRequestedPayload{
		BookingID: "bk-1",
		TripID:    "trip-1",
		SessionID: "sess-1",
		UserID:    "user-1",
		Amount:    35900,
		Currency:  "THB",
		Source:    SourceManual,
	}
	id, err := pub.PublishRaw(ctx, StreamBookingRequested, StreamBookingRequested, PayloadVersionV1, payload)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected stream entry id")
	}

	cons := NewConsumer(client, GroupBookingWorkers, "worker-1")
	msgs, err := cons.Read(ctx, StreamBookingRequested, WithCount(10))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	env := msgs[0].Envelope
	if env.EventType != StreamBookingRequested {
		t.Fatalf("unexpected event type %q", env.EventType)
	}
	if env.EventID == "" {
		t.Fatalf("expected publisher to fill event_id")
	}
	var got BookingRequestedPayload
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.BookingID != "bk-1" || got.Amount != 35900 || got.Source != SourceManual {
		t.Fatalf("unexpected payload %+v", got)
	}

	if err := cons.Ack(ctx, StreamBookingRequested, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	lag, err := cons.LagMetrics(ctx, StreamBookingRequested)
	if err != nil {
		t.Fatalf("lag metrics: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", lag.Pending)
	}
	if lag.Length != 1 {
		t.Fatalf("expected stream length 1, got %d", lag.Length)
	}
}

func TestConsumerDropsUndecodableEntries(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	if err := EnsureGroup(ctx, client, StreamBookingRequested, GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// Raw entry without an envelope field, then one with garbage JSON.
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamBookingRequested,
		Values: map[string]interface{}{"other": "x"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamBookingRequested,
		Values: map[string]interface{}{"envelope": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	cons := NewConsumer(client, GroupBookingWorkers, "worker-1")
	msgs, err := cons.Read(ctx, StreamBookingRequested, WithCount(10))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected undecodable entries to be dropped, got %d", len(msgs))
	}
	lag, err := GroupLag(ctx, client, StreamBookingRequested, GroupBookingWorkers)
	if err != nil {
		t.Fatalf("group lag: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected dropped entries to be acked, got %d pending", lag.Pending)
	}
}

func TestAutoClaimReassignsStalePending(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	if err := EnsureGroup(ctx, client, StreamBookingRequested, GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	pub := NewPublisher(client)
	if _, err := pub.PublishRaw(ctx, StreamBookingRequested, StreamBookingRequested, PayloadVersionV1,
		BookingRequestedPayload{BookingID: "bk-1", TripID: "trip-1", UserID: "user-1", Amount: 100, Currency: "THB", Source: SourceAgent}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// worker-1 reads but never acks.
	dead := NewConsumer(client, GroupBookingWorkers, "worker-1")
	if _, err := dead.Read(ctx, StreamBookingRequested, WithCount(1)); err != nil {
		t.Fatalf("read: %v", err)
	}

	successor := NewConsumer(client, GroupBookingWorkers, "worker-2")
	msgs, next, err := successor.AutoClaim(ctx, StreamBookingRequested, 0, "0-0", 10)
	if err != nil {
		t.Fatalf("autoclaim: %v", err)
	}
	if next == "" {
		t.Fatalf("expected next cursor")
	}
	if len(msgs) != 1 {
		t.Fatalf("expected to claim 1 message, got %d", len(msgs))
	}
	var got BookingRequestedPayload
	if err := json.Unmarshal(msgs[0].Envelope.Data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.BookingID != "bk-1" {
		t.Fatalf("unexpected claimed payload %+v", got)
	}
}

func TestGroupLagUnwrittenStream(t *testing.T) {
	client := newTestRedis(t)
	lag, err := GroupLag(context.Background(), client, StreamBookingSettled, GroupBookingWorkers)
	if err != nil {
		t.Fatalf("group lag on empty stream: %v", err)
	}
	if lag.Length != 0 || lag.Lag != -1 {
		t.Fatalf("expected empty metrics, got %+v", lag)
	}
}

func TestPublishValidates(t *testing.T) {
	client := newTestRedis(t)
	pub := NewPublisher(client)
	ctx := context.Background()

	if _, err := pub.Publish(ctx, "", Envelope{}); err == nil {
		t.Fatalf("expected error for empty stream")
	}
	if _, err := pub.Publish(ctx, StreamBookingRequested, Envelope{EventType: "x", PayloadVersion: PayloadVersionV1}); err == nil {
		t.Fatalf("expected error for missing data")
	}
}

func TestReadReturnsNilWhenEmpty(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	if err := EnsureGroup(ctx, client, StreamBookingSettled, GroupBookingWorkers); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	cons := NewConsumer(client, GroupBookingWorkers, "worker-1")
	msgs, err := cons.Read(ctx, StreamBookingSettled, WithCount(5), WithBlock(10*time.Millisecond))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected nil messages on empty stream, got %d", len(msgs))
	}
}
