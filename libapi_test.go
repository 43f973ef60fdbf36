package wirebus

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/wirebus/wirebus/transport/memory"
)

func TestClientExportValidatesConfig(t *testing.T) {
	if _, err := NewClient(context.Background(), ClientOptions{}); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := NewClient(context.Background(), ClientOptions{Config: &Config{Driver: "redis"}}); err == nil {
		t.Fatal("expected error for redis config without address")
	}
}

func TestMicroserviceExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Driver: "memory", RequestTimeout: time.Second}

	service, err := NewMicroservice(ctx, MicroserviceOptions{Name: "echo", Config: cfg})
	if err != nil {
		t.Fatalf("unexpected error creating microservice: %v", err)
	}
	if err := service.Handle(Cmd("echo"), func(ctx context.Context, msg *Message, mctx MessageContext) ([]byte, error) {
		return msg.Data, nil
	}); err != nil {
		t.Fatalf("unexpected error registering handler: %v", err)
	}
	if err := service.Handle(Cmd("noop"), nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestBrokerExports(t *testing.T) {
	b := NewBroker(BrokerOptions{RetryDelay: time.Millisecond})
	defer b.Close()

	got := make(chan any, 1)
	if _, err := b.Subscribe("topic", func(ctx context.Context, msg *BrokerMessage) error {
		got <- msg.Data
		return nil
	}, BrokerSubscribeOptions{}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := b.Publish(context.Background(), "topic", "payload", BrokerPublishOptions{}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if data := <-got; data != "payload" {
		t.Fatalf("expected payload, got %v", data)
	}

	ex := NewTopicExchange(b)
	if !MatchTopic("orders.*", "orders.created") {
		t.Fatal("expected wildcard pattern to match")
	}
	if _, err := ex.Publish(context.Background(), "orders.created", "x", BrokerPublishOptions{}); err != nil {
		t.Fatalf("unexpected exchange publish error: %v", err)
	}
}

func TestRegistryExports(t *testing.T) {
	r := NewServiceRegistry(RegistryOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		TTL:               time.Second,
		Strategy:          StrategyRoundRobin,
	})
	defer func() { _ = r.Close(context.Background()) }()

	inst, err := r.Register(context.Background(), "orders", "localhost", 8080, NewMetadata("zone", "eu"))
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if inst.Health != HealthHealthy {
		t.Fatalf("expected healthy instance, got %q", inst.Health)
	}

	picked, err := r.Discover(context.Background(), "orders")
	if err != nil {
		t.Fatalf("unexpected discover error: %v", err)
	}
	if picked.ID != inst.ID {
		t.Fatalf("expected %q, got %q", inst.ID, picked.ID)
	}

	if _, err := r.Discover(context.Background(), "ghost"); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expected no instances error, got %v", err)
	}
}

func TestEventBusExports(t *testing.T) {
	bus := NewEventBus(EventBusOptions{MaxRetries: 1, RetryDelay: time.Millisecond})
	defer func() { _ = bus.Close() }()

	unsubscribe, err := bus.Subscribe("jobs", func(ctx context.Context, ev Event) error {
		return errors.New("always fails")
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	if err := bus.Publish(context.Background(), "jobs", "x", nil); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	letters, err := bus.DLQ(context.Background(), "jobs")
	if err != nil {
		t.Fatalf("unexpected DLQ error: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].Headers[MetadataKeyLastError] != "always fails" {
		t.Fatalf("unexpected failure metadata: %#v", letters[0].Headers)
	}
}

func TestTransportRegistryExports(t *testing.T) {
	if !DefaultTransportRegistry.Has("memory") {
		t.Fatal("expected memory driver to be registered")
	}
	caps := GetCapabilities("memory")
	if !caps.DetectsMissingHandler {
		t.Fatal("expected memory driver to fail fast on missing handlers")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestULIDExport(t *testing.T) {
	a, b := CreateULID(), CreateULID()
	if len(a) != 26 || a == b {
		t.Fatalf("expected distinct 26-char ulids, got %q and %q", a, b)
	}
}
