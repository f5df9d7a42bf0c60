package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"sequent/internal/domain"
)

type recordingAppender struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingAppender) Append(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAppender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, func() { _ = c.Terminate(ctx) }
}

func TestAdapterConsumesAndAppends(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	appender := &recordingAppender{}
	adapter, err := NewAdapter(Config{
		Enabled: true, URL: url, Exchange: "sequent.in", Queue: "sequent-ingest",
		RoutingKeys: []string{"events.#"}, PrefetchCount: 8, Workers: 2, DeliveryQueue: 16,
	}, appender)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer adapter.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	streamID := uuid.New()
	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf(`{"id":%q,"stream_id":%q,"position_in_stream":%d,"name":"order-placed","payload":{"n":%d}}`, uuid.NewString(), streamID, i, i)
		if err := ch.PublishWithContext(ctx, "sequent.in", "events.order", false, false, amqp091.Publishing{ContentType: "application/json", Body: []byte(body)}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(15 * time.Second)
	for appender.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("appended %d of 3 events", appender.count())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
