package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// queueStore mimics the store's pop-then-mark contract: the head stays
// queued until the callback returns nil.
type queueStore struct {
	queue []domain.LinkedEvent
}

func (q *queueStore) PublishNext(ctx context.Context, publish func(domain.LinkedEvent) error) (bool, error) {
	if len(q.queue) == 0 {
		return false, nil
	}
	if err := publish(q.queue[0]); err != nil {
		return false, err
	}
	q.queue = q.queue[1:]
	return true, nil
}

func linkedEvent(n int64) domain.LinkedEvent {
	return domain.LinkedEvent{
		ID:                  uuid.New(),
		StreamID:            uuid.New(),
		PositionInStream:    1,
		Name:                "order-placed",
		Metadata:            `{"correlationId":"c1"}`,
		Payload:             `{"total":10}`,
		CreatedAt:           time.Now().UTC(),
		EventNumber:         n,
		PreviousEventNumber: n - 1,
	}
}

func TestPublishDrainsQueueExactlyOnce(t *testing.T) {
	store := &queueStore{queue: []domain.LinkedEvent{linkedEvent(1), linkedEvent(2)}}
	mem := transport.NewMemory()
	p := New(store, mem, "", testLogger())

	for _, want := range []bool{true, true, false} {
		got, err := p.PublishNextQueuedEvent(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("published = %v, want %v", got, want)
		}
	}
	if len(mem.Messages()) != 2 {
		t.Fatalf("transport got %d messages, want 2", len(mem.Messages()))
	}
}

func TestPublishFailureLeavesEventQueued(t *testing.T) {
	e := linkedEvent(1)
	store := &queueStore{queue: []domain.LinkedEvent{e}}
	mem := transport.NewMemory()
	mem.FailNext(errors.New("broker down"))
	p := New(store, mem, "", testLogger())

	if _, err := p.PublishNextQueuedEvent(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
	if len(store.queue) != 1 {
		t.Fatal("failed publish must leave the event queued")
	}

	published, err := p.PublishNextQueuedEvent(context.Background())
	if err != nil || !published {
		t.Fatalf("published=%v err=%v", published, err)
	}
	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Subject != "sequent.events.order-placed" {
		t.Fatalf("subject = %q", msgs[0].Subject)
	}
}

func TestBuildEnvelopeInjectsSequenceMetadata(t *testing.T) {
	e := linkedEvent(7)
	body, err := BuildEnvelope(e)
	if err != nil {
		t.Fatal(err)
	}

	var env struct {
		Metadata map[string]any  `json:"metadata"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Metadata["eventNumber"] != float64(7) || env.Metadata["previousEventNumber"] != float64(6) {
		t.Fatalf("sequence metadata missing: %v", env.Metadata)
	}
	if env.Metadata["correlationId"] != "c1" {
		t.Fatal("stored metadata was dropped")
	}
	stream, ok := env.Metadata["stream"].(map[string]any)
	if !ok || stream["id"] != e.StreamID.String() || stream["position"] != float64(1) {
		t.Fatalf("stream metadata = %v", env.Metadata["stream"])
	}
	if string(env.Payload) != e.Payload {
		t.Fatalf("payload = %s", env.Payload)
	}
}

func TestBuildEnvelopeRejectsBadJSON(t *testing.T) {
	e := linkedEvent(1)
	e.Metadata = `{not json`
	if _, err := BuildEnvelope(e); err == nil {
		t.Fatal("bad metadata must be rejected")
	}

	e = linkedEvent(1)
	e.Payload = `{not json`
	if _, err := BuildEnvelope(e); err == nil {
		t.Fatal("bad payload must be rejected")
	}
}
