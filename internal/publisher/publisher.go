// Package publisher drains the publish queue: it turns each linked
// event into an outbound envelope and hands it to the transport,
// exactly one transport call per drained entry.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/metrics"
	"sequent/internal/worker"
)

// Store pops the queue head and marks it published around the publish
// callback; a callback error leaves the entry queued.
type Store interface {
	PublishNext(ctx context.Context, publish func(domain.LinkedEvent) error) (bool, error)
}

// Transport is the outbound fan-out. Implementations live in
// internal/transport; the concrete one is chosen at composition time.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type Publisher struct {
	store         Store
	transport     Transport
	subjectPrefix string
	log           *logrus.Entry
}

func New(store Store, transport Transport, subjectPrefix string, log *logrus.Logger) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "sequent.events"
	}
	return &Publisher{
		store:         store,
		transport:     transport,
		subjectPrefix: subjectPrefix,
		log:           log.WithField("component", "publisher"),
	}
}

// PublishNextQueuedEvent publishes the oldest queued event. Returns
// false when the queue is empty. Transport and envelope failures roll
// the pop back so the event is retried next cycle.
func (p *Publisher) PublishNextQueuedEvent(ctx context.Context) (bool, error) {
	published, err := p.store.PublishNext(ctx, func(e domain.LinkedEvent) error {
		body, err := BuildEnvelope(e)
		if err != nil {
			return err
		}
		subject := p.subjectPrefix + "." + e.Name
		if err := p.transport.Publish(ctx, subject, body); err != nil {
			return fmt.Errorf("transport publish event %d: %w", e.EventNumber, err)
		}
		p.log.WithFields(logrus.Fields{
			"event_id":     e.ID,
			"event_number": e.EventNumber,
			"subject":      subject,
		}).Debug("published event")
		return nil
	})
	if err != nil {
		metrics.PublishFailures.Inc()
		return false, err
	}
	if published {
		metrics.EventsPublished.Inc()
	}
	return published, nil
}

// Unit adapts the single-event step to the backoff worker contract.
func (p *Publisher) Unit() worker.Unit {
	return p.PublishNextQueuedEvent
}

// envelope is the outbound shape: the stored metadata with the
// sequence numbers injected, alongside the untouched payload.
type envelope struct {
	Metadata map[string]any  `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// BuildEnvelope parses the event's stored metadata and payload JSON,
// injects the assigned sequence metadata, and serializes the combined
// envelope.
func BuildEnvelope(e domain.LinkedEvent) ([]byte, error) {
	meta := map[string]any{}
	if e.Metadata != "" {
		if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("parse metadata of event %s: %w", e.ID, err)
		}
	}
	meta["eventNumber"] = e.EventNumber
	meta["previousEventNumber"] = e.PreviousEventNumber
	meta["stream"] = map[string]any{
		"id":       e.StreamID.String(),
		"position": e.PositionInStream,
	}
	meta["id"] = e.ID.String()
	meta["name"] = e.Name
	meta["createdAt"] = e.CreatedAt

	payload := json.RawMessage(`{}`)
	if e.Payload != "" {
		if !json.Valid([]byte(e.Payload)) {
			return nil, fmt.Errorf("payload of event %s is not valid JSON", e.ID)
		}
		payload = json.RawMessage(e.Payload)
	}

	return json.Marshal(envelope{Metadata: meta, Payload: payload})
}
