// Package notify publishes graph change notifications after each committed
// ingestion, merge or split. Consumers such as the graph projection follow
// the topic; core queries never depend on it.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// Kind is the operation that produced a change.
type Kind string

const (
	Ingested Kind = "ingested"
	Merged   Kind = "merged"
	Split    Kind = "split"
)

// Change lists the entities and edges a committed operation touched.
type Change struct {
	Kind      Kind      `json:"kind"`
	EventID   string    `json:"event_id,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	EntityIDs []string  `json:"entity_ids"`
	EdgeIDs   []string  `json:"edge_ids,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher sends changes to a gocloud pubsub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// OpenPublisher opens the topic at url, e.g. mem://provgraph-changes.
func OpenPublisher(ctx context.Context, url string) (*Publisher, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open topic %s", url)
	}
	return &Publisher{topic: topic}, nil
}

// Publish sends c.
func (p *Publisher) Publish(ctx context.Context, c Change) error {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode change")
	}
	msg := &pubsub.Message{Body: body, Metadata: map[string]string{"kind": string(c.Kind)}}
	if err := p.topic.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "send change")
	}
	return nil
}

// Close flushes and closes the topic.
func (p *Publisher) Close(ctx context.Context) error {
	return p.topic.Shutdown(ctx)
}

// Subscriber receives changes. With mempubsub the subscription must be open
// before the first change is published or that change is lost.
type Subscriber struct {
	sub *pubsub.Subscription
}

// OpenSubscriber opens the subscription at url.
func OpenSubscriber(ctx context.Context, url string) (*Subscriber, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open subscription %s", url)
	}
	return &Subscriber{sub: sub}, nil
}

// Receive blocks for the next change. The message is acked before decoding
// so that an undecodable message is not redelivered forever.
func (s *Subscriber) Receive(ctx context.Context) (Change, error) {
	msg, err := s.sub.Receive(ctx)
	if err != nil {
		return Change{}, err
	}
	msg.Ack()
	var c Change
	if err := json.Unmarshal(msg.Body, &c); err != nil {
		return Change{}, errors.Wrap(err, "decode change")
	}
	return c, nil
}

// Close shuts the subscription down.
func (s *Subscriber) Close(ctx context.Context) error {
	return s.sub.Shutdown(ctx)
}

// Nop discards changes.
type Nop struct{}

// Publish implements the publisher contract.
func (Nop) Publish(context.Context, Change) error { return nil }
