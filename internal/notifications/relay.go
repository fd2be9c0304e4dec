package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/metroai/defect-hub/internal/queue"
	"github.com/metroai/defect-hub/internal/queue/rabbitmq"
)

// Relay carries status events between processes over a fanout exchange, so an
// observer connected to the API sees transitions made by a separate worker.
type Relay struct {
	origin string
	hub    *Hub
	pub    *rabbitmq.Publisher
	sub    *rabbitmq.Subscriber
	logger log.Interface
}

func NewRelay(amqpURL, exchange string, hub *Hub, logger log.Interface) (*Relay, error) {
	if logger == nil {
		logger = log.Log
	}
	pub, err := rabbitmq.NewPublisher(amqpURL, exchange, amqp.ExchangeFanout, logger)
	if err != nil {
		return nil, err
	}
	sub, err := rabbitmq.NewSubscriber(rabbitmq.SubscriberOptions{
		URL:          amqpURL,
		Exchange:     exchange,
		ExchangeKind: amqp.ExchangeFanout,
		Concurrency:  1,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	r := &Relay{origin: uuid.NewString(), hub: hub, pub: pub, sub: sub, logger: logger}
	hub.SetForwarder(r)
	return r, nil
}

// Forward publishes a locally produced event to other processes.
func (r *Relay) Forward(ctx context.Context, ev StatusEvent) error {
	ev.Origin = r.origin
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, "", body); err != nil {
		r.logger.WithError(err).WithField("report_id", ev.ReportID).Warn("relay: publish status event failed")
		return err
	}
	return nil
}

// Run delivers remote events to the local hub until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.sub.Run(ctx, r.receive)
}

func (r *Relay) receive(ctx context.Context, msg *rabbitmq.Message) error {
	var ev StatusEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return queue.Permanent(fmt.Errorf("decode status event: %w", err))
	}
	if ev.Origin == r.origin {
		return nil
	}
	r.hub.Deliver(ev)
	return nil
}

func (r *Relay) Close() error {
	_ = r.sub.Close()
	return r.pub.Close()
}
