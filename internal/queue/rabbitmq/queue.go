// Package rabbitmq is the broker-backed queue: jobs go to a durable direct
// exchange and are consumed from a durable queue with manual acks.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/queue"
)

// Queue implements queue.Queue on RabbitMQ.
type Queue struct {
	cfg    config.QueueConfig
	pub    *Publisher
	logger log.Interface

	mu   sync.Mutex
	subs []*Subscriber
}

var _ queue.Queue = (*Queue)(nil)

func New(cfg config.QueueConfig, logger log.Interface) (*Queue, error) {
	if logger == nil {
		logger = log.Log
	}
	pub, err := NewPublisher(cfg.AMQPURL, cfg.Exchange, amqp.ExchangeDirect, logger)
	if err != nil {
		return nil, err
	}
	return &Queue{cfg: cfg, pub: pub, logger: logger}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.pub.Publish(ctx, q.cfg.RoutingKey, body)
}

// Consume blocks until ctx is cancelled. Malformed bodies are dropped.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	sub, err := NewSubscriber(SubscriberOptions{
		URL:          q.cfg.AMQPURL,
		Exchange:     q.cfg.Exchange,
		ExchangeKind: amqp.ExchangeDirect,
		Queue:        q.cfg.QueueName,
		RoutingKeys:  []string{q.cfg.RoutingKey},
		Prefetch:     q.cfg.Prefetch,
		Concurrency:  q.cfg.Concurrency,
		MaxRetries:   q.cfg.MaxRetries,
	}, q.logger)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	return sub.Run(ctx, func(ctx context.Context, msg *Message) error {
		var job queue.Job
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			return queue.Permanent(fmt.Errorf("decode job: %w", err))
		}
		if job.ReportID <= 0 {
			return queue.Permanent(fmt.Errorf("job without report_id"))
		}
		return h(ctx, job)
	})
}

func (q *Queue) Close() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return q.pub.Close()
}
