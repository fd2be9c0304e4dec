package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/queue"
)

const retryCountHeaderKey = "x-defecthub-retry-count"

// Message is a received delivery as seen by a callback.
type Message struct {
	Body        []byte
	RoutingKey  string
	Redelivered bool
	// Attempt is the number of earlier failed attempts (0 on first delivery).
	Attempt int
}

// Callback processes one message. Return nil to ack, queue.Permanent(err) to
// drop, any other error to retry.
type Callback func(ctx context.Context, msg *Message) error

// SubscriberOptions configures a Subscriber.
//
// An empty Queue declares a server-named exclusive queue that lives only as
// long as the connection (used for fanout listeners). A named queue is durable.
type SubscriberOptions struct {
	URL          string
	Exchange     string
	ExchangeKind string
	Queue        string
	RoutingKeys  []string
	Prefetch     int
	Concurrency  int
	MaxRetries   int
	RetryDelay   time.Duration
}

// Subscriber consumes a queue with a bounded worker pool. Acks happen only
// after the callback returns. It reconnects with backoff when the broker drops.
type Subscriber struct {
	opts   SubscriberOptions
	logger log.Interface

	// opMu serializes operations on channel; amqp.Channel is not safe for concurrent use.
	opMu      sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
}

// NewSubscriber dials the broker so callers fail fast when it is unreachable.
func NewSubscriber(opts SubscriberOptions, logger log.Interface) (*Subscriber, error) {
	if opts.ExchangeKind == "" {
		opts.ExchangeKind = amqp.ExchangeDirect
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.Concurrency
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = log.Log
	}

	s := &Subscriber{opts: opts, logger: logger}
	s.opMu.Lock()
	err := s.connectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// QueueName returns the current queue name (server-assigned for exclusive queues).
func (s *Subscriber) QueueName() string {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.queueName
}

func (s *Subscriber) connectLocked() error {
	s.closeLocked()

	conn, err := amqp.Dial(s.opts.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	fail := func(format string, err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf(format, err)
	}

	if err := ch.ExchangeDeclare(s.opts.Exchange, s.opts.ExchangeKind, true, false, false, false, nil); err != nil {
		return fail("declare exchange: %w", err)
	}

	durable := s.opts.Queue != ""
	q, err := ch.QueueDeclare(s.opts.Queue, durable, !durable, !durable, false, nil)
	if err != nil {
		return fail("declare queue: %w", err)
	}

	keys := s.opts.RoutingKeys
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, s.opts.Exchange, false, nil); err != nil {
			return fail("bind queue: %w", err)
		}
	}
	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		return fail("set qos: %w", err)
	}

	s.conn = conn
	s.channel = ch
	s.queueName = q.Name
	metrics.RabbitMQConnected.Set(1)
	return nil
}

func (s *Subscriber) closeLocked() {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	metrics.RabbitMQConnected.Set(0)
}

func (s *Subscriber) consume() (<-chan amqp.Delivery, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.connectLocked(); err != nil {
			return nil, err
		}
	}
	msgs, err := s.channel.Consume(s.queueName, "", false, false, false, false, nil)
	if err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("consume %s: %w", s.queueName, err)
	}
	return msgs, nil
}

// Run dispatches deliveries to cb until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, cb Callback) error {
	jobs := make(chan amqp.Delivery, s.opts.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				s.handle(ctx, workerID, d, cb)
			}
		}(i + 1)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := s.consume()
		if err != nil {
			s.logger.WithError(err).Warnf("rabbitmq: consume failed exchange=%s, retry in %s", s.opts.Exchange, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.logger.Infof("rabbitmq: consuming exchange=%s queue=%s workers=%d", s.opts.Exchange, s.QueueName(), s.opts.Concurrency)
		backoff = time.Second

	deliveries:
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					s.logger.Warnf("rabbitmq: delivery channel closed queue=%s, reconnecting", s.QueueName())
					s.opMu.Lock()
					s.closeLocked()
					s.opMu.Unlock()
					break deliveries
				}
				jobs <- d
			}
		}

		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, workerID int, d amqp.Delivery, cb Callback) {
	msg := &Message{
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Attempt:     retryCountFromHeaders(d.Headers),
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = queue.Permanent(fmt.Errorf("panic: %v", r))
			}
		}()
		// the handler settles the job itself when no retry will follow
		hctx := queue.WithAttempt(ctx, queue.Attempt{N: msg.Attempt, Final: msg.Attempt >= s.opts.MaxRetries})
		return cb(hctx, msg)
	}()

	entry := s.logger.WithFields(log.Fields{
		"worker_id":    workerID,
		"routing_key":  d.RoutingKey,
		"delivery_tag": d.DeliveryTag,
		"attempt":      msg.Attempt,
	})

	var action string
	var ackErr error
	switch {
	case err == nil:
		action = "ack"
		ackErr = s.ack(d)
	case queue.IsPermanent(err), msg.Attempt >= s.opts.MaxRetries:
		action = "nack"
		ackErr = s.nack(d, false)
	default:
		// Republish with a bumped counter instead of requeueing to avoid a hot loop.
		sleepCtx(ctx, s.opts.RetryDelay)
		action = "retry"
		pub := amqp.Publishing{
			Headers:      withRetryCountHeader(d.Headers, msg.Attempt+1),
			ContentType:  d.ContentType,
			Body:         d.Body,
			DeliveryMode: d.DeliveryMode,
			Timestamp:    d.Timestamp,
		}
		s.opMu.Lock()
		var pubErr error
		if s.channel == nil {
			pubErr = amqp.ErrClosed
		} else {
			pubErr = s.channel.Publish(d.Exchange, d.RoutingKey, false, false, pub)
		}
		s.opMu.Unlock()
		if pubErr == nil {
			ackErr = s.ack(d)
		} else {
			action = "requeue"
			entry.WithError(pubErr).Warn("rabbitmq: retry publish failed")
			ackErr = s.nack(d, true)
		}
	}
	metrics.DeliveriesTotal.WithLabelValues(action).Inc()

	if ackErr != nil {
		entry.WithError(ackErr).Warnf("rabbitmq: %s failed", action)
	}
	if err != nil {
		entry.WithError(err).Warnf("rabbitmq: delivery failed action=%s", action)
	}
}

func (s *Subscriber) ack(d amqp.Delivery) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return d.Ack(false)
}

func (s *Subscriber) nack(d amqp.Delivery, requeue bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return d.Nack(false, requeue)
}

func (s *Subscriber) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closeLocked()
	return nil
}

func retryCountFromHeaders(headers amqp.Table) int {
	v, ok := headers[retryCountHeaderKey]
	if !ok {
		return 0
	}
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case string:
		n, _ = strconv.ParseInt(t, 10, 64)
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d >= 30*time.Second {
		return 30 * time.Second
	}
	return d * 2
}
