package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"deal-processor/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message represents a received RabbitMQ message.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	Timestamp   time.Time
	DeliveryTag uint64
}

// CallbackFunc processes a message. Return:
// - nil on success (will Ack)
// - Permanent(err) for permanent failure (will Nack requeue=false; DLQ if configured)
// - any other error for transient failure (will retry/requeue)
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const (
	defaultConcurrency = 10
	envConcurrency     = "RABBITMQ_CONCURRENCY"

	defaultMaxRetries = 5
	envMaxRetries     = "RABBITMQ_MAX_RETRIES"

	defaultRetryExchangePrefix = "dealproc-retry."
	envRetryExchangePrefix     = "RABBITMQ_RETRY_EXCHANGE_PREFIX"
	retryCountHeaderKey        = "x-dealproc-retry-count"
)

func rabbitMQConcurrency() int {
	if v := os.Getenv(envConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warnf("rabbitmq: invalid %s=%q, using default=%d", envConcurrency, v, defaultConcurrency)
	}
	return defaultConcurrency
}

func rabbitMQMaxRetries() int {
	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		log.Warnf("rabbitmq: invalid %s=%q, using default=%d", envMaxRetries, v, defaultMaxRetries)
	}
	return defaultMaxRetries
}

func rabbitMQRetryExchange(queue string) string {
	prefix := os.Getenv(envRetryExchangePrefix)
	if prefix == "" {
		prefix = defaultRetryExchangePrefix
	}
	return prefix + queue
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	v, ok := headers[retryCountHeaderKey]
	if !ok || v == nil {
		return 0
	}
	maxInt := int(^uint(0) >> 1)
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0
		}
		return t
	case int32:
		if t < 0 {
			return 0
		}
		return int(t)
	case int64:
		if t < 0 {
			return 0
		}
		if t > int64(maxInt) {
			return maxInt
		}
		return int(t)
	case uint32:
		if int64(t) > int64(maxInt) {
			return maxInt
		}
		return int(t)
	case uint64:
		if t > uint64(maxInt) {
			return maxInt
		}
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil && n >= 0 {
			return n
		}
		return 0
	default:
		return 0
	}
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	if next < 0 {
		next = 0
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber is a RabbitMQ subscriber instance.
type Subscriber struct {
	amqpURL  string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	prefetch int

	// opMu serializes amqp operations on s.channel since amqp.Channel is not safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}

	// Observability signals (best-effort).
	connected      atomic.Bool
	lastConnectNs  atomic.Int64
	lastDeliveryNs atomic.Int64
	lastError      atomic.Value // string
}

// NewSubscriber creates a new RabbitMQ subscriber instance.
func NewSubscriber(amqpURL, exchangeName, queueName string, prefetchCount int) (*Subscriber, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		prefetch: prefetchCount,
		done:     make(chan struct{}),
	}

	// Establish initial connection so callers fail fast if RabbitMQ is unreachable.
	s.opMu.Lock()
	err := s.reconnectLocked(ctx)
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Subscriber) setLastError(err error) {
	if err == nil {
		s.lastError.Store("")
		return
	}
	s.lastError.Store(err.Error())
}

// reconnectLocked tears down any existing channel/connection and recreates them.
// Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked(ctx context.Context) error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		s.connected.Store(false)
		metrics.RabbitMQConnected.Set(0)
		s.setLastError(err)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.connected.Store(false)
		metrics.RabbitMQConnected.Set(0)
		s.setLastError(err)
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		s.exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.connected.Store(false)
		metrics.RabbitMQConnected.Set(0)
		s.setLastError(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		s.queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.connected.Store(false)
		metrics.RabbitMQConnected.Set(0)
		s.setLastError(err)
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	select {
	case <-ctx.Done():
		_ = ch.Close()
		_ = conn.Close()
		s.connected.Store(false)
		metrics.RabbitMQConnected.Set(0)
		return fmt.Errorf("context timeout while connecting subscriber: %w", ctx.Err())
	default:
	}

	s.conn = conn
	s.channel = ch
	s.connected.Store(true)
	metrics.RabbitMQConnected.Set(1)

	now := time.Now().UnixNano()
	s.lastConnectNs.Store(now)
	metrics.RabbitMQLastConnectSeconds.Set(float64(time.Unix(0, now).Unix()))

	s.setLastError(nil)
	return nil
}

// handleDelivery runs one delivery through its callback and settles it.
// Transient failures are republished to the retry exchange with a bumped
// retry-count header, then the original is acked, so a poisoned message
// cannot spin in a tight requeue loop.
func (s *Subscriber) handleDelivery(workerID, maxRetries int, callbacks map[string]CallbackFunc, delivery amqp.Delivery) {
	startedAt := time.Now()
	s.lastDeliveryNs.Store(startedAt.UnixNano())
	metrics.RabbitMQLastDeliverySeconds.Set(float64(startedAt.Unix()))

	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	logCtx := log.WithFields(log.Fields{
		"worker_id":    workerID,
		"exchange":     delivery.Exchange,
		"queue":        s.queue,
		"routing_key":  delivery.RoutingKey,
		"delivery_tag": delivery.DeliveryTag,
	})
	logCtx.Debug("rabbitmq worker start")

	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		s.opMu.Lock()
		nackErr := delivery.Nack(false, false)
		s.opMu.Unlock()
		if nackErr != nil {
			metrics.NackErrorTotal.Inc()
		}
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		metrics.ProcessingDurationSeconds.WithLabelValues("permanent_error").Observe(time.Since(startedAt).Seconds())
		logCtx.Warn("no callback for routing key, dropping message")
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Exchange:    delivery.Exchange,
		ContentType: delivery.ContentType,
		Timestamp:   delivery.Timestamp,
		DeliveryTag: delivery.DeliveryTag,
	}

	var callbackErr error
	panicVal := any(nil)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		callbackErr = callback(msg)
	}()

	durationSec := func() float64 { return time.Since(startedAt).Seconds() }

	if panicVal != nil {
		// Treat panics as permanent: the message would panic again on redelivery.
		s.opMu.Lock()
		nackErr := delivery.Nack(false, false)
		s.opMu.Unlock()
		if nackErr != nil {
			metrics.NackErrorTotal.Inc()
		}
		metrics.ProcessedTotal.WithLabelValues("panic").Inc()
		metrics.ProcessingDurationSeconds.WithLabelValues("panic").Observe(durationSec())
		logCtx.WithField("panic", fmt.Sprintf("%v", panicVal)).Error("rabbitmq callback panicked")
		return
	}

	if callbackErr == nil {
		s.opMu.Lock()
		ackErr := delivery.Ack(false)
		s.opMu.Unlock()
		if ackErr != nil {
			metrics.AckErrorTotal.Inc()
		}
		metrics.ProcessedTotal.WithLabelValues("success").Inc()
		metrics.ProcessingDurationSeconds.WithLabelValues("success").Observe(durationSec())
		logCtx.Debug("rabbitmq worker finish")
		return
	}

	if isPermanent(callbackErr) {
		s.opMu.Lock()
		nackErr := delivery.Nack(false, false)
		s.opMu.Unlock()
		if nackErr != nil {
			metrics.NackErrorTotal.Inc()
		}
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		metrics.ProcessingDurationSeconds.WithLabelValues("permanent_error").Observe(durationSec())
		logCtx.WithError(callbackErr).Warn("permanent failure, message dropped")
		return
	}

	// Transient failure.
	metrics.ProcessedTotal.WithLabelValues("transient_error").Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues("transient_error").Observe(durationSec())

	attempts := retryCountFromHeaders(delivery.Headers)
	if attempts >= maxRetries {
		s.opMu.Lock()
		nackErr := delivery.Nack(false, false)
		s.opMu.Unlock()
		if nackErr != nil {
			metrics.NackErrorTotal.Inc()
		}
		logCtx.WithError(callbackErr).WithField("attempts", attempts).Warn("retry budget exhausted, message dropped")
		return
	}

	retryExchange := rabbitMQRetryExchange(s.queue)
	pub := amqp.Publishing{
		Headers:      withRetryCountHeader(delivery.Headers, attempts+1),
		ContentType:  delivery.ContentType,
		Body:         delivery.Body,
		DeliveryMode: delivery.DeliveryMode,
		Timestamp:    delivery.Timestamp,
	}

	s.opMu.Lock()
	publishErr := s.channel.Publish(retryExchange, delivery.RoutingKey, false, false, pub)
	if publishErr == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			metrics.AckErrorTotal.Inc()
		}
	} else {
		metrics.RetryPublishErrorTotal.Inc()
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			metrics.NackErrorTotal.Inc()
		}
	}
	s.opMu.Unlock()

	logCtx.WithError(callbackErr).WithFields(log.Fields{
		"retry_exchange": retryExchange,
		"attempt":        attempts + 1,
	}).Info("transient failure, message scheduled for retry")
	if publishErr != nil {
		logCtx.WithError(publishErr).Error("retry publish failed, message requeued")
	}
}

// Start begins consuming messages and dispatching them to the routing key callbacks.
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) error {
	var startErr error
	s.startOnce.Do(func() {
		workers := rabbitMQConcurrency()
		if s.prefetch > 0 && workers > s.prefetch {
			workers = s.prefetch
		}

		jobs := make(chan amqp.Delivery, workers)
		maxRetries := rabbitMQMaxRetries()

		// Worker pool: bounded concurrency, ack/nack happens after processing completes.
		for i := 0; i < workers; i++ {
			workerID := i + 1
			go func() {
				for delivery := range jobs {
					s.handleDelivery(workerID, maxRetries, routingKeyCallbacks, delivery)
				}
			}()
		}

		// Consume loop: if the broker restarts, the consumer channel closes; we reconnect and resume.
		go func() {
			backoff := 1 * time.Second
			for {
				select {
				case <-s.done:
					close(jobs)
					return
				default:
				}

				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				s.opMu.Lock()
				if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
					if err := s.reconnectLocked(ctx); err != nil {
						s.opMu.Unlock()
						cancel()
						log.WithError(err).WithField("queue", s.queue).Error("rabbitmq reconnect failed")
						time.Sleep(backoff)
						if backoff < 30*time.Second {
							backoff *= 2
						}
						continue
					}
				}

				// Re-apply QoS and bindings on each (re)connect.
				if err := s.channel.Qos(workers, 0, false); err != nil {
					s.connected.Store(false)
					metrics.RabbitMQConnected.Set(0)
					s.setLastError(err)
					s.opMu.Unlock()
					cancel()
					log.WithError(err).WithField("queue", s.queue).Error("rabbitmq qos failed")
					time.Sleep(backoff)
					if backoff < 30*time.Second {
						backoff *= 2
					}
					continue
				}

				bindFailed := false
				for routingKey := range routingKeyCallbacks {
					if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
						s.connected.Store(false)
						metrics.RabbitMQConnected.Set(0)
						s.setLastError(err)
						log.WithError(err).WithFields(log.Fields{
							"queue":       s.queue,
							"exchange":    s.exchange,
							"routing_key": routingKey,
						}).Error("rabbitmq bind failed")
						bindFailed = true
						break
					}
				}
				if bindFailed {
					s.opMu.Unlock()
					cancel()
					time.Sleep(backoff)
					if backoff < 30*time.Second {
						backoff *= 2
					}
					continue
				}

				msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
				s.opMu.Unlock()
				cancel()
				if err != nil {
					s.connected.Store(false)
					metrics.RabbitMQConnected.Set(0)
					s.setLastError(err)
					log.WithError(err).WithField("queue", s.queue).Error("rabbitmq consume failed")
					time.Sleep(backoff)
					if backoff < 30*time.Second {
						backoff *= 2
					}
					continue
				}

				log.WithFields(log.Fields{
					"exchange": s.exchange,
					"queue":    s.queue,
					"workers":  workers,
				}).Info("rabbitmq consuming")
				backoff = 1 * time.Second

				consume := func() bool {
					for {
						select {
						case <-s.done:
							close(jobs)
							return false
						case delivery, ok := <-msgs:
							if !ok {
								s.connected.Store(false)
								metrics.RabbitMQConnected.Set(0)
								log.WithFields(log.Fields{
									"queue":    s.queue,
									"exchange": s.exchange,
								}).Warn("rabbitmq delivery channel closed, reconnecting")
								return true
							}
							jobs <- delivery
						}
					}
				}
				if !consume() {
					return
				}
				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}()
	})
	return startErr
}

// UnmarshalTo unmarshals the message body into the provided interface.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Close closes the subscriber connection and channel.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}

	var err error
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			log.WithError(channelErr).Error("failed to close channel")
			err = channelErr
		}
		s.channel = nil
	}

	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil {
			log.WithError(connErr).Error("failed to close connection")
			if err == nil {
				err = connErr
			}
		}
		s.conn = nil
	}

	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	return err
}

// IsConnected indicates if the subscriber is currently connected (best-effort).
func (s *Subscriber) IsConnected() bool {
	if s.conn == nil || s.channel == nil {
		return false
	}
	if s.conn.IsClosed() {
		return false
	}
	return s.connected.Load()
}

// LastConnectAt returns the last time we successfully (re)connected.
func (s *Subscriber) LastConnectAt() time.Time {
	ns := s.lastConnectNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastDeliveryAt returns the last time we observed a delivery.
func (s *Subscriber) LastDeliveryAt() time.Time {
	ns := s.lastDeliveryNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError returns the last connection/consumption error string (best-effort).
func (s *Subscriber) LastError() string {
	v := s.lastError.Load()
	if v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return ""
}

// GetExchange returns the exchange name.
func (s *Subscriber) GetExchange() string { return s.exchange }

// GetQueue returns the queue name.
func (s *Subscriber) GetQueue() string { return s.queue }
