package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	conn             *Connection
	queue            string
	dlqQueue         string
	exchange         string
	routingKey       string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler

	minBackoff  time.Duration
	maxBackoff  time.Duration
	resubscribe func(ctx context.Context) (<-chan amqp.Delivery, error)

	mu      sync.Mutex
	channel *amqp.Channel
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer creates a new RabbitMQ consumer; topology is declared by Start
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.MessageProcessor == nil {
		return nil, errors.New("message processor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Consumer{
		conn:             cfg.Connection,
		queue:            cfg.Queue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
		minBackoff:       time.Second,
		maxBackoff:       30 * time.Second,
	}
	c.resubscribe = c.redial
	return c, nil
}

func (c *Consumer) setup() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(c.prefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		c.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare DLQ first so rejected readings always have somewhere to go
	_, err = ch.QueueDeclare(
		c.dlqQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.dlqQueue,
	}
	_, err = ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = ch.QueueBind(
		c.queue,
		c.routingKey,
		c.exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return ch, nil
}

// subscribe declares topology on a fresh channel and starts consuming
func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.setup()
	if err != nil {
		return nil, nil, err
	}

	msgs, err := ch.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return ch, msgs, nil
}

// Start declares topology and starts consuming on one goroutine
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("consumer already closed")
	}
	if c.started {
		return errors.New("consumer already started")
	}

	ch, msgs, err := c.subscribe()
	if err != nil {
		return err
	}

	c.channel = ch
	c.launch(msgs)

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)
	return nil
}

// launch must be called with c.mu held
func (c *Consumer) launch(msgs <-chan amqp.Delivery) {
	runCtx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, msgs, c.done)
}

// run consumes until Close. A closed delivery channel means the broker
// connection or channel went away; the loop resubscribes with backoff.
func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed, resubscribing")
				msgs = c.resubscribeWithBackoff(ctx)
				if msgs == nil {
					return
				}
				continue
			}
			c.processMessage(ctx, msg)
		}
	}
}

// resubscribeWithBackoff retries c.resubscribe until it succeeds or ctx is
// cancelled, in which case it returns nil.
func (c *Consumer) resubscribeWithBackoff(ctx context.Context) <-chan amqp.Delivery {
	delay := c.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		msgs, err := c.resubscribe(ctx)
		if err == nil {
			c.logger.Info("consumer resubscribed", zap.String("queue", c.queue), zap.Int("attempt", attempt))
			return msgs
		}
		c.logger.Error("failed to resubscribe", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// redial reconnects if needed and swaps in a new channel
func (c *Consumer) redial(ctx context.Context) (<-chan amqp.Delivery, error) {
	if c.conn == nil {
		return nil, errors.New("consumer has no connection")
	}

	ch, msgs, err := c.subscribe()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	old := c.channel
	c.channel = ch
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msgs, nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while processing message", zap.Any("panic", r))
			if nackErr := msg.Nack(false, false); nackErr != nil {
				c.logger.Error("failed to NACK message", zap.Error(nackErr))
			}
		}
	}()

	c.logger.Debug("received message from queue",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Int("body_size", len(msg.Body)),
	)

	// Process message with message processor
	err := c.messageProcessor(ctx, msg.Body)
	if ctx.Err() != nil {
		// Shutdown interrupted processing; requeue for the next consumer
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to requeue message", zap.Error(nackErr))
		}
		return
	}
	if err != nil {
		c.logger.Error("failed to process message, dead-lettering",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	// ACK message after successful processing
	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close stops the consume loop, waits for it and closes channel and connection
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// The loop may have swapped the channel while resubscribing
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("failed to close consumer channel", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("consumer stopped")
	return errors.Join(errs...)
}
