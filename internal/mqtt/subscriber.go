package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

const (
	defaultBuffer         = 64
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250
)

// SubscriberConfig holds subscriber configuration
type SubscriberConfig struct {
	BrokerURL        string
	Topic            string
	QoS              byte
	ClientID         string
	Buffer           int
	ConnectTimeout   time.Duration
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// Subscriber consumes sensor readings from one MQTT topic. Messages are
// handed from the paho callback to a single processing goroutine.
type Subscriber struct {
	cfg    SubscriberConfig
	logger *zap.Logger
	client paho.Client
	msgs   chan paho.Message

	mu      sync.Mutex
	started bool
	closed  bool
	stopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSubscriber creates a new MQTT subscriber; nothing connects until Start
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.MessageProcessor == nil {
		return nil, errors.New("mqtt message processor is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt client id is required for a persistent session")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Subscriber{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("topic", cfg.Topic)),
		msgs:   make(chan paho.Message, cfg.Buffer),
	}, nil
}

// Start launches the processing goroutine and connects to the broker.
// Reconnects and resubscription are left to the paho client.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.startLoop(); err != nil {
		return err
	}

	opts := s.clientOptions()
	opts.SetOnConnectHandler(func(c paho.Client) {
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.logger.Error("mqtt subscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", zap.Error(err))
			return
		}
		s.logger.Info("mqtt connected and subscribed",
			zap.String("broker", s.cfg.BrokerURL),
			zap.Uint8("qos", s.cfg.QoS),
		)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	})

	client := paho.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.logger.Info("connecting to mqtt broker", zap.String("broker", s.cfg.BrokerURL))

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	case <-time.After(s.cfg.ConnectTimeout):
		s.logger.Warn("mqtt broker not reachable yet, retrying in background",
			zap.Duration("waited", s.cfg.ConnectTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// clientOptions keeps a persistent session under a stable client id so the
// broker holds unacked QoS 1/2 messages across reconnects and restarts.
// Handlers run unordered: onMessage only enqueues, and a blocked router would
// also stall keepalive traffic. The number of parked handlers is bounded by
// the broker's in-flight window.
func (s *Subscriber) clientOptions() *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetAutoAckDisabled(true)
}

func (s *Subscriber) startLoop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("mqtt subscriber already closed")
	}
	if s.started {
		return errors.New("mqtt subscriber already started")
	}
	s.started = true
	s.stopCtx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.run(s.stopCtx, s.done)
	return nil
}

// onMessage blocks while the buffer is full, which pushes back on the broker.
func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	select {
	case s.msgs <- msg:
	case <-s.stopCtx.Done():
	}
}

func (s *Subscriber) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mqtt subscriber stop signalled, exiting loop")
			return
		case msg := <-s.msgs:
			s.processMessage(ctx, msg)
		}
	}
}

func (s *Subscriber) processMessage(ctx context.Context, msg paho.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing mqtt message", zap.Any("panic", r))
			msg.Ack()
		}
	}()

	s.logger.Debug("received message from topic",
		zap.Uint16("message_id", msg.MessageID()),
		zap.Bool("duplicate", msg.Duplicate()),
		zap.Int("body_size", len(msg.Payload())),
	)

	err := s.cfg.MessageProcessor(ctx, msg.Payload())
	if ctx.Err() != nil {
		// Interrupted by shutdown; leave unacked so the broker can redeliver.
		return
	}
	if err != nil {
		s.logger.Error("failed to process message, dropping",
			zap.Error(err),
			zap.Uint16("message_id", msg.MessageID()),
		)
	}
	msg.Ack()
}

// Close signals the processing goroutine, waits for it to exit and then
// disconnects from the broker. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done, client := s.cancel, s.done, s.client
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if client != nil {
		client.Disconnect(disconnectQuiesceMS)
		s.logger.Info("mqtt disconnected")
	}
	return nil
}
