package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeMessage struct {
	id      uint16
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "lifeline/iot/data" }
func (m *fakeMessage) MessageID() uint16 { return m.id }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked.Store(true) }

type recorder struct {
	mu     sync.Mutex
	bodies []string
	seen   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 16)}
}

func (r *recorder) handle(fail func(string) error) MessageHandler {
	return func(_ context.Context, body []byte) error {
		r.mu.Lock()
		r.bodies = append(r.bodies, string(body))
		r.mu.Unlock()
		defer func() { r.seen <- struct{}{} }()
		if fail != nil {
			return fail(string(body))
		}
		return nil
	}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for message %d", i+1)
		}
	}
}

func waitAcked(t *testing.T, msgs ...*fakeMessage) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, m := range msgs {
		for !m.acked.Load() {
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for ack of message %d", m.id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newTestSubscriber(t *testing.T, handler MessageHandler) *Subscriber {
	t.Helper()

	s, err := NewSubscriber(SubscriberConfig{
		BrokerURL:        "tcp://127.0.0.1:1883",
		Topic:            "lifeline/iot/data",
		QoS:              1,
		ClientID:         "lifeline-telemetry-test",
		Logger:           zaptest.NewLogger(t),
		MessageProcessor: handler,
	})
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	if err := s.startLoop(); err != nil {
		t.Fatalf("startLoop failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSubscriber_RequiresTopicAndProcessor(t *testing.T) {
	if _, err := NewSubscriber(SubscriberConfig{MessageProcessor: func(context.Context, []byte) error { return nil }}); err == nil {
		t.Error("Expected error for missing topic")
	}
	if _, err := NewSubscriber(SubscriberConfig{Topic: "t"}); err == nil {
		t.Error("Expected error for missing processor")
	}
	noop := func(context.Context, []byte) error { return nil }
	if _, err := NewSubscriber(SubscriberConfig{Topic: "t", MessageProcessor: noop}); err == nil {
		t.Error("Expected error for missing client id")
	}
}

func TestSubscriber_ClientOptionsKeepSession(t *testing.T) {
	s := newTestSubscriber(t, func(context.Context, []byte) error { return nil })

	opts := s.clientOptions()
	if opts.CleanSession {
		t.Error("Expected persistent session so unacked messages survive reconnects")
	}
	if opts.ClientID != "lifeline-telemetry-test" {
		t.Errorf("Expected configured client id, got %q", opts.ClientID)
	}
	if !opts.AutoAckDisabled {
		t.Error("Expected manual acknowledgement")
	}
	if opts.Order {
		t.Error("Expected unordered handlers so a full buffer does not block the router")
	}
}

func TestSubscriber_ProcessesAndAcks(t *testing.T) {
	rec := newRecorder()
	s := newTestSubscriber(t, rec.handle(nil))

	msg := &fakeMessage{id: 1, payload: []byte(`{"device_id":"a"}`)}
	s.onMessage(nil, msg)
	rec.wait(t, 1)
	waitAcked(t, msg)

	if len(rec.bodies) != 1 || rec.bodies[0] != `{"device_id":"a"}` {
		t.Errorf("Unexpected bodies %v", rec.bodies)
	}
}

func TestSubscriber_FailureDoesNotStopLoop(t *testing.T) {
	rec := newRecorder()
	s := newTestSubscriber(t, rec.handle(func(body string) error {
		if body == "bad" {
			return errors.New("invalid body: malformed JSON")
		}
		return nil
	}))

	bad := &fakeMessage{id: 1, payload: []byte("bad")}
	good := &fakeMessage{id: 2, payload: []byte("good")}
	s.onMessage(nil, bad)
	s.onMessage(nil, good)
	rec.wait(t, 2)

	// failed message is acked and dropped, the next one still goes through
	waitAcked(t, bad, good)
}

func TestSubscriber_PanicIsContained(t *testing.T) {
	rec := newRecorder()
	s := newTestSubscriber(t, rec.handle(func(body string) error {
		if body == "boom" {
			panic("unexpected")
		}
		return nil
	}))

	s.onMessage(nil, &fakeMessage{id: 1, payload: []byte("boom")})
	after := &fakeMessage{id: 2, payload: []byte("fine")}
	s.onMessage(nil, after)
	rec.wait(t, 2)

	waitAcked(t, after)
}

func TestSubscriber_CloseIsIdempotentAndStopsLoop(t *testing.T) {
	s := newTestSubscriber(t, newRecorder().handle(nil))

	done := s.done
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Expected processing goroutine to have exited")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if err := s.startLoop(); err == nil {
		t.Error("Expected start after close to fail")
	}
}

func TestSubscriber_CloseUnblocksFullBuffer(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	s, err := NewSubscriber(SubscriberConfig{
		Topic:  "lifeline/iot/data",
		Buffer: 1,
		Logger: zaptest.NewLogger(t),
		MessageProcessor: func(ctx context.Context, _ []byte) error {
			entered <- struct{}{}
			select {
			case <-block:
			case <-ctx.Done():
			}
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	if err := s.startLoop(); err != nil {
		t.Fatalf("startLoop failed: %v", err)
	}

	inflight := &fakeMessage{id: 1}
	s.onMessage(nil, inflight)
	<-entered
	s.onMessage(nil, &fakeMessage{id: 2})

	returned := make(chan struct{})
	go func() {
		s.onMessage(nil, &fakeMessage{id: 3})
		close(returned)
	}()

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Blocked callback was not released by Close")
	}
	if inflight.acked.Load() {
		t.Error("Expected message interrupted by shutdown to stay unacked")
	}
	close(block)
}
