package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store is the part of the repository the supervisor owns
type Store interface {
	Open(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Close()
}

// Feed is a running subscriber on the publish/subscribe transport
type Feed interface {
	Start(ctx context.Context) error
	Close() error
}

// Supervisor starts the store and the feed in order and tears them down in reverse
type Supervisor struct {
	store  Store
	feed   Feed
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	startErr error
	stopped  bool
}

// New creates a supervisor for the given store and feed
func New(store Store, feed Feed, logger *zap.Logger) *Supervisor {
	return &Supervisor{store: store, feed: feed, logger: logger}
}

// Start opens the store, ensures the schema and starts the feed. It runs at
// most once; later calls return the outcome of the first.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return s.startErr
	}
	if s.stopped {
		return errors.New("supervisor already stopped")
	}
	s.started = true
	s.startErr = s.start(ctx)
	return s.startErr
}

func (s *Supervisor) start(ctx context.Context) error {
	if err := s.store.Open(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := s.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := s.feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feed: %w", err)
	}

	s.logger.Info("pipeline started")
	return nil
}

// Stop closes the feed and then the store. Safe after a partial Start and
// safe to call more than once.
func (s *Supervisor) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var err error
	if ferr := s.feed.Close(); ferr != nil {
		s.logger.Error("failed to close feed", zap.Error(ferr))
		err = fmt.Errorf("failed to close feed: %w", ferr)
	}
	s.store.Close()

	s.logger.Info("pipeline stopped")
	return err
}

// Register ties the supervisor to the fx lifecycle. A failed start is rolled
// back before the error is returned.
func Register(lc fx.Lifecycle, s *Supervisor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.Start(ctx); err != nil {
				if stopErr := s.Stop(ctx); stopErr != nil {
					return errors.Join(err, stopErr)
				}
				return err
			}
			return nil
		},
		OnStop: s.Stop,
	})
}
