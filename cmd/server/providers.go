package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/api"
	"github.com/septivank/lifeline-telemetry/internal/config"
	"github.com/septivank/lifeline-telemetry/internal/detector"
	"github.com/septivank/lifeline-telemetry/internal/mq"
	"github.com/septivank/lifeline-telemetry/internal/mqtt"
	"github.com/septivank/lifeline-telemetry/internal/repository"
	"github.com/septivank/lifeline-telemetry/internal/service"
	"github.com/septivank/lifeline-telemetry/internal/supervisor"
)

// ProvideRepository creates the store; the supervisor opens it
func ProvideRepository(cfg *config.Config, logger *zap.Logger) *repository.Repository {
	return repository.NewRepository(cfg.Database, logger)
}

// ProvideDetector creates the accident detector from configured thresholds
func ProvideDetector(cfg *config.Config) *detector.Detector {
	return detector.NewDetector(cfg.Detection.ImpactThreshold, cfg.Detection.TiltThreshold)
}

// ProvideIngestService creates the pipeline shared by HTTP and the feed
func ProvideIngestService(repo *repository.Repository, det *detector.Detector, logger *zap.Logger) *service.IngestService {
	return service.NewIngestService(repo, det, logger)
}

// ProvideFeed builds the subscriber for the configured transport
func ProvideFeed(cfg *config.Config, ingest *service.IngestService, logger *zap.Logger) (supervisor.Feed, error) {
	switch cfg.Feed.Transport {
	case config.FeedTransportAMQP:
		return mq.NewConsumer(mq.ConsumerConfig{
			Connection:       mq.NewConnection(logger, cfg.RabbitMQ.URL),
			Queue:            cfg.RabbitMQ.Queue,
			DLQQueue:         cfg.RabbitMQ.DLQQueue,
			Exchange:         cfg.RabbitMQ.Exchange,
			RoutingKey:       cfg.RabbitMQ.RoutingKey,
			PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
			Logger:           logger.With(zap.String("feed", "amqp")),
			MessageProcessor: ingest.ProcessMessage,
		})
	case config.FeedTransportMQTT:
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = defaultClientID(cfg.ServiceName)
		}
		return mqtt.NewSubscriber(mqtt.SubscriberConfig{
			BrokerURL:        cfg.MQTT.BrokerURL(),
			Topic:            cfg.MQTT.Topic,
			QoS:              cfg.MQTT.QoS,
			ClientID:         clientID,
			Logger:           logger.With(zap.String("feed", "mqtt")),
			MessageProcessor: ingest.ProcessMessage,
		})
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
}

// defaultClientID must stay the same across restarts so the broker resumes
// the persistent session; the hostname is stable per replica.
func defaultClientID(serviceName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return serviceName
	}
	return fmt.Sprintf("%s-%s", serviceName, host)
}

// ProvideSupervisor creates the lifecycle owner of the store and the feed
func ProvideSupervisor(repo *repository.Repository, feed supervisor.Feed, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(repo, feed, logger)
}

// ProvideHandler creates the HTTP handlers
func ProvideHandler(cfg *config.Config, ingest *service.IngestService, repo *repository.Repository, logger *zap.Logger) *api.Handler {
	return api.NewHandler(ingest, repo, cfg.ServiceName, cfg.ServiceVersion, logger)
}

// ProvideHTTPServer creates the HTTP server with routes and CORS
func ProvideHTTPServer(cfg *config.Config, h *api.Handler, logger *zap.Logger) *api.Server {
	router := api.NewRouter(h, cfg.AllowedOrigins, logger)
	return api.NewServer(fmt.Sprintf(":%d", cfg.HTTPPort), router, logger)
}

// registerLifecycle starts the supervisor before the HTTP server and, since
// fx stops hooks in reverse, stops the HTTP server first.
func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, sup *supervisor.Supervisor, srv *api.Server, logger *zap.Logger) {
	supervisor.Register(lc, sup)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server",
				zap.Int("port", cfg.HTTPPort),
				zap.String("feed", cfg.Feed.Transport))
			return srv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
