package cmd

import (
	"github.com/concilia-dev/concilia/cmd/concilia/config"
	"github.com/concilia-dev/concilia/internal/events"
	"github.com/concilia-dev/concilia/internal/matcher"
	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/reconciler"
	"github.com/concilia-dev/concilia/internal/similarity"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/internal/storage/memory"
	"github.com/concilia-dev/concilia/internal/storage/postgres"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// buildStore creates the configured store backend
func buildStore(cfg *config.Config, log logger.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := postgres.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db, log), nil
	default:
		return memory.NewStore(), nil
	}
}

// buildSimilarity creates the description similarity provider. The HTTP
// provider is wrapped in a circuit breaker so an unhealthy service degrades
// scoring instead of stalling runs.
func buildSimilarity(cfg *config.Config, log logger.Logger) (matcher.SimilarityProvider, error) {
	if cfg.Similarity.Provider != "http" {
		return similarity.NewLevenshteinProvider(), nil
	}

	provider, err := similarity.NewHTTPProvider(&similarity.HTTPProviderConfig{
		BaseURL: cfg.Similarity.BaseURL,
		APIKey:  cfg.Similarity.APIKey,
		Timeout: cfg.Similarity.Timeout,
	})
	if err != nil {
		return nil, err
	}

	return similarity.NewBreaker(provider, &similarity.BreakerConfig{
		FailureThreshold: cfg.Similarity.FailureThreshold,
		Cooldown:         cfg.Similarity.Cooldown,
	}, log), nil
}

// buildPublisher creates the decision event publisher
func buildPublisher(cfg *config.Config, log logger.Logger) events.Publisher {
	if !cfg.Events.Enabled {
		return events.NopPublisher{}
	}
	return events.NewKafkaPublisher(&events.KafkaConfig{
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
	}, log)
}

// buildEngine wires the store, similarity provider, publisher and metrics
// into a decision engine
func buildEngine(cfg *config.Config, store storage.Store, m *metrics.Metrics, log logger.Logger) (*reconciler.Engine, events.Publisher, error) {
	provider, err := buildSimilarity(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	publisher := buildPublisher(cfg, log)

	engine := reconciler.New(store, reconciler.Config{
		Similarity:    provider,
		Publisher:     publisher,
		Metrics:       m,
		Logger:        log,
		RetryAttempts: cfg.Engine.RetryAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff,
	})
	return engine, publisher, nil
}

// closeQuietly closes a publisher, logging instead of failing the command
func closeQuietly(publisher events.Publisher, log logger.Logger) {
	if err := publisher.Close(); err != nil {
		log.WithError(err).Warn("Event publisher close failed")
	}
}
