package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"hashrelay/internal/broker"
	"hashrelay/internal/broker/kafka"
	"hashrelay/internal/broker/rabbitmq"
	"hashrelay/internal/config"
	"hashrelay/internal/pipeline"
	"hashrelay/internal/storage"
	"hashrelay/internal/storage/postgres"
	"hashrelay/internal/storage/sqlite"
)

// App owns the process-wide resources: the store pool, the broker channel
// pool and the pipeline built on them. It is created once at startup and
// closed once on shutdown.
type App struct {
	Store    storage.Pool
	Channels broker.ChannelPool
	Pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("store pool ready", slog.String("driver", cfg.Store.Driver), slog.Int("size", cfg.Store.PoolSize))

	channels, err := OpenBroker(ctx, cfg.Broker, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("broker channel pool ready", slog.String("kind", cfg.Broker.Kind), slog.Int("size", cfg.Broker.Channels))

	return assemble(store, channels, cfg.Broker, logger), nil
}

func assemble(store storage.Pool, channels broker.ChannelPool, cfg config.BrokerConfig, logger *slog.Logger) *App {
	return &App{
		Store:    store,
		Channels: channels,
		Pipeline: pipeline.New(store, channels, pipeline.Config{Exchange: cfg.Exchange, RoutingKey: cfg.RoutingKey}),
		logger:   logger,
	}
}

func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Pool, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             cfg.DSN,
			PoolSize:        cfg.PoolSize,
			AcquireTimeout:  cfg.AcquireTimeout,
			HealthCheck:     cfg.HealthCheck,
			ApplicationName: "hashrelay",
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.NewStore(ctx, sqlite.Config{
			DSN:            cfg.DSN,
			PoolSize:       cfg.PoolSize,
			AcquireTimeout: cfg.AcquireTimeout,
			HealthCheck:    cfg.HealthCheck,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func OpenBroker(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (broker.ChannelPool, error) {
	switch cfg.Kind {
	case "rabbitmq":
		p, err := rabbitmq.Dial(rabbitmq.Config{
			URL:             cfg.URL,
			ConnectionName:  cfg.ConnectionName,
			Exchange:        cfg.Exchange,
			ExchangeType:    cfg.ExchangeType,
			DeclareExchange: cfg.DeclareExchange,
			Channels:        cfg.Channels,
			AcquireTimeout:  cfg.AcquireTimeout,
			ConfirmTimeout:  cfg.ConfirmTimeout,
			TLS: rabbitmq.TLSConfig{
				Enabled:            cfg.TLS.Enabled,
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
				ServerName:         cfg.TLS.ServerName,
				CAFile:             cfg.TLS.CAFile,
				CertFile:           cfg.TLS.CertFile,
				KeyFile:            cfg.TLS.KeyFile,
			},
			Auth: rabbitmq.AuthConfig{Username: cfg.Auth.Username, Password: cfg.Auth.Password},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open rabbitmq channel pool: %w", err)
		}
		return p, nil
	case "kafka":
		p, err := kafka.Dial(ctx, kafka.Config{
			Brokers:        cfg.Brokers,
			ClientID:       cfg.ConnectionName,
			Channels:       cfg.Channels,
			AcquireTimeout: cfg.AcquireTimeout,
			ConfirmTimeout: cfg.ConfirmTimeout,
			Auth: kafka.AuthConfig{
				SASL: kafka.SASLConfig{
					Enabled:  cfg.Auth.Username != "",
					Username: cfg.Auth.Username,
					Password: cfg.Auth.Password,
				},
				TLS: kafka.TLSConfig{
					Enabled:            cfg.TLS.Enabled,
					InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
					ServerName:         cfg.TLS.ServerName,
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open kafka producer pool: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}

// Close waits for outstanding leases, then tears down the broker before the
// store.
func (a *App) Close() error {
	var errs []error
	if a.Channels != nil {
		if err := a.Channels.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("shutdown finished with errors", slog.Any("error", err))
	}
	return err
}
