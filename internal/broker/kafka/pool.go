package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"hashrelay/internal/broker"
	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
)

type Config struct {
	Brokers        []string
	ClientID       string
	Channels       int
	AcquireTimeout time.Duration
	ConfirmTimeout time.Duration
	Auth           AuthConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

type produceFunc func(ctx context.Context, rec *kgo.Record) error

// Pool leases producer handles over a single franz-go client. The client is
// safe for concurrent use; the pool bounds how many publishes are in flight,
// matching the channel pool of the AMQP backend.
type Pool struct {
	cfg     Config
	client  *kgo.Client
	handles *pool.Pool[produceFunc]
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers is required")
	}
	if c.Channels < 1 {
		return errors.New("kafka channels must be >= 1")
	}
	if c.AcquireTimeout <= 0 {
		return errors.New("kafka acquire_timeout must be > 0")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("kafka confirm_timeout must be > 0")
	}
	return nil
}

func Dial(ctx context.Context, cfg Config, opts ...kgo.Opt) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify, ServerName: cfg.Auth.TLS.ServerName}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	produce := func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	handles := make([]produceFunc, cfg.Channels)
	for i := range handles {
		handles[i] = produce
	}
	return &Pool{cfg: cfg, client: cl, handles: pool.New(handles, cfg.AcquireTimeout)}, nil
}

func (p *Pool) Acquire(ctx context.Context) (broker.Channel, error) {
	lease, err := p.handles.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", domain.ErrBrokerPoolExhausted, err)
		}
		return nil, err
	}
	return &producer{lease: lease, timeout: p.cfg.ConfirmTimeout}, nil
}

func (p *Pool) Stats() pool.Stats { return p.handles.Stats() }

func (p *Pool) Healthy() bool { return p.client != nil }

func (p *Pool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout+p.cfg.AcquireTimeout)
	defer cancel()
	err := p.handles.Close(ctx, nil)
	if p.client != nil {
		p.client.Close()
	}
	return err
}

type producer struct {
	lease   *pool.Lease[produceFunc]
	timeout time.Duration
}

// Publish maps the exchange to a topic and the routing key to the record
// key, and waits until the broker acknowledged the record.
func (p *producer) Publish(ctx context.Context, msg broker.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rec := &kgo.Record{Topic: msg.Exchange, Key: []byte(msg.RoutingKey), Value: msg.Body}
	if msg.ContentType != "" {
		rec.Headers = []kgo.RecordHeader{{Key: "content-type", Value: []byte(msg.ContentType)}}
	}
	if err := p.lease.Value()(ctx, rec); err != nil {
		return fmt.Errorf("%w: produce %s: %w", domain.ErrBrokerPublish, msg.Exchange, err)
	}
	return nil
}

func (p *producer) Release() { p.lease.Release() }
