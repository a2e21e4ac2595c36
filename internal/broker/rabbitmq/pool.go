package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"hashrelay/internal/broker"
	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
)

type Config struct {
	URL             string
	ConnectionName  string
	Exchange        string
	ExchangeType    string
	DeclareExchange bool
	Channels        int
	AcquireTimeout  time.Duration
	ConfirmTimeout  time.Duration
	TLS             TLSConfig
	Auth            AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

// publisher is the part of an AMQP channel the pool needs.
type publisher interface {
	publish(ctx context.Context, msg broker.Message) error
	isClosed() bool
	close() error
}

// Pool fans one AMQP connection out into a fixed number of confirm-mode
// channels. A channel the broker closed is reopened on its next lease; a lost
// connection is not redialed.
type Pool struct {
	cfg      Config
	conn     *amqp091.Connection
	open     func() (publisher, error)
	channels *pool.Pool[publisher]
	logger   *slog.Logger
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Channels < 1 {
		return fmt.Errorf("rabbitmq channels must be >= 1")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("rabbitmq acquire_timeout must be > 0")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("rabbitmq confirm_timeout must be > 0")
	}
	return nil
}

func Dial(cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp091.ExchangeDirect
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	if cfg.ConnectionName != "" {
		dialCfg.Properties.SetClientConnectionName(cfg.ConnectionName)
	}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	if tlsCfg, err := buildTLSConfig(cfg.TLS); err != nil {
		return nil, err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	p := &Pool{cfg: cfg, conn: conn, logger: logger}
	p.open = p.openChannel

	if cfg.DeclareExchange {
		if err := declareExchange(conn, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	chans := make([]publisher, cfg.Channels)
	var g errgroup.Group
	for i := range chans {
		g.Go(func() error {
			ch, err := p.openChannel()
			chans[i] = ch
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, ch := range chans {
			if ch != nil {
				_ = ch.close()
			}
		}
		conn.Close()
		return nil, err
	}
	p.channels = pool.New(chans, cfg.AcquireTimeout)
	go p.watchConnection(conn.NotifyClose(make(chan *amqp091.Error, 1)))
	return p, nil
}

func declareExchange(conn *amqp091.Connection, cfg Config) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return nil
}

func (p *Pool) openChannel() (publisher, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &amqpChannel{ch: ch, confirmTimeout: p.cfg.ConfirmTimeout}, nil
}

// TODO: redial and rebuild the channel set here instead of only logging.
func (p *Pool) watchConnection(closed <-chan *amqp091.Error) {
	if err, ok := <-closed; ok && err != nil {
		p.logger.Error("rabbitmq connection closed", slog.Int("code", err.Code), slog.String("reason", err.Reason))
	}
}

func (p *Pool) Acquire(ctx context.Context) (broker.Channel, error) {
	lease, err := p.channels.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", domain.ErrBrokerPoolExhausted, err)
		}
		return nil, err
	}
	if lease.Value().isClosed() {
		fresh, err := p.open()
		if err != nil {
			lease.Release()
			return nil, fmt.Errorf("%w: %w", domain.ErrBrokerPublish, err)
		}
		_ = lease.Value().close()
		lease.Replace(fresh)
		p.logger.Warn("reopened closed rabbitmq channel")
	}
	return &channel{lease: lease}, nil
}

func (p *Pool) Stats() pool.Stats { return p.channels.Stats() }

func (p *Pool) Healthy() bool { return p.conn != nil && !p.conn.IsClosed() }

func (p *Pool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout+p.cfg.AcquireTimeout)
	defer cancel()
	var errs []error
	if err := p.channels.Close(ctx, func(ch publisher) error { return ch.close() }); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type channel struct {
	lease *pool.Lease[publisher]
}

func (c *channel) Publish(ctx context.Context, msg broker.Message) error {
	return c.lease.Value().publish(ctx, msg)
}

func (c *channel) Release() { c.lease.Release() }

type amqpChannel struct {
	ch             *amqp091.Channel
	confirmTimeout time.Duration
}

func (a *amqpChannel) publish(ctx context.Context, msg broker.Message) error {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, amqp091.Publishing{
		ContentType: msg.ContentType,
		Timestamp:   time.Now().UTC(),
		Body:        msg.Body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish: %w", domain.ErrBrokerPublish, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: await confirm: %w", domain.ErrBrokerPublish, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked delivery %d", domain.ErrBrokerPublish, dc.DeliveryTag)
	}
	return nil
}

func (a *amqpChannel) isClosed() bool { return a.ch.IsClosed() }

func (a *amqpChannel) close() error {
	if a.ch.IsClosed() {
		return nil
	}
	return a.ch.Close()
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		certs := x509.NewCertPool()
		if !certs.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = certs
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
