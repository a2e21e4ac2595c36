package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
	"hashrelay/internal/storage"
)

type Config struct {
	DSN             string
	PoolSize        int
	AcquireTimeout  time.Duration
	HealthCheck     bool
	ApplicationName string
}

// Store is a fixed-size pgx pool. MinConns equals MaxConns and every
// connection is dialed in NewStore, so request handling never dials.
type Store struct {
	cfg  Config
	pool *pgxpool.Pool

	inUse atomic.Int64
	peak  atomic.Int64
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("postgres pool_size must be >= 1")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("postgres acquire_timeout must be > 0")
	}
	return nil
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.PoolSize)
	pcfg.MinConns = int32(cfg.PoolSize)
	if cfg.ApplicationName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.HealthCheck {
		pcfg.BeforeAcquire = func(ctx context.Context, c *pgx.Conn) bool {
			return c.Ping(ctx) == nil
		}
	}
	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := warmUp(ctx, p, cfg.PoolSize); err != nil {
		p.Close()
		return nil, err
	}
	return &Store{cfg: cfg, pool: p}, nil
}

// warmUp holds size connections at once so each one is dialed before the
// first request arrives.
func warmUp(ctx context.Context, p *pgxpool.Pool, size int) error {
	held := make([]*pgxpool.Conn, 0, size)
	defer func() {
		for _, c := range held {
			c.Release()
		}
	}()
	for i := 0; i < size; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("connect postgres (%d/%d): %w", i+1, size, err)
		}
		held = append(held, c)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context) (storage.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	c, err := s.pool.Acquire(actx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case actx.Err() != nil:
			return nil, fmt.Errorf("%w: %d connections leased", domain.ErrStorePoolExhausted, s.cfg.PoolSize)
		default:
			return nil, fmt.Errorf("%w: acquire: %w", domain.ErrStoreTransport, err)
		}
	}
	n := s.inUse.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return &conn{store: s, c: c}, nil
}

func (s *Store) Stats() pool.Stats {
	return pool.Stats{Size: s.cfg.PoolSize, InUse: int(s.inUse.Load()), Peak: int(s.peak.Load())}
}

func (s *Store) Close() { s.pool.Close() }

type conn struct {
	store    *Store
	c        *pgxpool.Conn
	released atomic.Bool
}

func (c *conn) Lookup(ctx context.Context, id int64) (domain.Client, bool, error) {
	var name string
	err := c.c.QueryRow(ctx, storage.SelectClientNameSQL, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, false, nil
	}
	if err != nil {
		return domain.Client{}, false, classify(err)
	}
	return domain.Client{ID: id, Name: name}, true, nil
}

func (c *conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.store.inUse.Add(-1)
	c.c.Release()
}

// classify separates errors the server reported about the query from
// failures of the connection itself.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) {
			return fmt.Errorf("%w: %w", domain.ErrStoreTransport, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrStoreQuery, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreTransport, err)
}
