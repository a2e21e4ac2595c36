package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
	"hashrelay/internal/storage"

	_ "modernc.org/sqlite"
)

const selectClientNameSQL = `SELECT name FROM clients WHERE id = ?`

type Config struct {
	DSN            string
	PoolSize       int
	AcquireTimeout time.Duration
	HealthCheck    bool
}

// Store leases dedicated connections to one SQLite database. All PoolSize
// connections are opened up front so the pool never grows after startup.
type Store struct {
	cfg   Config
	db    *sql.DB
	conns *pool.Pool[*sql.Conn]
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("sqlite dsn is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("sqlite pool_size must be >= 1")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("sqlite acquire_timeout must be > 0")
	}
	return nil
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)

	conns := make([]*sql.Conn, 0, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		conn, err := openConn(ctx, db)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			_ = db.Close()
			return nil, err
		}
		conns = append(conns, conn)
	}
	return &Store{cfg: cfg, db: db, conns: pool.New(conns, cfg.AcquireTimeout)}, nil
}

func openConn(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sqlite conn: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return conn, nil
}

func (s *Store) Acquire(ctx context.Context) (storage.Conn, error) {
	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return nil, fmt.Errorf("%w: %d connections leased", domain.ErrStorePoolExhausted, s.cfg.PoolSize)
		}
		if errors.Is(err, pool.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", domain.ErrStoreTransport, err)
		}
		return nil, err
	}
	if s.cfg.HealthCheck {
		if err := lease.Value().PingContext(ctx); err != nil {
			lease.Release()
			return nil, fmt.Errorf("%w: ping: %v", domain.ErrStoreTransport, err)
		}
	}
	return &conn{lease: lease}, nil
}

func (s *Store) Stats() pool.Stats { return s.conns.Stats() }

func (s *Store) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.conns.Close(ctx, func(c *sql.Conn) error { return c.Close() })
	_ = s.db.Close()
}

type conn struct {
	lease *pool.Lease[*sql.Conn]
}

func (c *conn) Lookup(ctx context.Context, id int64) (domain.Client, bool, error) {
	var name string
	err := c.lease.Value().QueryRowContext(ctx, selectClientNameSQL, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Client{}, false, nil
	}
	if err != nil {
		return domain.Client{}, false, classify(err)
	}
	return domain.Client{ID: id, Name: name}, true, nil
}

func (c *conn) Release() { c.lease.Release() }

func classify(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrStoreTransport, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreQuery, err)
}
