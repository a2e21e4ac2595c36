package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"hashrelay/internal/domain"
)

func runPostgres(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_USER": "rust", "POSTGRES_PASSWORD": "rust", "POSTGRES_DB": "rust"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://rust:rust@%s:%s/rust?sslmode=disable", host, port.Port())
	return dsn, func() { _ = c.Terminate(ctx) }
}

func seed(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE TABLE clients (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := conn.Exec(ctx, `INSERT INTO clients(id, name) VALUES (1, 'alice'), (2, 'bob')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestStoreIntegration_LookupAndBoundedPool(t *testing.T) {
	dsn, cleanup := runPostgres(t)
	defer cleanup()
	seed(t, dsn)

	ctx := context.Background()
	s, err := NewStore(ctx, Config{DSN: dsn, PoolSize: 3, AcquireTimeout: 200 * time.Millisecond, HealthCheck: true, ApplicationName: "hashrelay-it"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if total := s.pool.Stat().TotalConns(); total != 3 {
		t.Fatalf("expected 3 connections dialed at startup, got %d", total)
	}

	c, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	client, ok, err := c.Lookup(ctx, 1)
	if err != nil || !ok || client.Name != "alice" {
		t.Fatalf("lookup id 1: client=%+v ok=%t err=%v", client, ok, err)
	}
	_, ok, err = c.Lookup(ctx, 999)
	if err != nil || ok {
		t.Fatalf("lookup id 999 should be a clean miss, ok=%t err=%v", ok, err)
	}
	c.Release()
	c.Release()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Acquire(ctx)
			if err != nil {
				return
			}
			defer c.Release()
			_, _, _ = c.Lookup(ctx, 2)
		}()
	}
	wg.Wait()
	if st := s.Stats(); st.Peak > 3 || st.InUse != 0 {
		t.Fatalf("pool bound violated: %+v", st)
	}

	held := make([]interface{ Release() }, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := s.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, c)
	}
	if _, err := s.Acquire(ctx); !errors.Is(err, domain.ErrStorePoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
	for _, c := range held {
		c.Release()
	}
}
