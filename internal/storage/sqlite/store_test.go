package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hashrelay/internal/domain"
)

func seedClients(t *testing.T, dsn string, clients map[int64]string) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS clients (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	for id, name := range clients {
		if _, err := db.Exec(`INSERT INTO clients(id, name) VALUES(?, ?)`, id, name); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestStore(t *testing.T, size int, wait time.Duration) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "clients.db")
	seedClients(t, dsn, map[int64]string{1: "alice", 2: "bob"})
	s, err := NewStore(context.Background(), Config{DSN: dsn, PoolSize: size, AcquireTimeout: wait, HealthCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestLookupFoundAndMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2, time.Second)

	c, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	client, ok, err := c.Lookup(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("expected row for id 1, ok=%t err=%v", ok, err)
	}
	if client.Name != "alice" || client.ID != 1 {
		t.Fatalf("unexpected client: %+v", client)
	}

	_, ok, err = c.Lookup(ctx, 999)
	if err != nil {
		t.Fatalf("missing row must not be an error, got %v", err)
	}
	if ok {
		t.Fatalf("expected no row for id 999")
	}
}

func TestPoolPreopensAllConnections(t *testing.T) {
	s := newTestStore(t, 3, time.Second)
	if got := s.db.Stats().OpenConnections; got != 3 {
		t.Fatalf("expected 3 open connections, got %d", got)
	}
	if st := s.Stats(); st.Size != 3 || st.InUse != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAcquireTimesOutWhenAllLeased(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 1, 30*time.Millisecond)

	c, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Acquire(ctx)
	if !errors.Is(err, domain.ErrStorePoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
	c.Release()

	c, err = s.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected connection after release, got %v", err)
	}
	c.Release()
}

func TestQueryErrorIsNotNotFound(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "empty.db")
	s, err := NewStore(ctx, Config{DSN: dsn, PoolSize: 1, AcquireTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()
	_, ok, err := c.Lookup(ctx, 1)
	if ok || !errors.Is(err, domain.ErrStoreQuery) {
		t.Fatalf("expected query failure for missing table, ok=%t err=%v", ok, err)
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{PoolSize: 1}).Validate(); err == nil {
		t.Fatalf("expected dsn validation error")
	}
	if err := (Config{DSN: "x.db"}).Validate(); err == nil {
		t.Fatalf("expected pool size validation error")
	}
	if err := (Config{DSN: "x.db", PoolSize: 1}).Validate(); err == nil {
		t.Fatalf("expected acquire timeout validation error")
	}
}
