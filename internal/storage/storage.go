package storage

import (
	"context"

	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
)

// SelectClientNameSQL is the single lookup the service issues, by primary key.
const SelectClientNameSQL = `SELECT name FROM clients WHERE id = $1`

// Pool is a bounded set of live store connections. Acquire suspends until a
// connection is free or the acquire timeout elapses.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Stats() pool.Stats
	Close()
}

// Conn is one leased store connection. Release must be called exactly once
// per Acquire, whatever Lookup returned.
type Conn interface {
	// Lookup returns found=false, and no error, when no row matches id.
	Lookup(ctx context.Context, id int64) (client domain.Client, found bool, err error)
	Release()
}
