// Package store defines the aggregate persistence interface. Each
// subsystem (job, schedule) defines its own store interface; the
// composite Store composes them all. Backends: Postgres, Redis, Memory.
package store

import (
	"context"

	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/schedule"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, redis, memory) implements all of it.
type Store interface {
	job.Store
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
