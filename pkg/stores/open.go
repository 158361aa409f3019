package stores

import (
	"context"
	"fmt"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Store is an engine.Store that can report its own health.
type Store interface {
	engine.Store
	HealthCheck(ctx context.Context) error
}

// Open returns a ready store for the named driver. SQLite stores are
// migrated before they are returned.
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, Config{Path: path})
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
