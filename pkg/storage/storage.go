package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/types"
)

// Database is the long-term statistics store.
type Database interface {
	// GetLastPoints returns up to maxCount of the most recent points for the
	// series, ordered newest-first, including their running sums.
	GetLastPoints(ctx context.Context, seriesID string, maxCount int) ([]types.StatisticPoint, error)

	// AppendPoints commits points to the series along with its metadata.
	// Appends are idempotent by timestamp: a point at an already-recorded
	// timestamp overwrites it.
	AppendPoints(ctx context.Context, meta types.SeriesMetadata, points []types.StatisticPoint) error

	// Lifecycle
	Close() error
}

// provider is the lifecycle every storage backend implements on top of
// Database so Configured can validate and initialize it.
type provider interface {
	Database
	Validate() error
	Init(ctx context.Context) error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	name := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore, influx)")

	var p struct{ Database }

	backends := map[string]provider{
		"sqlite":    configuredSQLite(),
		"firestore": configuredFirestore(),
		"influx":    configuredInflux(),
	}

	lflag.Do(func() {
		b, ok := backends[*name]
		if !ok {
			panic(fmt.Sprintf("unknown storage provider: %s", *name))
		}
		if err := b.Validate(); err != nil {
			panic(fmt.Sprintf("%s validation failed: %v", *name, err))
		}
		if err := b.Init(context.Background()); err != nil {
			panic(fmt.Sprintf("%s init failed: %v", *name, err))
		}
		p.Database = b
	})

	return &p
}
