package anchorcfg

import (
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// DB holds database configuration for the anchoring store.
//
//nolint:lll
type DB struct {
	Timeout time.Duration `long:"timeout" description:"Time to wait for the database file lock before giving up."`

	NoFreelistSync bool `long:"nofreelistsync" description:"Whether the freelist should be skipped when syncing the database to disk."`

	AutoCompact bool `long:"auto-compact" description:"Whether the database file should be compacted on startup."`

	AutoCompactMinAge time.Duration `long:"auto-compact-min-age" description:"How long ago the last compaction must be for a new one to run."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Timeout:           kvdb.DefaultDBTimeout,
		NoFreelistSync:    true,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return errors.New("db.timeout must be positive")
	}

	return nil
}

// BoltConfig returns the backend options for a database file under dir.
func (db *DB) BoltConfig(dir, fileName string) *kvdb.BoltBackendConfig {
	return &kvdb.BoltBackendConfig{
		DBPath:            dir,
		DBFileName:        fileName,
		NoFreelistSync:    db.NoFreelistSync,
		AutoCompact:       db.AutoCompact,
		AutoCompactMinAge: db.AutoCompactMinAge,
		DBTimeout:         db.Timeout,
	}
}
