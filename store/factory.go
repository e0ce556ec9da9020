package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/cfg"
)

// NewSinkFromConfig builds the persistence backend selected in the
// configuration.
func NewSinkFromConfig() (Sink, error) {
	c := cfg.Config

	switch c.Store.Backend {
	case cfg.StoreSQLite:
		path := cfg.GetSQLitePath()
		log.Info().Str("path", path).Msg("Opening SQLite event store")
		return NewSQLiteSink(path, SQLiteOptions{
			NodeID:       c.NodeID,
			CacheSize:    c.Store.SQLite.CacheSize,
			CommitWindow: time.Duration(c.Store.SQLite.CommitWindow) * time.Millisecond,
			MaxBatchSize: c.Store.SQLite.MaxBatchSize,
		})

	case cfg.StoreMySQL:
		log.Info().Msg("Connecting to MySQL event store")
		return NewMySQLSink(c.Store.MySQL.DSN, MySQLOptions{
			NodeID:       c.NodeID,
			MaxOpenConns: c.Store.MySQL.MaxOpenConns,
			MaxIdleConns: c.Store.MySQL.MaxIdleConns,
			CacheSize:    c.Store.MySQL.CacheSize,
		})

	case cfg.StorePebble:
		path := cfg.GetEventLogPath()
		log.Info().Str("path", path).Msg("Opening Pebble event log")
		return NewPebbleSink(path, PebbleOptions{
			NodeID:   c.NodeID,
			Compress: c.Store.Pebble.Compress,
		})

	default:
		return nil, fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
}
