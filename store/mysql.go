package store

import (
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLSink persists events in an external MySQL server. Idempotent inserts
// render as INSERT IGNORE through the goqu mysql dialect. Unlike SQLite
// there is no single-writer bottleneck, so writes go straight through
// without group commit.
type MySQLSink struct {
	sqlCore
}

var _ Sink = (*MySQLSink)(nil)

// MySQLOptions tunes the MySQL backend.
type MySQLOptions struct {
	NodeID       uint64
	MaxOpenConns int
	MaxIdleConns int
	CacheSize    int // Recent-key cache entries, 0 disables
}

// NewMySQLSink connects to the server described by dsn.
func NewMySQLSink(dsn string, opts MySQLOptions) (*MySQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach mysql server: %w", err)
	}

	for _, schema := range mysqlSchemas() {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create event schema: %w", err)
		}
	}

	s := &MySQLSink{
		sqlCore: sqlCore{
			dialect: goqu.Dialect("mysql"),
			writeDB: db,
			readDB:  db,
			nodeID:  opts.NodeID,
			backend: "mysql",
		},
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[uint64, struct{}](opts.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create recent-key cache: %w", err)
		}
		s.recent = cache
	}

	return s, nil
}

func mysqlSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			category   VARCHAR(64) NOT NULL,
			event_key  VARCHAR(255) NOT NULL,
			position   BIGINT UNSIGNED NOT NULL,
			created_at BIGINT NOT NULL,
			payload    MEDIUMBLOB,
			PRIMARY KEY (category, event_key),
			KEY idx_events_position (category, position)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			category   VARCHAR(64) NOT NULL,
			node_id    BIGINT UNSIGNED NOT NULL,
			position   BIGINT UNSIGNED NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (category, node_id)
		)`,
	}
}
