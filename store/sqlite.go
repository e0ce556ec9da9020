package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists events in an embedded SQLite database.
//
// Writes go through a dedicated single-connection handle in WAL mode with
// immediate transactions; reads use a small pool. Live-path writes are
// coalesced by a group committer so bursts pay one fsync per window.
type SQLiteSink struct {
	sqlCore
	path string
}

var _ Sink = (*SQLiteSink)(nil)

// SQLiteOptions tunes the SQLite backend.
type SQLiteOptions struct {
	NodeID        uint64
	BusyTimeoutMS int
	CacheSize     int           // Recent-key cache entries, 0 disables
	CommitWindow  time.Duration // Group-commit flush interval
	MaxBatchSize  int           // Group-commit flush threshold
}

func (o *SQLiteOptions) withDefaults() {
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = 5000
	}
	if o.CommitWindow <= 0 {
		o.CommitWindow = 5 * time.Millisecond
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 512
	}
}

// NewSQLiteSink opens (or creates) the event database at path.
func NewSQLiteSink(path string, opts SQLiteOptions) (*SQLiteSink, error) {
	opts.withDefaults()
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection, immediate write lock at BEGIN)
	writeDSN := path
	if !isMemoryDB {
		writeDSN += dsnSeparator(writeDSN) +
			fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", opts.BusyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open event write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool
	var readDB *sql.DB
	if isMemoryDB {
		// Separate handles would get separate in-memory databases
		readDB = writeDB
	} else {
		readDSN := path + dsnSeparator(path) +
			fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", opts.BusyTimeoutMS)
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open event read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)
	}

	if !isMemoryDB {
		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA cache_size=-16000",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
				}
			}
		}
	}

	for _, schema := range sqliteSchemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create event schema: %w", err)
		}
	}

	s := &SQLiteSink{
		sqlCore: sqlCore{
			dialect: goqu.Dialect("sqlite3"),
			writeDB: writeDB,
			readDB:  readDB,
			nodeID:  opts.NodeID,
			backend: "sqlite",
		},
		path: path,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[uint64, struct{}](opts.CacheSize)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create recent-key cache: %w", err)
		}
		s.recent = cache
	}

	s.committer = newGroupCommitter(&s.sqlCore, opts.MaxBatchSize, opts.CommitWindow)
	s.committer.Start()

	return s, nil
}

func dsnSeparator(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&"
	}
	return "?"
}

func sqliteSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			category   TEXT NOT NULL,
			event_key  TEXT NOT NULL,
			position   INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload    BLOB,
			PRIMARY KEY (category, event_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_position ON events (category, position)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			category   TEXT NOT NULL,
			node_id    INTEGER NOT NULL,
			position   INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (category, node_id)
		)`,
	}
}
