package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stitchd/stitch/telemetry"
)

// insertChunkSize bounds multi-row inserts so we stay well under the
// SQLite bound-parameter limit.
const insertChunkSize = 200

// sqlCore implements the Sink queries shared by the SQLite and MySQL
// backends through goqu. The backends differ only in connection setup,
// schema DDL and whether writes are group-committed.
type sqlCore struct {
	dialect goqu.DialectWrapper
	writeDB *sql.DB
	readDB  *sql.DB
	nodeID  uint64
	backend string

	// Recent-key cache lets the live path skip the round trip for
	// identities we already persisted.
	recent *lru.Cache[uint64, struct{}]

	committer *groupCommitter
}

func (c *sqlCore) Checkpoint(category string) (uint64, error) {
	query, args, err := c.dialect.From("checkpoints").
		Select("position").
		Where(goqu.Ex{"category": category, "node_id": c.nodeID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build checkpoint query: %w", err)
	}

	var position uint64
	err = c.readDB.QueryRow(query, args...).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return position, nil
}

func (c *sqlCore) AddBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := c.writeRecords(records); err != nil {
		return err
	}

	if c.recent != nil {
		for _, r := range records {
			c.recent.Add(IdentityHash(r.Category, r.Key), struct{}{})
		}
	}
	return nil
}

func (c *sqlCore) AddOne(record Record) error {
	h := IdentityHash(record.Category, record.Key)
	if c.recent != nil {
		if _, seen := c.recent.Get(h); seen {
			telemetry.SinkDuplicates.With(c.backend).Inc()
			return nil
		}
	}

	var err error
	if c.committer != nil {
		_, err = c.committer.Enqueue(record).Get()
	} else {
		err = c.writeRecords([]Record{record})
	}
	if err != nil {
		return err
	}

	if c.recent != nil {
		c.recent.Add(h, struct{}{})
	}
	return nil
}

func (c *sqlCore) Close() error {
	if c.committer != nil {
		c.committer.Stop()
	}

	var writeErr, readErr error
	if c.writeDB != nil {
		writeErr = c.writeDB.Close()
	}
	if c.readDB != nil && c.readDB != c.writeDB {
		readErr = c.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// writeRecords persists records and advances the per-category checkpoints
// in a single transaction.
func (c *sqlCore) writeRecords(records []Record) error {
	start := time.Now()

	tx, err := c.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}

	var inserted int64
	for lo := 0; lo < len(records); lo += insertChunkSize {
		hi := lo + insertChunkSize
		if hi > len(records) {
			hi = len(records)
		}
		n, err := c.insertRecordsTx(tx, records[lo:hi])
		if err != nil {
			tx.Rollback()
			return err
		}
		inserted += n
	}

	maxPos := make(map[string]uint64)
	for _, r := range records {
		if r.Position > maxPos[r.Category] {
			maxPos[r.Category] = r.Position
		}
	}
	for category, position := range maxPos {
		if err := c.advanceCheckpointTx(tx, category, position); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}

	telemetry.SinkWriteSeconds.With(c.backend).Observe(time.Since(start).Seconds())
	if dups := int64(len(records)) - inserted; dups > 0 {
		telemetry.SinkDuplicates.With(c.backend).Add(float64(dups))
	}
	for category, position := range maxPos {
		telemetry.CheckpointOffset.With(category).Set(float64(position))
	}

	return nil
}

// insertRecordsTx inserts records idempotently and returns how many rows
// were actually new.
func (c *sqlCore) insertRecordsTx(tx *sql.Tx, records []Record) (int64, error) {
	rows := make([]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, goqu.Record{
			"category":   r.Category,
			"event_key":  r.Key,
			"position":   r.Position,
			"created_at": r.At.UnixMilli(),
			"payload":    r.Payload,
		})
	}

	query, args, err := c.dialect.Insert("events").
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build insert: %w", err)
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// advanceCheckpointTx moves a checkpoint forward, never backwards.
// Reconciliation replays records below the checkpoint; those must not
// regress it.
func (c *sqlCore) advanceCheckpointTx(tx *sql.Tx, category string, position uint64) error {
	now := time.Now().UnixMilli()

	seed, args, err := c.dialect.Insert("checkpoints").
		Rows(goqu.Record{
			"category":   category,
			"node_id":    c.nodeID,
			"position":   position,
			"updated_at": now,
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint insert: %w", err)
	}

	res, err := tx.Exec(seed, args...)
	if err != nil {
		return fmt.Errorf("failed to seed checkpoint: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 1 {
		return nil
	}

	update, args, err := c.dialect.Update("checkpoints").
		Set(goqu.Record{"position": position, "updated_at": now}).
		Where(
			goqu.Ex{"category": category, "node_id": c.nodeID},
			goqu.C("position").Lt(position),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint update: %w", err)
	}

	if _, err := tx.Exec(update, args...); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}
