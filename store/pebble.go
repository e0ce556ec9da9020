package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/encoding"
	"github.com/stitchd/stitch/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixLog    = "/log/"    // /log/{category}/{16-digit-zero-padded-position}
	prefixKeys   = "/keys/"   // /keys/{8-byte-identity-hash}
	prefixCkpt   = "/ckpt/"   // /ckpt/{category}
	prefixCursor = "/cursor/" // /cursor/{consumer}/{category}
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 positions

	// Payloads below this size gain nothing from zstd framing
	compressThreshold = 256

	// Cuckoo filter configuration
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M entries
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000

	// Reset the filter before insert failures start degrading it
	cuckooRebuildSize = 900000
)

// storedRecord is the msgpack on-disk form of a Record.
type storedRecord struct {
	Category   string    `msgpack:"c"`
	Key        string    `msgpack:"k"`
	Position   uint64    `msgpack:"p"`
	At         time.Time `msgpack:"t"`
	Payload    []byte    `msgpack:"d"`
	Compressed bool      `msgpack:"z"`
}

var (
	// Stateless zstd coders, safe for concurrent EncodeAll/DecodeAll
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// PebbleSink keeps events in an embedded ordered log, keyed by position
// within each category. Downstream consumers can tail the log with
// ReadFrom and persist their progress with cursors; entries below the
// slowest cursor are reclaimed periodically.
type PebbleSink struct {
	db   *pebble.DB
	path string

	compress bool
	nodeID   uint64

	// Write lock: batches reserve dedup checks and checkpoint reads
	writeMu sync.Mutex

	// In-memory checkpoint and cursor maps for fast lookups
	ckptMu      sync.RWMutex
	checkpoints map[string]uint64

	cursorsMu sync.RWMutex
	cursors   map[string]uint64

	// Identity prefilter: a miss proves the record is new and skips
	// the point lookup on the hot path
	filterMu sync.Mutex
	filter   *cuckoo.Filter

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

var _ Sink = (*PebbleSink)(nil)

// PebbleOptions tunes the Pebble backend.
type PebbleOptions struct {
	NodeID   uint64
	Compress bool
}

// NewPebbleSink creates or opens the event log at path.
func NewPebbleSink(path string, opts PebbleOptions) (*PebbleSink, error) {
	pebbleOpts := &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	s := &PebbleSink{
		db:          db,
		path:        path,
		compress:    opts.Compress,
		nodeID:      opts.NodeID,
		checkpoints: make(map[string]uint64),
		cursors:     make(map[string]uint64),
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked),
	}

	if err := s.loadUint64Map(prefixCkpt, s.checkpoints); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	if err := s.loadUint64Map(prefixCursor, s.cursors); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return s, nil
}

// loadUint64Map loads all entries under a prefix into the given map,
// keyed by the remainder of the Pebble key.
func (s *PebbleSink) loadUint64Map(prefix string, into map[string]uint64) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted value for %s%s: invalid length %d", prefix, key, len(val))
		}
		into[key] = binary.LittleEndian.Uint64(val)
	}

	return iter.Error()
}

func (s *PebbleSink) Checkpoint(category string) (uint64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("event log is closed")
	}

	s.ckptMu.RLock()
	defer s.ckptMu.RUnlock()
	return s.checkpoints[category], nil
}

func (s *PebbleSink) AddBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	start := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	maxPos := make(map[string]uint64)
	var written, dups int
	hashes := make([]uint64, 0, len(records))

	for _, r := range records {
		h := IdentityHash(r.Category, r.Key)
		exists, err := s.identityExists(h)
		if err != nil {
			return err
		}
		if exists {
			dups++
			continue
		}

		stored := storedRecord{
			Category: r.Category,
			Key:      r.Key,
			Position: r.Position,
			At:       r.At,
			Payload:  r.Payload,
		}
		if s.compress && len(r.Payload) >= compressThreshold {
			stored.Payload = zstdEncoder.EncodeAll(r.Payload, nil)
			stored.Compressed = true
		}

		val, err := encoding.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := batch.Set([]byte(formatLogKey(r.Category, r.Position)), val, pebble.Sync); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}

		posBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(posBuf, r.Position)
		if err := batch.Set(identityKey(h), posBuf, pebble.Sync); err != nil {
			return fmt.Errorf("failed to write identity index: %w", err)
		}

		hashes = append(hashes, h)
		written++
		if r.Position > maxPos[r.Category] {
			maxPos[r.Category] = r.Position
		}
	}

	// Checkpoints never move backwards
	s.ckptMu.RLock()
	for category, position := range maxPos {
		if position <= s.checkpoints[category] {
			delete(maxPos, category)
			continue
		}
		posBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(posBuf, position)
		if err := batch.Set([]byte(prefixCkpt+category), posBuf, pebble.Sync); err != nil {
			s.ckptMu.RUnlock()
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	s.ckptMu.RUnlock()

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory state AFTER successful commit
	s.ckptMu.Lock()
	for category, position := range maxPos {
		s.checkpoints[category] = position
	}
	s.ckptMu.Unlock()

	s.filterMu.Lock()
	if s.filter.Size() > cuckooRebuildSize {
		// The filter is only an optimization; resetting it just costs
		// point lookups until it warms up again
		s.filter = cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked)
	}
	buf := make([]byte, 8)
	for _, h := range hashes {
		binary.LittleEndian.PutUint64(buf, h)
		s.filter.Add(buf)
	}
	s.filterMu.Unlock()

	telemetry.SinkWriteSeconds.With("pebble").Observe(time.Since(start).Seconds())
	if dups > 0 {
		telemetry.SinkDuplicates.With("pebble").Add(float64(dups))
	}
	for category, position := range maxPos {
		telemetry.CheckpointOffset.With(category).Set(float64(position))
	}

	return nil
}

func (s *PebbleSink) AddOne(record Record) error {
	return s.AddBatch([]Record{record})
}

// identityExists reports whether a record identity was already persisted.
// A filter miss is authoritative; a hit falls through to the point lookup.
func (s *PebbleSink) identityExists(h uint64) (bool, error) {
	s.filterMu.Lock()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h)
	maybe := s.filter.Contain(buf)
	s.filterMu.Unlock()

	if !maybe {
		return false, nil
	}

	_, closer, err := s.db.Get(identityKey(h))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check identity index: %w", err)
	}
	closer.Close()
	return true, nil
}

// ReadFrom reads records of a category after the given cursor position,
// up to limit records.
func (s *PebbleSink) ReadFrom(category string, cursor uint64, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("event log is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatLogKey(category, cursor+1))
	prefix := []byte(prefixLog + category + "/")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var stored storedRecord
		if err := encoding.Unmarshal(val, &stored); err != nil {
			// Log and skip corrupted records
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal event record")
			continue
		}

		payload := stored.Payload
		if stored.Compressed {
			payload, err = zstdDecoder.DecodeAll(stored.Payload, nil)
			if err != nil {
				log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decompress event payload")
				continue
			}
		}

		records = append(records, Record{
			Category: stored.Category,
			Key:      stored.Key,
			Position: stored.Position,
			At:       stored.At,
			Payload:  payload,
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetCursor returns the current position of a consumer within a category.
// Unknown consumers start from the beginning.
func (s *PebbleSink) GetCursor(consumer, category string) (uint64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("event log is closed")
	}

	s.cursorsMu.RLock()
	defer s.cursorsMu.RUnlock()
	return s.cursors[consumer+"/"+category], nil
}

// AdvanceCursor records consumer progress and periodically reclaims log
// entries every consumer has moved past.
func (s *PebbleSink) AdvanceCursor(consumer, category string, position uint64) error {
	if s.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	s.cursorsMu.Lock()
	s.cursors[consumer+"/"+category] = position
	s.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, position)
	if err := s.db.Set([]byte(prefixCursor+consumer+"/"+category), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if position&cleanupIntervalMask == 0 {
		// Only spawn cleanup if one isn't already running
		if s.cleanupRunning.CompareAndSwap(false, true) {
			s.cleanupWg.Add(1)
			go s.cleanupAsync()
		}
	}

	return nil
}

// cleanup deletes log entries below the minimum cursor of each category.
// Safe to call directly from tests.
func (s *PebbleSink) cleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.closed.Load() {
		return
	}

	// Minimum cursor per category across all consumers
	minCursors := make(map[string]uint64)
	s.cursorsMu.RLock()
	for key, cursor := range s.cursors {
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '/' {
				category := key[i+1:]
				if cur, ok := minCursors[category]; !ok || cursor < cur {
					minCursors[category] = cursor
				}
				break
			}
		}
	}
	s.cursorsMu.RUnlock()

	for category, minCursor := range minCursors {
		if minCursor == 0 {
			continue
		}

		startKey := []byte(prefixLog + category + "/")
		endKey := []byte(formatLogKey(category, minCursor))

		if err := s.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
			log.Warn().Err(err).
				Str("category", category).
				Uint64("min_cursor", minCursor).
				Msg("Failed to cleanup event log")
			continue
		}

		log.Debug().
			Str("category", category).
			Uint64("min_cursor", minCursor).
			Msg("Cleaned up event log entries")
	}
}

func (s *PebbleSink) cleanupAsync() {
	defer s.cleanupWg.Done()
	defer s.cleanupRunning.Store(false)
	s.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup.
func (s *PebbleSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("event log already closed")
	}

	s.cleanupWg.Wait()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func formatLogKey(category string, position uint64) string {
	return fmt.Sprintf("%s%s/%016x", prefixLog, category, position)
}

func identityKey(h uint64) []byte {
	key := make([]byte, len(prefixKeys)+8)
	copy(key, prefixKeys)
	binary.BigEndian.PutUint64(key[len(prefixKeys):], h)
	return key
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
