package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreBackendType selects where ingested events are persisted
type StoreBackendType string

const (
	StoreSQLite StoreBackendType = "sqlite" // Embedded SQLite database
	StoreMySQL  StoreBackendType = "mysql"  // External MySQL server
	StorePebble StoreBackendType = "pebble" // Embedded Pebble log
)

// UpstreamConfiguration controls the connection to the event source node
type UpstreamConfiguration struct {
	Address                 string `toml:"address"`
	Insecure                bool   `toml:"insecure"`
	AuthToken               string `toml:"auth_token"`
	ConnectTimeoutMS        int    `toml:"connect_timeout_ms"`
	KeepaliveTimeSeconds    int    `toml:"keepalive_time_seconds"`    // Keepalive ping interval
	KeepaliveTimeoutSeconds int    `toml:"keepalive_timeout_seconds"` // Keepalive ping timeout
}

// TrackerConfiguration controls ingestion behavior per category
type TrackerConfiguration struct {
	Categories         []string `toml:"categories"`
	PageSize           int      `toml:"page_size"`
	BatchSize          int      `toml:"batch_size"`
	ReconWindowSeconds int      `toml:"recon_window_seconds"` // How far behind the live stream reconciliation reaches
	GracePeriodMS      int      `toml:"grace_period_ms"`      // Wait after attach before draining reconciliation
	PollTimeoutMS      int      `toml:"poll_timeout_ms"`      // Live queue poll interval
}

// RetryConfiguration controls the attempt budget for upstream operations
type RetryConfiguration struct {
	MaxAttempts      int `toml:"max_attempts"`
	DelayMS          int `toml:"delay_ms"`
	ToleranceSeconds int `toml:"tolerance_seconds"` // Runtime after which the budget refills
}

// SQLiteConfiguration for the embedded SQLite backend
type SQLiteConfiguration struct {
	Path          string `toml:"path"`
	CacheSize     int    `toml:"cache_size"` // Recent-key cache entries
	CommitWindow  int    `toml:"commit_window_ms"`
	MaxBatchSize  int    `toml:"max_batch_size"`
	WALAutoVacuum bool   `toml:"wal_auto_vacuum"`
}

// MySQLConfiguration for the external MySQL backend
type MySQLConfiguration struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	CacheSize    int    `toml:"cache_size"` // Recent-key cache entries
}

// PebbleConfiguration for the embedded Pebble event log
type PebbleConfiguration struct {
	Path            string `toml:"path"`
	Compress        bool   `toml:"compress"`
	MaxEntries      uint64 `toml:"max_entries"`       // Entries kept before cursor cleanup
	CleanupInterval int    `toml:"cleanup_interval_s"`
}

// StoreConfiguration selects and tunes the persistence backend
type StoreConfiguration struct {
	Backend StoreBackendType    `toml:"backend"`
	SQLite  SQLiteConfiguration `toml:"sqlite"`
	MySQL   MySQLConfiguration  `toml:"mysql"`
	Pebble  PebbleConfiguration `toml:"pebble"`
}

// NATSConfiguration for publishing to NATS JetStream
type NATSConfiguration struct {
	Enabled bool     `toml:"enabled"`
	URLs    []string `toml:"urls"`
	Subject string   `toml:"subject_prefix"`
	Filter  string   `toml:"filter"` // Glob over category names
}

// KafkaConfiguration for publishing to Kafka
type KafkaConfiguration struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	Filter  string   `toml:"filter"` // Glob over category names
}

// PublishConfiguration controls downstream event forwarding
type PublishConfiguration struct {
	NATS  NATSConfiguration  `toml:"nats"`
	Kafka KafkaConfiguration `toml:"kafka"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// StatusConfiguration for the HTTP status endpoint
type StatusConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Upstream   UpstreamConfiguration   `toml:"upstream"`
	Tracker    TrackerConfiguration    `toml:"tracker"`
	Retry      RetryConfiguration      `toml:"retry"`
	Store      StoreConfiguration      `toml:"store"`
	Publish    PublishConfiguration    `toml:"publish"`
	Status     StatusConfiguration     `toml:"status"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag   = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag      = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag       = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	UpstreamAddrFlag = flag.String("upstream", "", "Upstream node address (overrides config)")
	StatusPortFlag   = flag.Int("status-port", 0, "Status HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./stitch-data",

	Upstream: UpstreamConfiguration{
		Address:                 "localhost:10009",
		Insecure:                false,
		ConnectTimeoutMS:        10000,
		KeepaliveTimeSeconds:    10, // Send keepalive ping every 10s
		KeepaliveTimeoutSeconds: 3,  // Timeout keepalive after 3s
	},

	Tracker: TrackerConfiguration{
		Categories:         []string{"payments", "invoices", "htlc_events", "forwards"},
		PageSize:           1000,
		BatchSize:          256,
		ReconWindowSeconds: 600,   // Replay the last 10 minutes around a gap
		GracePeriodMS:      5000,  // Let the live stream settle before backfill
		PollTimeoutMS:      15000, // Wake idle consumers at least this often
	},

	Retry: RetryConfiguration{
		MaxAttempts:      5,
		DelayMS:          15000,
		ToleranceSeconds: 600, // Refill the budget after 10 minutes of healthy runtime
	},

	Store: StoreConfiguration{
		Backend: StoreSQLite,
		SQLite: SQLiteConfiguration{
			Path:         "", // Defaults to <data_dir>/events.db
			CacheSize:    8192,
			CommitWindow: 5,
			MaxBatchSize: 512,
		},
		MySQL: MySQLConfiguration{
			MaxOpenConns: 8,
			MaxIdleConns: 4,
			CacheSize:    8192,
		},
		Pebble: PebbleConfiguration{
			Path:            "", // Defaults to <data_dir>/event-log
			Compress:        true,
			MaxEntries:      1_000_000,
			CleanupInterval: 300,
		},
	},

	Publish: PublishConfiguration{
		NATS: NATSConfiguration{
			Enabled: false,
			URLs:    []string{"nats://localhost:4222"},
			Subject: "stitch.events",
			Filter:  "*",
		},
		Kafka: KafkaConfiguration{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "stitch-events",
			Filter:  "*",
		},
	},

	Status: StatusConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8460,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *UpstreamAddrFlag != "" {
		Config.Upstream.Address = *UpstreamAddrFlag
	}
	if *StatusPortFlag != 0 {
		Config.Status.Port = *StatusPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("stitch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Upstream.Address == "" {
		return fmt.Errorf("upstream address must be set")
	}

	if Config.Upstream.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("upstream keepalive time must be >= 1 second")
	}

	if Config.Upstream.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("upstream keepalive timeout must be >= 1 second")
	}

	if len(Config.Tracker.Categories) == 0 {
		return fmt.Errorf("at least one tracker category must be enabled")
	}

	validCategories := map[string]bool{
		"payments": true, "invoices": true, "htlc_events": true, "forwards": true,
	}
	for _, c := range Config.Tracker.Categories {
		if !validCategories[c] {
			return fmt.Errorf("unknown tracker category: %s", c)
		}
	}

	if Config.Tracker.PageSize < 1 {
		return fmt.Errorf("tracker page size must be >= 1")
	}

	if Config.Tracker.BatchSize < 1 {
		return fmt.Errorf("tracker batch size must be >= 1")
	}

	if Config.Tracker.ReconWindowSeconds < 0 {
		return fmt.Errorf("tracker recon window must be >= 0")
	}

	if Config.Tracker.GracePeriodMS < 0 {
		return fmt.Errorf("tracker grace period must be >= 0")
	}

	if Config.Tracker.PollTimeoutMS < 1 {
		return fmt.Errorf("tracker poll timeout must be >= 1ms")
	}

	if Config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}

	if Config.Retry.DelayMS < 0 {
		return fmt.Errorf("retry delay must be >= 0")
	}

	if Config.Retry.ToleranceSeconds < 0 {
		return fmt.Errorf("retry tolerance must be >= 0")
	}

	switch Config.Store.Backend {
	case StoreSQLite, StorePebble:
	case StoreMySQL:
		if Config.Store.MySQL.DSN == "" {
			return fmt.Errorf("mysql backend requires a DSN")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", Config.Store.Backend)
	}

	if Config.Publish.NATS.Enabled && len(Config.Publish.NATS.URLs) == 0 {
		return fmt.Errorf("nats publishing requires at least one URL")
	}

	if Config.Publish.Kafka.Enabled && len(Config.Publish.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka publishing requires at least one broker")
	}

	if Config.Status.Enabled && (Config.Status.Port < 1 || Config.Status.Port > 65535) {
		return fmt.Errorf("invalid status port: %d", Config.Status.Port)
	}

	return nil
}

// GetSQLitePath returns the SQLite database path, defaulting under DataDir
func GetSQLitePath() string {
	if Config.Store.SQLite.Path != "" {
		return Config.Store.SQLite.Path
	}
	return path.Join(Config.DataDir, "events.db")
}

// GetEventLogPath returns the Pebble event log path, defaulting under DataDir
func GetEventLogPath() string {
	if Config.Store.Pebble.Path != "" {
		return Config.Store.Pebble.Path
	}
	return path.Join(Config.DataDir, "event-log")
}
