package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailflow/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Debug            bool   `toml:"debug"` // Enable SQL query logging
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	User             string `toml:"user"`
	Password         string `toml:"password"`
	Name             string `toml:"name"`
	TLSMode          bool   `toml:"tls"`
	MaxConns         int    `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns         int    `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime  string `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime  string `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	QueryTimeout     string `toml:"query_timeout"`      // Default timeout for queries (default: "30s")
	MigrationTimeout string `toml:"migration_timeout"`  // Timeout for schema migrations (default: "2m")
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// URL returns the connection string for the database.
func (d *DatabaseConfig) URL() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, port, d.Name, sslMode)
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// GetDebug returns the debug flag
func (s *S3Config) GetDebug() bool {
	return s.Debug
}

// MaildropConfig configures the outbound queue enqueuer.
type MaildropConfig struct {
	Hostname       string `toml:"hostname"`         // Used in synthesized Message-ID values
	SendingZone    string `toml:"sending_zone"`     // Default sending zone for queued deliveries
	LoopSecret     string `toml:"loop_secret"`      // Secret used to sign loop markers
	MaxReceived    int    `toml:"max_received"`     // Received headers treated as a loop (default: 30)
	MaxLoopMarkers int    `toml:"max_loop_markers"` // Loop markers inspected per message (default: 100)
	ChunkSize      int    `toml:"chunk_size"`       // Read size for message streams in bytes
	BodyBuffer     int    `toml:"body_buffer"`      // Chunks buffered between pipeline stages
	MaxHeaderSize  int    `toml:"max_header_size"`  // Largest accepted header block in bytes
	MaxMessageSize int64  `toml:"max_message_size"` // Queued messages above this size are rejected, 0 disables
}

// GetHostname returns the configured hostname or the system hostname.
func (m *MaildropConfig) GetHostname() string {
	if m.Hostname != "" {
		return m.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// GetSendingZone returns the sending zone with a default.
func (m *MaildropConfig) GetSendingZone() string {
	if m.SendingZone == "" {
		return "default"
	}
	return m.SendingZone
}

// GetMaxReceived returns the hop count limit.
func (m *MaildropConfig) GetMaxReceived() int {
	if m.MaxReceived <= 0 {
		return 30
	}
	return m.MaxReceived
}

// GetMaxLoopMarkers returns how many loop markers are checked.
func (m *MaildropConfig) GetMaxLoopMarkers() int {
	if m.MaxLoopMarkers <= 0 {
		return 100
	}
	return m.MaxLoopMarkers
}

// GetChunkSize returns the stream chunk size.
func (m *MaildropConfig) GetChunkSize() int {
	if m.ChunkSize <= 0 {
		return 64 * 1024
	}
	return m.ChunkSize
}

// GetBodyBuffer returns the channel capacity between stream stages.
func (m *MaildropConfig) GetBodyBuffer() int {
	if m.BodyBuffer <= 0 {
		return 16
	}
	return m.BodyBuffer
}

// GetMaxHeaderSize returns the header size limit.
func (m *MaildropConfig) GetMaxHeaderSize() int {
	if m.MaxHeaderSize <= 0 {
		return 1024 * 1024
	}
	return m.MaxHeaderSize
}

// LimitsConfig holds forward and autoreply rate limits.
type LimitsConfig struct {
	ForwardWindow     string `toml:"forward_window"`     // Rolling window for forward counting (default: "1h")
	ForwardQuota      int    `toml:"forward_quota"`      // Forwards per window when the user has no own limit (default: 2000)
	AutoreplyInterval string `toml:"autoreply_interval"` // One autoreply per sender per interval (default: "4h")
	AutoreplyLimit    int    `toml:"autoreply_limit"`    // Autoreplies per user per window (default: 2000)
	AutoreplyWindow   string `toml:"autoreply_window"`   // Rolling window for the autoreply limit (default: "24h")
}

// GetForwardWindow parses the forward window
func (l *LimitsConfig) GetForwardWindow() (time.Duration, error) {
	if l.ForwardWindow == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(l.ForwardWindow)
}

// GetForwardQuota returns the default forward quota
func (l *LimitsConfig) GetForwardQuota() int {
	if l.ForwardQuota <= 0 {
		return 2000
	}
	return l.ForwardQuota
}

// GetAutoreplyInterval parses the per sender autoreply interval
func (l *LimitsConfig) GetAutoreplyInterval() (time.Duration, error) {
	if l.AutoreplyInterval == "" {
		return 4 * time.Hour, nil
	}
	return helpers.ParseDuration(l.AutoreplyInterval)
}

// GetAutoreplyLimit returns the per user autoreply limit
func (l *LimitsConfig) GetAutoreplyLimit() int {
	if l.AutoreplyLimit <= 0 {
		return 2000
	}
	return l.AutoreplyLimit
}

// GetAutoreplyWindow parses the autoreply limit window
func (l *LimitsConfig) GetAutoreplyWindow() (time.Duration, error) {
	if l.AutoreplyWindow == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(l.AutoreplyWindow)
}

// TTLStoreConfig selects where rate counters and dedup sets live.
type TTLStoreConfig struct {
	Backend         string `toml:"backend"`          // "postgres" or "sqlite"
	Path            string `toml:"path"`             // SQLite database file
	CleanupInterval string `toml:"cleanup_interval"` // How often expired entries are purged (default: "10m")
}

// IsSQLite reports whether the SQLite backend is selected.
func (t *TTLStoreConfig) IsSQLite() bool {
	return strings.EqualFold(t.Backend, "sqlite")
}

// GetCleanupInterval parses the cleanup interval
func (t *TTLStoreConfig) GetCleanupInterval() (time.Duration, error) {
	if t.CleanupInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(t.CleanupInterval)
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Path         string   `toml:"path"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDR blocks allowed to scrape; empty allows all
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Maildrop MaildropConfig `toml:"maildrop"`
	Limits   LimitsConfig   `toml:"limits"`
	TTLStore TTLStoreConfig `toml:"ttl_store"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Name:            "mailflow",
			MaxConns:        50,
			MinConns:        5,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		S3: S3Config{
			Endpoint: "localhost:9000",
			Bucket:   "mailflow",
		},
		Maildrop: MaildropConfig{
			SendingZone:    "default",
			MaxReceived:    30,
			MaxLoopMarkers: 100,
			ChunkSize:      64 * 1024,
			BodyBuffer:     16,
			MaxHeaderSize:  1024 * 1024,
		},
		Limits: LimitsConfig{
			ForwardWindow:     "1h",
			ForwardQuota:      2000,
			AutoreplyInterval: "4h",
			AutoreplyLimit:    2000,
			AutoreplyWindow:   "24h",
		},
		TTLStore: TTLStoreConfig{
			Backend:         "postgres",
			Path:            "/var/lib/mailflow/ttl.db",
			CleanupInterval: "10m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Maildrop.LoopSecret == "" {
		return fmt.Errorf("maildrop.loop_secret must be set")
	}
	switch strings.ToLower(c.TTLStore.Backend) {
	case "", "postgres":
	case "sqlite":
		if c.TTLStore.Path == "" {
			return fmt.Errorf("ttl_store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown ttl_store.backend %q", c.TTLStore.Backend)
	}
	if _, err := c.Limits.GetForwardWindow(); err != nil {
		return fmt.Errorf("invalid limits.forward_window: %w", err)
	}
	if _, err := c.Limits.GetAutoreplyInterval(); err != nil {
		return fmt.Errorf("invalid limits.autoreply_interval: %w", err)
	}
	if _, err := c.Limits.GetAutoreplyWindow(); err != nil {
		return fmt.Errorf("invalid limits.autoreply_window: %w", err)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// This function should be used instead of toml.DecodeFile directly to ensure consistent config processing.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}
