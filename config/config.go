package config

// Config represents the core grimoire configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Prompts  PromptsConfig  `mapstructure:"prompts"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file path (default: grimoire.db)
}

// FetchConfig configures remote prompt fetching
type FetchConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`      // Per-attempt deadline (default: 5)
	MaxRetries        int     `mapstructure:"max_retries"`          // Extra attempts after the first, transient failures only (default: 2)
	BackoffBaseMS     int     `mapstructure:"backoff_base_ms"`      // First retry delay in milliseconds (default: 1000)
	BackoffFactor     float64 `mapstructure:"backoff_factor"`       // Multiplier between retries (default: 2.0)
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`  // Per-guild token bucket rate (default: 10)
	MaxContentBytes   int64   `mapstructure:"max_content_bytes"`    // Response body hard cap before decode (default: 131072)
	MaxConcurrent     int     `mapstructure:"max_concurrent"`       // System-wide in-flight fetch cap (default: 20)
}

// CacheConfig configures the two-tier prompt cache
type CacheConfig struct {
	FreshTTLMinutes   int `mapstructure:"fresh_ttl_minutes"`   // Freshness window for new entries (default: 15)
	StaleGraceMinutes int `mapstructure:"stale_grace_minutes"` // How long past fetched_at a stale entry may serve (default: 60)
	MemoryCapacity    int `mapstructure:"memory_capacity"`     // Max entries in the in-process tier (default: 4096)
}

// RefreshConfig configures the background revalidation pool
type RefreshConfig struct {
	Workers            int `mapstructure:"workers"`              // Concurrent refresh workers (default: 20)
	QueueSize          int `mapstructure:"queue_size"`           // Pending refresh buffer (default: 256)
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"` // Graceful shutdown wait (default: 30)
}

// PromptsConfig configures prompt defaults and repo layout
type PromptsConfig struct {
	DefaultsDir string `mapstructure:"defaults_dir"` // Directory overriding embedded category defaults (default: "" = embedded)
}

// SyncConfig configures bulk cache warms
type SyncConfig struct {
	Workers int `mapstructure:"workers"` // Concurrent seeders per sync run (default: 8)
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"` // Listen address (default: 127.0.0.1:9477)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminToken guards the /v1 endpoints when set; /healthz stays open.
	// Environment-only by convention (GRIMOIRE_SERVER_ADMIN_TOKEN).
	AdminToken string `mapstructure:"admin_token"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
