package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "grimoire.db")

	// Fetch defaults
	v.SetDefault("fetch.timeout_seconds", 5)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_base_ms", 1000)
	v.SetDefault("fetch.backoff_factor", 2.0)
	v.SetDefault("fetch.requests_per_minute", 10)
	v.SetDefault("fetch.max_content_bytes", 131072) // validator rejects at 50 KB; this guards the wire
	v.SetDefault("fetch.max_concurrent", 20)

	// Cache defaults
	v.SetDefault("cache.fresh_ttl_minutes", 15)
	v.SetDefault("cache.stale_grace_minutes", 60)
	v.SetDefault("cache.memory_capacity", 4096)

	// Refresh pool defaults
	v.SetDefault("refresh.workers", 20)
	v.SetDefault("refresh.queue_size", 256)
	v.SetDefault("refresh.stop_timeout_seconds", 30)

	// Prompt defaults
	v.SetDefault("prompts.defaults_dir", "")

	// Sync defaults
	v.SetDefault("sync.workers", 8)

	// Admin server defaults
	v.SetDefault("server.addr", "127.0.0.1:9477")
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Database path
	v.BindEnv("database.path", "GRIMOIRE_DATABASE_PATH")

	// Admin server bind address
	v.BindEnv("server.addr", "GRIMOIRE_SERVER_ADDR")

	// Admin API token; never belongs in a config file
	v.BindEnv("server.admin_token", "GRIMOIRE_SERVER_ADMIN_TOKEN")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "grimoire.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Fetch: {Timeout: %ds, Rate: %d/min}, Refresh: {Workers: %d}}",
		c.Database.Path, c.Fetch.TimeoutSeconds, c.Fetch.RequestsPerMinute, c.Refresh.Workers)
}
