package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/fetch"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/metrics"
	"github.com/teranos/grimoire/prompt"
	"github.com/teranos/grimoire/refresh"
	"github.com/teranos/grimoire/server"
	"github.com/teranos/grimoire/sym"
	"github.com/teranos/grimoire/sync"
)

// ServeCmd runs the resolver daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Server + " Run the resolver daemon with the admin API",
	Long: sym.Server + ` serve — run the grimoire resolver daemon.

The daemon keeps the prompt cache warm in the background and exposes the
admin API:
  GET  /healthz                      - liveness
  GET  /v1/guilds/{id}/describe      - which fallback level would win
  POST /v1/guilds/{id}/refresh       - drop cached prompts, rewarm
  GET  /v1/events                    - websocket stream of resolutions

Set GRIMOIRE_SERVER_ADMIN_TOKEN to require a bearer token on /v1.

Example:
  grimoire serve                 # Listen on the configured address
  grimoire serve --addr :9477    # Override the listen address`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().String("addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	defaults, err := loadDefaults(cfg)
	if err != nil {
		return err
	}

	guilds := guild.NewStore(database)
	secrets := guild.EnvSecretStore{}
	fetcher := fetch.New(fetch.ConfigFromApp(cfg))
	cacheStore := cache.New(database, cache.ConfigFromApp(cfg))
	defer cacheStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := refresh.New(ctx, refresh.ConfigFromApp(cfg))
	pool.Start()

	// The hub joins the fanout before the resolver exists so live
	// resolves stream to websocket clients from the first request.
	hub := server.NewHub()
	recorder := metrics.NewStoreEmitter(database, 0)
	fanout := metrics.Fanout{recorder, hub}

	resolver := prompt.NewResolver(guilds, secrets, fetcher, cacheStore, pool, defaults, fanout)
	syncer := sync.New(guilds, secrets, cacheStore, cfg.Sync.Workers)
	srv := server.New(cfg, resolver, syncer, database, hub)

	watcher := watchUserConfig()
	if watcher != nil {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("%s grimoire daemon started\n", sym.Server)
	fmt.Printf("  Admin API:      http://%s\n", cfg.Server.Addr)
	fmt.Printf("  Database:       %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Refresh pool:   %d workers\n", refresh.ConfigFromApp(cfg).Workers)
	fmt.Printf("  Fetch cap:      %d in flight\n", fetch.ConfigFromApp(cfg).MaxConcurrent)
	fmt.Printf("  Admin token:    %s\n", tokenState(cfg))
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Server)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	}

	fmt.Printf("\n%s Shutting down...\n", sym.Server)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Admin server shutdown error", logger.FieldError, err)
	}

	// Refreshes drain before the event recorder flushes, so their final
	// outcomes are on disk when the process exits.
	pool.Stop()
	recorder.Close()

	fmt.Printf("%s grimoire daemon stopped\n", sym.Server)
	return nil
}

// loadDefaults builds the embedded category defaults, or the operator's
// override directory when configured.
func loadDefaults(cfg *config.Config) (*prompt.Defaults, error) {
	if dir := cfg.Prompts.DefaultsDir; dir != "" {
		defaults, err := prompt.LoadDefaultsDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load defaults from %s: %w", dir, err)
		}
		return defaults, nil
	}
	defaults, err := prompt.LoadDefaults()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded defaults: %w", err)
	}
	return defaults, nil
}

// watchUserConfig watches ~/.grimoire/config.toml when it exists.
// Process-level limits need a restart; the reload log tells the
// operator which edits took effect.
func watchUserConfig() *config.Watcher {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	path := filepath.Join(home, ".grimoire", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable",
			logger.FieldPath, path,
			logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(updated *config.Config) error {
		logger.Infow("Configuration reloaded; fetch, cache, and pool limits apply on restart",
			logger.FieldPath, path)
		return nil
	})
	watcher.Start()
	return watcher
}

func tokenState(cfg *config.Config) string {
	if cfg.Server.AdminToken != "" {
		return "required on /v1"
	}
	return "not set (open)"
}
