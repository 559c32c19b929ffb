package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/sym"
	"github.com/teranos/grimoire/sync"
)

// RefreshCmd drops a guild's cached prompts
var RefreshCmd = &cobra.Command{
	Use:   "refresh <guild-id>",
	Short: sym.Cache + " Drop a guild's cached prompts",
	Long: sym.Cache + ` refresh — invalidate everything cached for a guild.

The next resolves fetch anew; until they land, defaults serve. With
--warm the cache is reseeded immediately from a fresh clone instead of
waiting for demand.

Examples:
  grimoire refresh guild-1         # Invalidate only
  grimoire refresh guild-1 --warm  # Invalidate, then sync`,
	Args: cobra.ExactArgs(1),
	RunE: runRefresh,
}

var refreshWarmFlag bool

func init() {
	RefreshCmd.Flags().BoolVar(&refreshWarmFlag, "warm", false, "Reseed the cache from a clone after invalidating")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	guildID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	cacheStore := cache.New(database, cache.ConfigFromApp(cfg))
	defer cacheStore.Close()

	ctx := context.Background()
	dropped, err := cacheStore.InvalidateGuild(ctx, guildID)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Dropped %d cached prompts for %s", dropped, guildID)

	if !refreshWarmFlag {
		return nil
	}

	syncer := sync.New(guild.NewStore(database), guild.EnvSecretStore{}, cacheStore, cfg.Sync.Workers)
	return syncOne(ctx, syncer, guildID)
}
