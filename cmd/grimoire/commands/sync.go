package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/sym"
	"github.com/teranos/grimoire/sync"
)

// SyncCmd clones guild repositories and seeds the cache from the worktree
var SyncCmd = &cobra.Command{
	Use:   "sync [guild-id]",
	Short: sym.Refresh + " Clone a guild's repository and warm the cache",
	Long: sym.Refresh + ` sync — bulk-warm the prompt cache from a shallow clone.

Instead of fetching prompts one at a time on demand, sync clones the
guild's repository, validates every prompt file, and seeds the cache in
one pass. Files that fail validation are skipped and reported; the rest
still land.

Examples:
  grimoire sync guild-1              # Warm one guild
  grimoire sync guild-1 --workers 4  # Bound concurrent seeding
  grimoire sync --all                # Warm every enabled guild`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var (
	syncWorkersFlag int
	syncAllFlag     bool
)

func init() {
	SyncCmd.Flags().IntVar(&syncWorkersFlag, "workers", 0, "Concurrent seeders (0 uses the configured default)")
	SyncCmd.Flags().BoolVar(&syncAllFlag, "all", false, "Sync every enabled guild")
}

func runSync(cmd *cobra.Command, args []string) error {
	if !syncAllFlag && len(args) == 0 {
		return fmt.Errorf("a guild ID is required unless --all is set")
	}
	if syncAllFlag && len(args) > 0 {
		return fmt.Errorf("--all and a guild ID are mutually exclusive")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	guilds := guild.NewStore(database)
	cacheStore := cache.New(database, cache.ConfigFromApp(cfg))
	defer cacheStore.Close()

	workers := syncWorkersFlag
	if workers <= 0 {
		workers = cfg.Sync.Workers
	}
	syncer := sync.New(guilds, guild.EnvSecretStore{}, cacheStore, workers)

	ctx := context.Background()

	if !syncAllFlag {
		return syncOne(ctx, syncer, args[0])
	}

	configs, err := guilds.List(ctx)
	if err != nil {
		return err
	}

	var failures int
	for _, rc := range configs {
		if !rc.Enabled {
			pterm.Info.Printfln("Skipping %s (disabled)", rc.GuildID)
			continue
		}
		if err := syncOne(ctx, syncer, rc.GuildID); err != nil {
			failures++
			pterm.Error.Printfln("Sync failed for %s: %v", rc.GuildID, err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d guild(s) failed to sync", failures)
	}
	return nil
}

func syncOne(ctx context.Context, syncer *sync.Syncer, guildID string) error {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Syncing %s...", guildID))

	report, err := syncer.Run(ctx, guildID)
	if err != nil {
		if spinner != nil {
			spinner.Fail(fmt.Sprintf("Sync failed for %s", guildID))
		}
		return err
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("Sync finished for %s", guildID))
	}

	printSyncReport(report)
	return nil
}

func printSyncReport(report *sync.Report) {
	fmt.Printf("  Status:    %s\n", report.Status)
	fmt.Printf("  Branch:    %s @ %s\n", report.Branch, shortCommit(report.Commit))
	fmt.Printf("  Schema:    %s\n", report.SchemaVersion)
	fmt.Printf("  Seeded:    %d files\n", report.Seeded)
	fmt.Printf("  Routes:    %s\n", routesState(report.RoutesPresent))
	fmt.Printf("  Duration:  %s\n", report.Duration.Round(time.Millisecond))

	if len(report.Skipped) > 0 {
		pterm.Warning.Printfln("Skipped %d file(s):", len(report.Skipped))
		for _, skipped := range report.Skipped {
			fmt.Printf("    %s: %s\n", skipped.Path, skipped.Reason)
		}
	}
}

func shortCommit(commit string) string {
	if len(commit) >= 7 {
		return commit[:7]
	}
	return commit
}

func routesState(present bool) string {
	if present {
		return "present"
	}
	return "missing (custom prompts unreachable)"
}
