package commands

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/sym"
)

// StatusCmd shows database and cache statistics
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.DB + " Show database and cache statistics",
	Long: sym.DB + ` status — snapshot the resolver's storage state.

Shows registered guilds, cache tier occupancy by freshness, and how
recent resolutions split across the fallback levels.

Example:
  grimoire status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("%s grimoire status\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database path: %s\n\n", cfg.GetDatabasePath())

	if err := printGuildStats(database); err != nil {
		return err
	}
	if err := printCacheStats(database); err != nil {
		return err
	}
	return printResolutionStats(database)
}

func printGuildStats(database *sql.DB) error {
	var total, enabled int
	err := database.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM guild_repos`).Scan(&total, &enabled)
	if err != nil {
		return fmt.Errorf("failed to query guild stats: %w", err)
	}

	fmt.Printf("Guilds:\n")
	fmt.Printf("  Registered: %d\n", total)
	fmt.Printf("  Enabled:    %d\n", enabled)

	var failed int
	err = database.QueryRow(`
		SELECT COUNT(*) FROM guild_repos WHERE last_sync_status = 'failed'`).Scan(&failed)
	if err != nil {
		return fmt.Errorf("failed to query sync failures: %w", err)
	}
	if failed > 0 {
		fmt.Printf("  Last sync failed: %d\n", failed)
	}
	fmt.Println()
	return nil
}

func printCacheStats(database *sql.DB) error {
	now := time.Now().UTC()

	var total, fresh, stale int
	err := database.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(fresh_until > ?), 0),
			COALESCE(SUM(fresh_until <= ? AND stale_until > ?), 0)
		FROM prompt_cache`, now, now, now).Scan(&total, &fresh, &stale)
	if err != nil {
		return fmt.Errorf("failed to query cache stats: %w", err)
	}

	fmt.Printf("Prompt cache:\n")
	fmt.Printf("  Entries:  %d\n", total)
	fmt.Printf("  Fresh:    %d\n", fresh)
	fmt.Printf("  Stale:    %d\n", stale)
	fmt.Printf("  Expired:  %d (reaped lazily)\n", total-fresh-stale)
	fmt.Println()
	return nil
}

func printResolutionStats(database *sql.DB) error {
	rows, err := database.Query(`
		SELECT source, COUNT(*) FROM resolution_log GROUP BY source ORDER BY COUNT(*) DESC`)
	if err != nil {
		return fmt.Errorf("failed to query resolution stats: %w", err)
	}
	defer rows.Close()

	fmt.Printf("Resolutions by source:\n")
	var any bool
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return fmt.Errorf("failed to scan resolution stats: %w", err)
		}
		any = true
		fmt.Printf("  %-18s %d\n", source, count)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate resolution stats: %w", err)
	}
	if !any {
		fmt.Println("  No resolutions recorded yet")
	}
	return nil
}
