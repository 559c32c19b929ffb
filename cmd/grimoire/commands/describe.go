package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/fetch"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/metrics"
	"github.com/teranos/grimoire/prompt"
	"github.com/teranos/grimoire/refresh"
	"github.com/teranos/grimoire/sym"
)

// DescribeCmd explains a resolve without performing one
var DescribeCmd = &cobra.Command{
	Use:   "describe <guild-id> <category>",
	Short: sym.Route + " Explain which fallback level a resolve would use",
	Long: sym.Route + ` describe — explain a resolve without fetching anything.

The verdict comes from configuration and cache state alone. When content
is not cached the answer is the floor a resolve could not fall below;
the reason notes what a live fetch might improve.

Examples:
  grimoire describe guild-1 support
  grimoire describe guild-1 support --var channel=#help
  grimoire describe guild-1 support --json`,
	Args: cobra.ExactArgs(2),
	RunE: runDescribe,
}

var (
	describeVarFlags []string
	describeJSONFlag bool
)

func init() {
	DescribeCmd.Flags().StringArrayVar(&describeVarFlags, "var", nil, "Template variable as name=value (repeatable)")
	DescribeCmd.Flags().BoolVar(&describeJSONFlag, "json", false, "Print the diagnostic as JSON")
}

func runDescribe(cmd *cobra.Command, args []string) error {
	guildID, category := args[0], args[1]

	vars, err := parseVarFlags(describeVarFlags)
	if err != nil {
		return err
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

	defaults, err := loadDefaults(cfg)
	if err != nil {
		return err
	}

	cacheStore := cache.New(database, cache.ConfigFromApp(cfg))
	defer cacheStore.Close()

	ctx := context.Background()

	// Describe never fetches and never schedules; the pool stays unstarted.
	pool := refresh.New(ctx, refresh.ConfigFromApp(cfg))
	resolver := prompt.NewResolver(guild.NewStore(database), guild.EnvSecretStore{},
		fetch.New(fetch.ConfigFromApp(cfg)), cacheStore, pool, defaults, metrics.Nop{})

	diag := resolver.Describe(ctx, guildID, category, vars)

	if describeJSONFlag {
		out, err := json.MarshalIndent(diag, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format diagnostic: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("%s Resolution diagnostic: %s / %s\n", sym.Route, guildID, category)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Would use:      %s\n", diag.WouldUse)
	fmt.Printf("Reason:         %s\n", diag.Reason)
	fmt.Printf("Config present: %s\n", yesNo(diag.ConfigPresent))
	if diag.ConfigPresent {
		fmt.Printf("Enabled:        %s\n", yesNo(diag.Enabled))
		fmt.Printf("Schema:         %s\n", diag.SchemaVersion)
	}
	if diag.RoutePath != "" {
		fmt.Printf("Route path:     %s\n", diag.RoutePath)
	}
	if diag.CacheState != "" {
		fmt.Printf("Cache state:    %s\n", diag.CacheState)
	}
	if len(diag.Variables) > 0 {
		fmt.Printf("Variables:      %s\n", strings.Join(diag.Variables, ", "))
	}

	printRecentEvents(ctx, database, guildID)
	return nil
}

// printRecentEvents appends the guild's latest resolution history
func printRecentEvents(ctx context.Context, database *sql.DB, guildID string) {
	events, err := metrics.Recent(ctx, database, guildID, 5)
	if err != nil || len(events) == 0 {
		return
	}

	fmt.Printf("\nRecent resolutions (last %d):\n", len(events))
	for _, e := range events {
		fmt.Printf("  [%s] %-16s %s (%dms)\n",
			e.CreatedAt.Format(time.RFC3339), e.Source, e.Category, e.DurationMS)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
