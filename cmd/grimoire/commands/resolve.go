package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
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

// ResolveCmd resolves one prompt from the command line
var ResolveCmd = &cobra.Command{
	Use:   "resolve <guild-id> <category>",
	Short: sym.Resolve + " Resolve one prompt and print it",
	Long: sym.Resolve + ` resolve — walk the fallback chain for a guild and category.

Resolution is total: custom repository content wins when it is cached or
fetchable, stale content holds the line while a refresh runs, and the
embedded defaults answer for everything else. The winning prompt prints
to stdout with its {{placeholders}} substituted.

Examples:
  grimoire resolve guild-1 support
  grimoire resolve guild-1 support --var channel=#help --var tone=calm
  grimoire resolve guild-1 support --json`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var (
	resolveVarFlags []string
	resolveJSONFlag bool
)

func init() {
	ResolveCmd.Flags().StringArrayVar(&resolveVarFlags, "var", nil, "Template variable as name=value (repeatable)")
	ResolveCmd.Flags().BoolVar(&resolveJSONFlag, "json", false, "Print the full resolution result as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	guildID, category := args[0], args[1]

	vars, err := parseVarFlags(resolveVarFlags)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := refresh.New(ctx, refresh.ConfigFromApp(cfg))
	pool.Start()

	recorder := metrics.NewStoreEmitter(database, 0)
	resolver := prompt.NewResolver(guild.NewStore(database), guild.EnvSecretStore{},
		fetch.New(fetch.ConfigFromApp(cfg)), cacheStore, pool, defaults, recorder)

	result := resolver.Resolve(ctx, guildID, category, vars)

	// A stale hit schedules a refresh; give it its cancelled-context
	// wind-down before flushing the event log.
	pool.Stop()
	recorder.Close()

	if resolveJSONFlag {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(result.Content)
	pterm.Info.Printfln("source=%s%s", result.Source, describeTrailer(result))
	return nil
}

func describeTrailer(result prompt.ResolvedPrompt) string {
	var b strings.Builder
	if result.Path != "" {
		fmt.Fprintf(&b, " path=%s", result.Path)
	}
	if result.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", result.Reason)
	}
	return b.String()
}

// parseVarFlags turns repeated name=value flags into a variables map.
func parseVarFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(flags))
	for _, raw := range flags {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", raw)
		}
		vars[name] = value
	}
	return vars, nil
}
