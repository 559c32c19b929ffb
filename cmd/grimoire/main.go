package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/grimoire/cmd/grimoire/commands"
	"github.com/teranos/grimoire/logger"
)

var rootCmd = &cobra.Command{
	Use:   "grimoire",
	Short: "grimoire - external prompt resolution for guild bots",
	Long: `grimoire - per-guild prompt templates resolved from git repositories.

Guild operators keep prompt templates in their own repositories; grimoire
fetches, validates, caches, and falls back so a prompt is always served,
even when a repository is broken or unreachable.

Available commands:
  serve    - Run the resolver daemon with the admin API
  resolve  - Resolve one prompt and print it
  describe - Explain which fallback level a resolve would use
  guilds   - Manage guild repository registrations
  sync     - Clone a guild's repository and warm the cache
  refresh  - Drop a guild's cached prompts
  status   - Show database and cache statistics

Examples:
  grimoire serve                               # Run the daemon
  grimoire resolve guild-1 support             # Print the winning prompt
  grimoire describe guild-1 support            # Explain without fetching
  grimoire guilds add guild-1 --owner acme --repo prompts \
    --source-url https://git.example.com/acme/prompts
  grimoire sync guild-1                        # Warm the cache from a clone`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := zapcore.InfoLevel
		if verbosity > 0 {
			level = zapcore.DebugLevel
		}
		if err := logger.InitializeWithLevel(false, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ResolveCmd)
	rootCmd.AddCommand(commands.DescribeCmd)
	rootCmd.AddCommand(commands.GuildsCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.RefreshCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
