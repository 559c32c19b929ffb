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
)

// GuildsCmd groups guild repository registration management
var GuildsCmd = &cobra.Command{
	Use:   "guilds",
	Short: sym.Guild + " Manage guild repository registrations",
	Long: sym.Guild + ` guilds — manage which repository serves each guild's prompts.

Every registration names the repository's contents-API base URL, the
branch to fetch from, and optionally an environment variable holding an
access token for private repositories.

Examples:
  grimoire guilds list
  grimoire guilds add guild-1 --owner acme --repo prompts \
    --source-url https://git.example.com/acme/prompts
  grimoire guilds add guild-2 --owner acme --repo prompts \
    --source-url https://git.example.com/acme/prompts \
    --credential-ref ACME_PROMPTS_TOKEN
  grimoire guilds disable guild-1
  grimoire guilds remove guild-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var guildsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered guilds",
	RunE:  runGuildsList,
}

var guildsAddCmd = &cobra.Command{
	Use:   "add <guild-id>",
	Short: "Register or update a guild's prompt repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuildsAdd,
}

var guildsEnableCmd = &cobra.Command{
	Use:   "enable <guild-id>",
	Short: "Enable custom prompts for a guild",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setGuildEnabled(args[0], true)
	},
}

var guildsDisableCmd = &cobra.Command{
	Use:   "disable <guild-id>",
	Short: "Disable custom prompts for a guild (defaults still serve)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setGuildEnabled(args[0], false)
	},
}

var guildsRemoveCmd = &cobra.Command{
	Use:   "remove <guild-id>",
	Short: "Remove a guild's registration and drop its cached prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuildsRemove,
}

var (
	addOwnerFlag         string
	addRepoFlag          string
	addSourceURLFlag     string
	addBranchFlag        string
	addCredentialRefFlag string
	addDisabledFlag      bool
)

func init() {
	guildsAddCmd.Flags().StringVar(&addOwnerFlag, "owner", "", "Repository owner")
	guildsAddCmd.Flags().StringVar(&addRepoFlag, "repo", "", "Repository name")
	guildsAddCmd.Flags().StringVar(&addSourceURLFlag, "source-url", "", "Contents-API base URL, {host}/{owner}/{repo} (required)")
	guildsAddCmd.Flags().StringVar(&addBranchFlag, "branch", "main", "Branch to fetch from")
	guildsAddCmd.Flags().StringVar(&addCredentialRefFlag, "credential-ref", "", "Environment variable naming the access token (never the token itself)")
	guildsAddCmd.Flags().BoolVar(&addDisabledFlag, "disabled", false, "Register without enabling")
	guildsAddCmd.MarkFlagRequired("source-url")

	GuildsCmd.AddCommand(guildsListCmd)
	GuildsCmd.AddCommand(guildsAddCmd)
	GuildsCmd.AddCommand(guildsEnableCmd)
	GuildsCmd.AddCommand(guildsDisableCmd)
	GuildsCmd.AddCommand(guildsRemoveCmd)
}

func runGuildsList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	configs, err := guild.NewStore(database).List(context.Background())
	if err != nil {
		return err
	}

	if len(configs) == 0 {
		pterm.Info.Println("No guilds registered")
		return nil
	}

	fmt.Printf("%s Registered guilds (%d)\n", sym.Guild, len(configs))
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("%-20s %-28s %-10s %-8s %-7s %-9s %s\n",
		"GUILD", "REPOSITORY", "BRANCH", "ENABLED", "SCHEMA", "VERSION", "LAST SYNC")
	for _, rc := range configs {
		fmt.Printf("%-20s %-28s %-10s %-8s %-7s %-9d %s\n",
			rc.GuildID,
			rc.Owner+"/"+rc.Repo,
			rc.Branch,
			yesNo(rc.Enabled),
			rc.SchemaVersion,
			rc.ConfigVersion,
			lastSync(rc),
		)
	}
	return nil
}

func lastSync(rc *guild.RepoConfig) string {
	if rc.LastSyncAt == nil {
		return "never"
	}
	status := rc.LastSyncStatus
	if status == "" {
		status = "unknown"
	}
	return fmt.Sprintf("%s (%s)", rc.LastSyncAt.Format("2006-01-02 15:04"), status)
}

func runGuildsAdd(cmd *cobra.Command, args []string) error {
	guildID := args[0]

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	rc := &guild.RepoConfig{
		GuildID:       guildID,
		Owner:         addOwnerFlag,
		Repo:          addRepoFlag,
		SourceURL:     addSourceURLFlag,
		Branch:        addBranchFlag,
		Enabled:       !addDisabledFlag,
		CredentialRef: addCredentialRefFlag,
	}

	version, err := guild.NewStore(database).Upsert(context.Background(), rc)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Guild %s registered (config version %d)", guildID, version)
	if addCredentialRefFlag != "" {
		pterm.Info.Printfln("Credential will be read from $%s at fetch time", addCredentialRefFlag)
	}
	pterm.Info.Printfln("Run 'grimoire sync %s' to warm the cache", guildID)
	return nil
}

func setGuildEnabled(guildID string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	version, err := guild.NewStore(database).SetEnabled(context.Background(), guildID, enabled)
	if err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	pterm.Success.Printfln("Guild %s %s (config version %d)", guildID, state, version)
	return nil
}

func runGuildsRemove(cmd *cobra.Command, args []string) error {
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

	ctx := context.Background()
	if err := guild.NewStore(database).Remove(ctx, guildID); err != nil {
		return err
	}

	cacheStore := cache.New(database, cache.ConfigFromApp(cfg))
	defer cacheStore.Close()
	dropped, err := cacheStore.InvalidateGuild(ctx, guildID)
	if err != nil {
		pterm.Warning.Printfln("Guild removed but cache cleanup failed: %v", err)
		return nil
	}

	pterm.Success.Printfln("Guild %s removed, %d cached prompts dropped", guildID, dropped)
	return nil
}
