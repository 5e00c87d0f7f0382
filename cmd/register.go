package cmd

import (
	"fmt"
	"log"

	"github.com/arcward/queuebot/queuebot"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands, then exit",
	Long: "Overwrite the bot's slash commands in the configured guild, " +
		"or globally when no guild is configured. Requires the application ID.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if cfg.Discord.ApplicationID == "" {
			log.Fatal("Environment variable QB_DISCORD_APPLICATION_ID not set")
		}

		bot, err := queuebot.New(cfg)
		if err != nil {
			log.Fatalf("error creating queuebot: %s", err.Error())
		}
		if err = bot.ValidateConfig(); err != nil {
			log.Fatalf("invalid config: %s", err.Error())
		}

		registered, err := bot.RegisterSlashCommands(ctx, cfg.Discord.GuildID)
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		scope := "globally"
		if cfg.Discord.GuildID != "" {
			scope = "in guild " + cfg.Discord.GuildID
		}
		fmt.Fprintf(out, "Registered %d commands %s:\n", len(registered), scope)
		for _, c := range registered {
			fmt.Fprintf(out, "  /%s (%s)\n", c.Name, c.ID)
		}
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
