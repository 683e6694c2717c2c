package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const appName = "discord_gateway"

type rootOptions struct {
	configPath string
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Discord gateway client",
		Long: `Connects a bot shard to the Discord gateway and keeps it connected,
resuming the session across reconnects.

Settings come from .env, an optional YAML file (--config) and DISCORD_*
environment variables. DISCORD_TOKEN is required.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(
		runCmd(opts),
		gatewayCmd(opts),
		channelCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
