package cmd

import (
	"github.com/spf13/cobra"

	"depositbox/config"
)

var rootCmd = &cobra.Command{
	Use:   "depositbox",
	Short: "Depositbox - an encrypted, credential-gated file deposit service.",
	Long: `Depositbox stores files for registered users on a server, encrypted under
a key pair that belongs to each user.

Usage:
  depositbox <command> [flags]

Available Commands:
  server     Run the deposit server
  client     Connect to a server with the interactive menu client
  events     Show the server audit log

Settings come from flags, DEPOSITBOX_* environment variables (a .env file in
the working directory is loaded first), and config.yaml in the data directory.
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(eventsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
