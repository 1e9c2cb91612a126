package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"depositbox/client"
	"depositbox/config"
	"depositbox/discovery"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a deposit server with the interactive menu client",
	Long: `Connect to a deposit server and drive it from a numbered menu.

Files to send are read from the work directory and retrieved files are
written there. Replies that take longer than the reply timeout are abandoned
on the next input line.

Examples:
  depositbox client                                  # connect to localhost:1313
  depositbox client --server box.example:1313        # custom server
  depositbox client --proxy 127.0.0.1:9050 --server abc.onion:1313
  depositbox client --discover                       # find a server on the LAN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(cmd.Flags())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runClient(ctx, cfg)
	},
}

func init() {
	clientCmd.Flags().String(config.FlagName(config.KeyServer), config.DefaultServer, "server address")
	clientCmd.Flags().String(config.FlagName(config.KeyWorkDir), config.DefaultWorkDir, "directory for files to send and retrieved files")
	clientCmd.Flags().String(config.FlagName(config.KeyProxy), "", "SOCKS5 proxy address, e.g. a local Tor daemon")
	clientCmd.Flags().Bool(config.FlagName(config.KeyDiscover), false, "find the server via mDNS instead of --server")
	clientCmd.Flags().Duration(config.FlagName(config.KeyReplyTimeout), config.DefaultReplyTimeout, "how long to wait for a reply")
	clientCmd.Flags().String(config.FlagName(config.KeyDataDir), "", "data directory holding config.yaml")
}

func runClient(ctx context.Context, cfg *config.ClientConfig) error {
	address := cfg.Server
	if cfg.Discover {
		found, err := discovery.Lookup(ctx, discovery.Config{})
		if err != nil {
			return fmt.Errorf("discover server: %w", err)
		}
		address = found
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	conn, err := client.Dial(ctx, address, client.DialOptions{Proxy: cfg.Proxy})
	if err != nil {
		return err
	}

	fmt.Println()
	figure.NewColorFigure("Depositbox", "", "green", true).Print()
	fmt.Println()
	fmt.Printf("%s Connected to %s\n", color.GreenString("✓"), color.YellowString(address))
	if cfg.Proxy != "" {
		fmt.Printf("%s Using proxy %s\n", color.CyanString("→"), color.YellowString(cfg.Proxy))
	}
	fmt.Printf("%s Work directory %s\n\n", color.CyanString("→"), color.YellowString(cfg.WorkDir))

	console := client.NewConsole(os.Stdin, os.Stdout)
	return client.Run(ctx, conn, console, os.Stdout, client.SessionOptions{
		WorkDir:      cfg.WorkDir,
		ReplyTimeout: cfg.ReplyTimeout,
	})
}
