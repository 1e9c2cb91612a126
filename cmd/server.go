package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"depositbox/config"
	"depositbox/discovery"
	"depositbox/registry"
	"depositbox/server"
	"depositbox/storage"
	"depositbox/vault"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the deposit server",
	Long: `Run the deposit server until interrupted.

On first start the server generates its own key pair and an empty encrypted
user registry in the data directory. Every accepted connection is served by
its own session.

Examples:
  depositbox server                         # listen on :1313
  depositbox server --listen 127.0.0.1:4000 # custom address
  depositbox server --mdns --instance lab   # advertise on the LAN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(cmd.Flags())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	serverCmd.Flags().String(config.FlagName(config.KeyListen), config.DefaultListen, "address to listen on")
	serverCmd.Flags().String(config.FlagName(config.KeyDataDir), "", "data directory (default: per-user app directory)")
	serverCmd.Flags().Bool(config.FlagName(config.KeyMDNS), false, "advertise the server via mDNS")
	serverCmd.Flags().String(config.FlagName(config.KeyInstance), "", "instance name advertised via mDNS")
	serverCmd.Flags().Duration(config.FlagName(config.KeyEventRetention), config.DefaultEventRetention, "how long audit events are kept")
}

// serverRuntime holds everything the server command opened, in closing order.
type serverRuntime struct {
	server      *server.Server
	broadcaster *discovery.Broadcaster
	store       *storage.Store
	dbPath      string
	registry    *registry.Registry
}

func startServer(cfg *config.ServerConfig) (*serverRuntime, error) {
	if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	users, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load user registry: %w", err)
	}

	store, dbPath, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	store.SetEventRetention(cfg.EventRetention)

	srv, err := server.Listen(cfg.Listen, server.Options{
		Credentials: users,
		Files:       vault.New(users),
		Events:      store,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	running := &serverRuntime{
		server:   srv,
		store:    store,
		dbPath:   dbPath,
		registry: users,
	}

	if cfg.MDNS {
		identity, err := config.LoadOrCreateIdentity(cfg.DataDir, cfg.Instance)
		if err != nil {
			log.Printf("server: mDNS identity unavailable: %v", err)
			return running, nil
		}
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			InstanceID:   identity.InstanceID,
			InstanceName: identity.InstanceName,
			Port:         listenPort(srv.Addr()),
		})
		if err != nil {
			log.Printf("server: mDNS broadcast failed: %v", err)
		} else {
			running.broadcaster = broadcaster
		}
	}

	return running, nil
}

func (r *serverRuntime) Close() {
	r.broadcaster.Stop()
	if err := r.server.Close(); err != nil {
		log.Printf("server: close listener: %v", err)
	}
	if err := r.store.Close(); err != nil {
		log.Printf("server: close audit database: %v", err)
	}
}

func runServer(ctx context.Context, cfg *config.ServerConfig, out io.Writer) error {
	running, err := startServer(cfg)
	if err != nil {
		return err
	}
	defer running.Close()

	fmt.Fprintf(out, "Listening:       %s\n", running.server.Addr())
	fmt.Fprintf(out, "Data Directory:  %s\n", cfg.DataDir)
	fmt.Fprintf(out, "Registry File:   %s\n", running.registry.Path())
	fmt.Fprintf(out, "Audit Database:  %s\n", running.dbPath)
	fmt.Fprintf(out, "Users:           %d\n", running.registry.Count())
	if running.broadcaster != nil {
		fmt.Fprintln(out, "Discovery:       advertising via mDNS")
	}
	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Fprintln(out, "Status:          shutting down")
	return nil
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

