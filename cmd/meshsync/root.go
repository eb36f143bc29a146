package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/config"
	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/logger"
	"github.com/bit2swaz/meshsync/internal/tui"
	"github.com/bit2swaz/meshsync/internal/web"
)

var (
	configPath string
	apiAddr    string
	flagCfg    = config.Default()
)

var rootCmd = &cobra.Command{
	Use:           "meshsync",
	Short:         "Serverless peer-to-peer list sync",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a node with its control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := checkPort(cfg.APIAddr); err != nil {
			return fmt.Errorf("control API address %s is already in use", cfg.APIAddr)
		}

		log, err := logger.Init(cfg.LogFile, cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		node, err := engine.Open(cfg, log)
		if err != nil {
			return err
		}
		if err := node.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := node.Stop(stopCtx); err != nil {
				log.Warn("Node did not stop cleanly", zap.Error(err))
			}
		}()

		srvCtx, cancelSrv := context.WithCancel(ctx)
		defer cancelSrv()
		srv := web.NewServer(node, node.Metrics(), cfg.APIAddr, log.Named("web"))
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Start(srvCtx) }()

		self := node.Identity()
		fmt.Printf("meshsync node %s (%s) ready, control API on %s\n", self.NodeID, self.Nick, cfg.APIAddr)

		if cfg.Headless {
			log.Info("Running headless")
			select {
			case <-ctx.Done():
				return nil
			case err := <-srvErr:
				return err
			}
		}
		return tui.StartTUI(web.NewClient(cfg.APIAddr), self.NodeID)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("MESHSYNC_API_ADDR", config.Default().APIAddr), "Control API address of the node")

	f := startCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVarP(&flagCfg.Nick, "nick", "n", flagCfg.Nick, "Nickname shown to peers")
	f.StringVar(&flagCfg.APIAddr, "listen-api", flagCfg.APIAddr, "Control API listen address")
	f.StringVarP(&flagCfg.ListenAddr, "listen", "l", flagCfg.ListenAddr, "Peer listen address (tcp transport)")
	f.StringVar(&flagCfg.AdvertiseHost, "advertise", flagCfg.AdvertiseHost, "Host placed in offers (tcp transport)")
	f.StringVarP(&flagCfg.Transport, "transport", "t", flagCfg.Transport, "Peer transport: tcp or webrtc")
	f.StringVar(&flagCfg.Rendezvous, "rendezvous", flagCfg.Rendezvous, "Rendezvous backend: memory or redis")
	f.StringVar(&flagCfg.RedisURL, "redis-url", flagCfg.RedisURL, "Redis URL for the redis rendezvous backend")
	f.StringVar(&flagCfg.DBPath, "db", flagCfg.DBPath, "sqlite database path")
	f.StringVar(&flagCfg.IdentityPath, "identity", flagCfg.IdentityPath, "Identity file path")
	f.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&flagCfg.Headless, "headless", flagCfg.Headless, "Run without the terminal view")

	rootCmd.AddCommand(startCmd)
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("nick", func() { cfg.Nick = flagCfg.Nick })
	set("listen-api", func() { cfg.APIAddr = flagCfg.APIAddr })
	set("listen", func() { cfg.ListenAddr = flagCfg.ListenAddr })
	set("advertise", func() { cfg.AdvertiseHost = flagCfg.AdvertiseHost })
	set("transport", func() { cfg.Transport = flagCfg.Transport })
	set("rendezvous", func() { cfg.Rendezvous = flagCfg.Rendezvous })
	set("redis-url", func() { cfg.RedisURL = flagCfg.RedisURL })
	set("db", func() { cfg.DBPath = flagCfg.DBPath })
	set("identity", func() { cfg.IdentityPath = flagCfg.IdentityPath })
	set("log-level", func() { cfg.LogLevel = flagCfg.LogLevel })
	set("headless", func() { cfg.Headless = flagCfg.Headless })
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		os.Exit(1)
	}
}

func describe(err error) string {
	var apiErr *web.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return apperr.Message(err)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
