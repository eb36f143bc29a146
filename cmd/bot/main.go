// Command bot is a scripted peer for manual testing: it joins a host by
// code, publishes one item and leaves.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/config"
	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/logger"
)

var (
	nick     string
	text     string
	listen   string
	stayFor  time.Duration
	redisURL string
)

func main() {
	cmd := &cobra.Command{
		Use:          "bot <code|offer>",
		Short:        "Join a mesh, add an item, leave",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().StringVar(&nick, "nick", "TestBot", "Nickname")
	cmd.Flags().StringVar(&text, "text", "Hello! I am a bot.", "Item to publish")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "Peer listen address")
	cmd.Flags().DurationVar(&stayFor, "stay", 10*time.Second, "How long to stay online after publishing")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Shared redis rendezvous; codes only resolve across processes through it")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, apperr.Message(err))
		os.Exit(1)
	}
}

func run(_ *cobra.Command, args []string) error {
	dir, err := os.MkdirTemp("", "meshsync-bot-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Nick = nick
	cfg.ListenAddr = listen
	cfg.DBPath = filepath.Join(dir, "bot.db")
	cfg.IdentityPath = filepath.Join(dir, "identity.json")
	if redisURL != "" {
		cfg.Rendezvous = "redis"
		cfg.RedisURL = redisURL
	}

	log, err := logger.New(filepath.Join(dir, "bot.log"), "debug")
	if err != nil {
		return err
	}
	node, err := engine.Open(cfg, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = node.Stop(stopCtx)
		fmt.Println("Bot left the mesh.")
	}()

	fmt.Printf("Bot %s joining...\n", node.Identity().NodeID)
	ans, err := node.Join(ctx, args[0])
	if err != nil {
		return err
	}
	if !ans.Deposited {
		fmt.Println("Give the host this answer:")
		fmt.Println(ans.Blob)
	}

	if err := waitConnected(ctx, node, cfg.ConnectTimeout); err != nil {
		return err
	}

	fmt.Printf("Publishing %q\n", text)
	if _, err := node.AddItem(ctx, text); err != nil && !apperr.IsPersistence(err) {
		return err
	}

	fmt.Printf("Staying online for %s...\n", stayFor)
	time.Sleep(stayFor)
	return nil
}

func waitConnected(ctx context.Context, node *engine.Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := node.Status(ctx)
		if err != nil {
			return err
		}
		if st.Status == "connected" {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return apperr.New(apperr.KindTransport, "bot", "host never connected")
}
