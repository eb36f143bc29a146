package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/bit2swaz/meshsync/internal/store"
	"github.com/bit2swaz/meshsync/internal/web"
)

const clientTimeout = 60 * time.Second

var (
	manualOffer bool
	answerCode  string
	showAll     bool
	showHistory bool
	exportPath  string
)

// withClient runs fn against the node named by --api.
func withClient(fn func(ctx context.Context, c *web.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
		defer cancel()
		return fn(ctx, web.NewClient(apiAddr), args)
	}
}

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Host a connection and print its code",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		offer, err := c.Host(ctx, manualOffer)
		if err != nil {
			return err
		}
		if offer.Code != "" {
			fmt.Printf("CODE: %s\n", offer.Code)
			if qr, err := qrcode.New(offer.Code, qrcode.Medium); err == nil {
				fmt.Println(qr.ToString(false))
			}
			fmt.Println("Peers join with: meshsync join", offer.Code)
			fmt.Println("Or paste the full offer:")
			fmt.Println(offer.Blob)
			return nil
		}
		fmt.Println("Send this offer to the joiner:")
		fmt.Println(offer.Blob)
		fmt.Println("Then apply their reply with: meshsync answer <blob>")
		return nil
	}),
}

var joinCmd = &cobra.Command{
	Use:   "join <code|offer>",
	Short: "Join a host by code or pasted offer",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		ans, err := c.Join(ctx, args[0])
		if err != nil {
			return err
		}
		if ans.Deposited {
			fmt.Println("Answer delivered. The host connects automatically.")
			return nil
		}
		fmt.Println("Send this answer back to the host:")
		fmt.Println(ans.Blob)
		return nil
	}),
}

var answerCmd = &cobra.Command{
	Use:   "answer <blob>",
	Short: "Apply a joiner's pasted answer",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		id, err := c.ApplyAnswer(ctx, args[0], answerCode)
		if err != nil {
			return err
		}
		fmt.Println("Answer applied to session", id)
		return nil
	}),
}

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add an item",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		it, err := c.AddItem(ctx, strings.Join(args, " "))
		if it.ID != "" {
			// Printed even when saving failed; the item is live on the node.
			fmt.Println(it.ID)
		}
		return err
	}),
}

var editCmd = &cobra.Command{
	Use:   "edit <id> <text>",
	Short: "Replace an item's text",
	Args:  cobra.MinimumNArgs(2),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		_, err := c.UpdateItem(ctx, args[0], strings.Join(args[1:], " "))
		return err
	}),
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an item",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		_, err := c.DeleteItem(ctx, args[0])
		return err
	}),
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List items",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		items, err := c.Items(ctx, showAll)
		if err != nil {
			return err
		}
		t := newTable("ID", "TEXT", "UPDATED", "DELETED")
		for _, it := range items {
			t.Row(it.ID, it.Text, it.UpdatedAt, yesNo(it.Deleted))
		}
		fmt.Println(t.Render())
		return nil
	}),
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show the mesh, or every peer ever met with --history",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		var peers []store.Peer
		var err error
		if showHistory {
			peers, err = c.PeerHistory(ctx)
		} else {
			peers, err = c.Peers(ctx)
		}
		if err != nil {
			return err
		}
		t := newTable("ID", "NICK", "HOST", "CONNECTED")
		for _, p := range peers {
			t.Row(p.ID, p.Nick, yesNo(p.IsHost), p.ConnectedAt.Local().Format(time.DateTime))
		}
		fmt.Println(t.Render())
		return nil
	}),
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List negotiation sessions",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		sessions, err := c.Sessions(ctx)
		if err != nil {
			return err
		}
		t := newTable("ID", "ROLE", "STATE", "CODE", "REMOTE", "ERROR")
		for _, s := range sessions {
			t.Row(s.ID, string(s.Role), string(s.State), s.Code, s.RemoteNick, s.Error)
		}
		fmt.Println(t.Render())
		return nil
	}),
}

var closeCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		return c.CloseSession(ctx, args[0])
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and item counts",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		d, err := c.Diagnostics(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Node:       %s (%s)\n", st.NodeID, st.Nick)
		fmt.Printf("Status:     %s, %d open sessions, %d peers\n", st.Status, st.OpenSessions, st.PeerCount)
		fmt.Printf("Items:      %d live, %d tombstones\n", st.Items, st.Tombstones)
		fmt.Printf("Transport:  %s\n", d.Transport)
		fmt.Printf("Rendezvous: %s (reachable: %s)\n", d.Rendezvous, yesNo(d.RendezvousOK))
		fmt.Printf("Store:      %s %s\n", yesNo(d.StoreOK), d.StoreError)
		fmt.Printf("Uptime:     %s\n", d.Uptime)
		return nil
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every item, tombstones included, as JSON",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *web.Client, _ []string) error {
		doc, err := c.Export(ctx)
		if err != nil {
			return err
		}
		if exportPath == "" || exportPath == "-" {
			_, err = os.Stdout.Write(doc)
			return err
		}
		return os.WriteFile(exportPath, doc, 0o644)
	}),
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge an export into the node",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *web.Client, args []string) error {
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		applied, err := c.Import(ctx, doc)
		if err == nil || applied > 0 {
			fmt.Printf("%d items applied\n", applied)
		}
		return err
	}),
}

func init() {
	offerCmd.Flags().BoolVar(&manualOffer, "manual", false, "Print the full offer instead of storing it under a code")
	answerCmd.Flags().StringVar(&answerCode, "code", "", "Only apply to the session hosting this code")
	lsCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include deleted items")
	peersCmd.Flags().BoolVar(&showHistory, "history", false, "List every peer ever met")
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Output file (default stdout)")

	rootCmd.AddCommand(offerCmd, joinCmd, answerCmd, addCmd, editCmd, rmCmd, lsCmd,
		peersCmd, sessionsCmd, closeCmd, statusCmd, exportCmd, importCmd)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
