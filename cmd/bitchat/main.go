package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Falk3579/bitchat-android/internal/config"
	"github.com/Falk3579/bitchat-android/internal/crypto"
	"github.com/Falk3579/bitchat-android/internal/directory"
	"github.com/Falk3579/bitchat-android/internal/logging"
	"github.com/Falk3579/bitchat-android/internal/node"
	"github.com/Falk3579/bitchat-android/internal/protocol"
	"github.com/Falk3579/bitchat-android/internal/transport"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bitchat")
}

var rootCmd = &cobra.Command{
	Use:   "bitchat",
	Short: "Decentralized mesh chat.",
	Long: `bitchat — serverless peer-to-peer messaging.

No account. No server. Messages flood a mesh of peers and every node
relays for everyone else. Private messages are end-to-end encrypted
under a per-peer session established on first contact.`,
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		path := filepath.Join(dataDir, "identity.json")

		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Identity already exists at %s\n", path)
			fmt.Print("Overwrite? [y/N] ")
			var resp string
			fmt.Scanln(&resp)
			if !strings.EqualFold(strings.TrimSpace(resp), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := kp.Save(path); err != nil {
			return err
		}
		fmt.Printf("\n✓ Identity generated\n")
		fmt.Printf("  Peer ID    : %s\n", kp.PeerID())
		fmt.Printf("  Public key : %s\n", kp.PublicKeyHex())
		fmt.Printf("  Saved to   : %s\n\n", path)
		fmt.Println("Share your peer ID with others so they can message you.")
		return nil
	},
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bitchat node",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			configPath = filepath.Join(dataDir, "bitchat.toml")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Flags override the file when set explicitly.
		if cmd.Flags().Changed("listen") {
			cfg.ListenAddress, _ = cmd.Flags().GetString("listen")
		}
		if cmd.Flags().Changed("bootstrap") {
			cfg.Bootstrap, _ = cmd.Flags().GetStringSlice("bootstrap")
		}
		if cmd.Flags().Changed("nick") {
			cfg.Nickname, _ = cmd.Flags().GetString("nick")
		}
		if cfg.DataDir == "" {
			cfg.DataDir = dataDir
		}

		log := logging.New(cfg)
		defer log.Sync() //nolint:errcheck

		identityPath := filepath.Join(cfg.DataDir, "identity.json")
		kp, err := crypto.LoadKeyPair(identityPath)
		if err != nil {
			return fmt.Errorf("no identity found at %s — run 'bitchat keygen' first", identityPath)
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return err
		}

		dir, err := directory.New(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open directory: %w", err)
		}
		defer dir.Close()

		tr := transport.NewTCP(cfg.ListenAddress, log.Named("transport"))

		n, err := node.New(node.Config{
			Keys:      kp,
			Nickname:  cfg.Nickname,
			Transport: tr,
			Directory: dir,
			Logger:    log,
			Rate:      cfg.SendRate(),
			Bootstrap: cfg.Bootstrap,
		})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		if cfg.MetricsAddress != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
					log.Warn("metrics listener stopped", zap.Error(err))
				}
			}()
		}

		// Print incoming messages to stdout
		go func() {
			for msg := range n.Messages() {
				from := msg.From
				if msg.Nickname != "" {
					from = msg.Nickname + " (" + msg.From[:8] + "...)"
				}
				tag := ""
				if msg.Private {
					tag = " 🔒"
				}
				fmt.Printf("\n📨 [%s]%s %s\n> ", from, tag, msg.Content)
			}
		}()

		fmt.Printf("\n")
		fmt.Printf("  ██████╗ ██╗████████╗ ██████╗██╗  ██╗ █████╗ ████████╗\n")
		fmt.Printf("  ██╔══██╗██║╚══██╔══╝██╔════╝██║  ██║██╔══██╗╚══██╔══╝\n")
		fmt.Printf("  ██████╔╝██║   ██║   ██║     ███████║███████║   ██║   \n")
		fmt.Printf("  ██╔══██╗██║   ██║   ██║     ██╔══██║██╔══██║   ██║   \n")
		fmt.Printf("  ██████╔╝██║   ██║   ╚██████╗██║  ██║██║  ██║   ██║   \n")
		fmt.Printf("  ╚═════╝ ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   \n")
		fmt.Printf("                               mesh chat, no servers\n\n")
		fmt.Printf("  Peer ID   : %s\n", n.ID())
		if cfg.Nickname != "" {
			fmt.Printf("  Nickname  : %s\n", cfg.Nickname)
		}
		fmt.Printf("  Listening : %s\n", cfg.ListenAddress)
		fmt.Printf("  Data      : %s\n", cfg.DataDir)
		if cfg.MetricsAddress != "" {
			fmt.Printf("  Metrics   : http://%s/metrics\n", cfg.MetricsAddress)
		}
		if len(cfg.Bootstrap) > 0 {
			fmt.Printf("  Bootstrap : %s\n", strings.Join(cfg.Bootstrap, ", "))
		}
		fmt.Printf("\n  Console commands:\n")
		fmt.Printf("    say <message>             — broadcast to the mesh\n")
		fmt.Printf("    msg <nick|peerid> <text>  — private encrypted message\n")
		fmt.Printf("    who                       — list known peers\n")
		fmt.Printf("    status                    — node and guard counters\n\n")

		// Interactive console
		fmt.Print("> ")
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("> ")
					continue
				}
				parts := strings.SplitN(line, " ", 3)
				switch parts[0] {
				case "say":
					if len(parts) < 2 {
						fmt.Println("usage: say <message>")
					} else if err := n.SendPublic(strings.TrimSpace(line[len("say"):])); err != nil {
						fmt.Printf("error: %v\n", err)
					} else {
						fmt.Printf("✓ queued\n")
					}
				case "msg":
					if len(parts) < 3 {
						fmt.Println("usage: msg <nick|peerid> <text>")
					} else {
						peer, ok := n.LookupNickname(parts[1])
						if !ok {
							var err error
							peer, err = protocol.PeerIDFromHex(parts[1])
							if err != nil {
								fmt.Printf("unknown recipient %q — not a nickname and not a peer ID\n", parts[1])
								fmt.Print("> ")
								continue
							}
						}
						if err := n.SendPrivate(peer, parts[2]); err != nil {
							fmt.Printf("error: %v\n", err)
						} else {
							fmt.Printf("✓ queued\n")
						}
					}
				case "who":
					for _, e := range dir.All() {
						fmt.Printf("  %-20s %s\n", e.Nickname, e.PeerID)
					}
				case "status":
					fmt.Printf("peers: %d  seen-messages: %d  seen-handshakes: %d\n",
						tr.PeerCount(), n.Guard().MessageStoreLen(), n.Guard().HandshakeStoreLen())
				default:
					fmt.Printf("unknown command: %s\n", parts[0])
				}
				fmt.Print("> ")
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		if err := n.Leave(); err == nil {
			// The pump emits one packet per tick; give it a couple of ticks
			// so the departure notice actually transmits before Stop.
			time.Sleep(2 * cfg.SendRate())
			fmt.Println("\nLeave broadcast sent. Shutting down.")
		} else {
			fmt.Println("\nShutting down.")
		}
		return nil
	},
}

// ─── send ────────────────────────────────────────────────────────────────────

// resolveRecipient maps a nickname or 16-hex peer ID to a PeerID, preferring
// the directory so nicknames shadow nothing they don't own.
func resolveRecipient(dir *directory.Directory, s string) (protocol.PeerID, error) {
	if e := dir.LookupNickname(s); e != nil {
		return protocol.PeerIDFromHex(e.PeerID)
	}
	return protocol.PeerIDFromHex(s)
}

var sendCmd = &cobra.Command{
	Use:   "send <nick|peerid> <message>",
	Short: "Send a private message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		kp, err := crypto.LoadKeyPair(filepath.Join(dataDir, "identity.json"))
		if err != nil {
			return fmt.Errorf("no identity: run 'bitchat keygen' first")
		}

		dir, err := directory.New(dataDir)
		if err != nil {
			return fmt.Errorf("open directory: %w", err)
		}
		defer dir.Close()

		recipient, err := resolveRecipient(dir, args[0])
		if err != nil {
			return fmt.Errorf("unknown recipient %q — not a nickname and not a peer ID", args[0])
		}
		message := strings.Join(args[1:], " ")

		fmt.Printf("Recipient : %s\n", recipient)
		fmt.Printf("Sender    : %s\n", kp.PeerID())
		fmt.Printf("Message   : %s\n\n", message)
		fmt.Println("Note: connect to a running daemon to transmit ('bitchat daemon',")
		fmt.Println("then 'msg' in its console). This command will integrate with the")
		fmt.Println("daemon IPC socket in a later release.")
		return nil
	},
}

// ─── announce ────────────────────────────────────────────────────────────────

var announceCmd = &cobra.Command{
	Use:   "announce <nickname>",
	Short: "Set the nickname announced with your identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		nickname := args[0]

		kp, err := crypto.LoadKeyPair(filepath.Join(dataDir, "identity.json"))
		if err != nil {
			return fmt.Errorf("no identity: run 'bitchat keygen' first")
		}

		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		e := &directory.Entry{
			PeerID:   kp.PeerID().String(),
			Nickname: nickname,
			EncPub:   kp.PublicKeyHex(),
			SignPub:  hex.EncodeToString(kp.SignPub),
		}
		if err := e.Sign(kp.SignPriv); err != nil {
			return err
		}
		if err := dir.Add(e); err != nil {
			return err
		}

		fmt.Printf("✓ Announcing as '%s' (%s)\n", nickname, kp.PeerID())
		fmt.Println("Start the daemon to broadcast this to the mesh.")
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node identity and known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		identityPath := filepath.Join(dataDir, "identity.json")

		kp, err := crypto.LoadKeyPair(identityPath)
		if err != nil {
			fmt.Println("No identity found. Run 'bitchat keygen' to create one.")
			return nil
		}

		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		fmt.Printf("Peer ID  : %s\n", kp.PeerID())
		fmt.Printf("Identity : %s\n", kp.PublicKeyHex())
		entries := dir.All()
		fmt.Printf("Directory: %d entries\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %-20s %s\n", e.Nickname, e.PeerID)
		}
		return nil
	},
}

func init() {
	dd := defaultDataDir()

	for _, cmd := range []*cobra.Command{keygenCmd, daemonCmd, sendCmd, announceCmd, statusCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.bitchat)")
	}

	daemonCmd.Flags().String("config", "", "Path to bitchat.toml (default <data>/bitchat.toml)")
	daemonCmd.Flags().String("listen", "0.0.0.0:4242", "TCP listen address for peer connections")
	daemonCmd.Flags().StringSlice("bootstrap", []string{}, "Bootstrap peer addresses (host:port)")
	daemonCmd.Flags().String("nick", "", "Nickname to announce")

	rootCmd.AddCommand(keygenCmd, daemonCmd, sendCmd, announceCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
