// Package main provides the CLI entry point for Wormhole Transit.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/wormhole-transit/internal/config"
	"github.com/postalsys/wormhole-transit/internal/logging"
	"github.com/postalsys/wormhole-transit/internal/relay"
	"github.com/postalsys/wormhole-transit/internal/transfer"
	"github.com/postalsys/wormhole-transit/internal/wormhole"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "wormhole-transit",
		Short: "Wormhole Transit - encrypted peer-to-peer file transfer",
		Long: `Wormhole Transit streams files and directories between two parties
that already share a session key, negotiating a direct or relayed
TCP path and encrypting every record end to end.`,
		Version: Version,
	}

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(receiveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by send and receive.
type commonFlags struct {
	configPath  string
	keyHex      string
	mailbox     string
	mailboxBind string
	relayAddr   string
	logLevel    string
	logFormat   string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&f.keyHex, "key", "k", "", "Shared session key (64 hex chars; prompted if omitted)")
	cmd.Flags().StringVar(&f.mailbox, "mailbox", "", "Dial the peer's mailbox at host:port")
	cmd.Flags().StringVar(&f.mailboxBind, "mailbox-listen", "", "Listen for the peer's mailbox connection on host:port")
	cmd.Flags().StringVar(&f.relayAddr, "relay", "", "Transit relay host:port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
}

// loadConfig merges the config file (if any) with command-line overrides.
func (f *commonFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.relayAddr != "" {
		r, err := config.ParseRelayAddr(f.relayAddr)
		if err != nil {
			return nil, err
		}
		cfg.Transit.Relay = r
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, cfg.Validate()
}

// sessionKey parses the --key flag, or prompts on a terminal.
func (f *commonFlags) sessionKey() ([wormhole.KeySize]byte, error) {
	var key [wormhole.KeySize]byte

	keyHex := f.keyHex
	if keyHex == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return key, fmt.Errorf("no session key: pass --key or run on a terminal")
		}
		fmt.Fprint(os.Stderr, "Session key (64 hex chars): ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return key, fmt.Errorf("read session key: %w", err)
		}
		keyHex = string(line)
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return key, fmt.Errorf("session key is not hex: %w", err)
	}
	if len(raw) != wormhole.KeySize {
		return key, fmt.Errorf("session key is %d bytes, want %d", len(raw), wormhole.KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// openMailbox establishes the out-of-band channel: one side listens, the
// other dials.
func (f *commonFlags) openMailbox(key [wormhole.KeySize]byte) (*wormhole.Conn, error) {
	switch {
	case f.mailbox != "" && f.mailboxBind != "":
		return nil, fmt.Errorf("--mailbox and --mailbox-listen are mutually exclusive")
	case f.mailbox != "":
		conn, err := net.DialTimeout("tcp", f.mailbox, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial mailbox: %w", err)
		}
		return wormhole.New(conn, key), nil
	case f.mailboxBind != "":
		l, err := net.Listen("tcp", f.mailboxBind)
		if err != nil {
			return nil, fmt.Errorf("listen mailbox: %w", err)
		}
		defer l.Close()
		fmt.Fprintf(os.Stderr, "Waiting for peer on %s...\n", l.Addr())
		conn, err := l.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept mailbox: %w", err)
		}
		return wormhole.New(conn, key), nil
	default:
		return nil, fmt.Errorf("pass --mailbox or --mailbox-listen")
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startMetrics exposes /metrics when configured.
func startMetrics(cfg *config.Config, logger *slog.Logger) {
	if cfg.Metrics.Address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
			logger.Error("metrics endpoint failed", logging.KeyError, err)
		}
	}()
	logger.Info("metrics endpoint listening", logging.KeyAddress, cfg.Metrics.Address)
}

func transferOptions(cfg *config.Config, logger *slog.Logger) transfer.Options {
	return transfer.Options{
		AppID:        cfg.AppID,
		Abilities:    cfg.Abilities(),
		RelayHint:    cfg.RelayHint(),
		NoListen:     cfg.Transit.NoListen,
		ListenPort:   cfg.Transit.ListenPort,
		RateLimitBPS: cfg.Transfer.RateLimitBPS,
		Logger:       logger,
	}
}

func sendCmd() *cobra.Command {
	var flags commonFlags
	var text string

	cmd := &cobra.Command{
		Use:   "send [path]",
		Short: "Send a file, directory, or text message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (text == "") {
				return fmt.Errorf("pass exactly one of a path or --text")
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			startMetrics(cfg, logger)

			key, err := flags.sessionKey()
			if err != nil {
				return err
			}
			mb, err := flags.openMailbox(key)
			if err != nil {
				return err
			}
			defer mb.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if text != "" {
				return transfer.SendText(ctx, mb, text, transferOptions(cfg, logger))
			}

			opts := transferOptions(cfg, logger)
			opts.OnProgress = progressPrinter("sent")
			summary, err := transfer.SendFile(ctx, mb, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Sent %s %q (%s), sha256 %s\n",
				summary.Kind, summary.Name, humanize.IBytes(uint64(summary.Bytes)), summary.Digest)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&text, "text", "", "Send a text message instead of a file")
	return cmd
}

func receiveCmd() *cobra.Command {
	var flags commonFlags
	var destDir string

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive whatever the peer offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			startMetrics(cfg, logger)

			key, err := flags.sessionKey()
			if err != nil {
				return err
			}
			mb, err := flags.openMailbox(key)
			if err != nil {
				return err
			}
			defer mb.Close()

			ctx, cancel := signalContext()
			defer cancel()

			opts := transferOptions(cfg, logger)
			opts.OnProgress = progressPrinter("received")
			summary, err := transfer.Receive(ctx, mb, destDir, opts)
			if err != nil {
				return err
			}

			if summary.Kind == "message" {
				fmt.Println(summary.Text)
				return nil
			}
			fmt.Fprintf(os.Stderr, "Received %s %q (%s), sha256 %s\n",
				summary.Kind, summary.Name, humanize.IBytes(uint64(summary.Bytes)), summary.Digest)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&destDir, "output-dir", "o", ".", "Directory to place received files in")
	return cmd
}

func relayCmd() *cobra.Command {
	var configPath string
	var address string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a Transit relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if address != "" {
				cfg.RelayServer.Address = address
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			startMetrics(cfg, logger)

			srv := relay.New(relay.Config{
				Address:          cfg.RelayServer.Address,
				HandshakeTimeout: cfg.RelayServer.HandshakeTimeout,
				PairingTimeout:   cfg.RelayServer.PairingTimeout,
				Logger:           logger,
			})
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Relay listening on %s\n", srv.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
			return srv.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "listen", "l", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "wormhole-transit.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.Example()), 0600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

// progressPrinter logs coarse progress to stderr, one line per 10% step.
func progressPrinter(verb string) func(done, total int64) {
	var lastDecile int64 = -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		decile := done * 10 / total
		if decile > lastDecile {
			lastDecile = decile
			fmt.Fprintf(os.Stderr, "%s %s of %s (%d%%)\n",
				verb, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)), decile*10)
		}
	}
}
