// Package main provides the CLI entry point for the Quiet Lane daemon.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quietlane/quietlane/internal/client"
	"github.com/quietlane/quietlane/internal/config"
	"github.com/quietlane/quietlane/internal/daemon"
	"github.com/quietlane/quietlane/internal/keystore"
	"github.com/quietlane/quietlane/internal/localnet"
	"github.com/quietlane/quietlane/internal/logging"
	"github.com/quietlane/quietlane/internal/onionv3"
	"github.com/quietlane/quietlane/internal/session"
	"github.com/quietlane/quietlane/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// addressAlphabet holds every character that can appear in the body of an
// onion address.
const addressAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

func main() {
	version.Version = Version

	rootCmd := &cobra.Command{
		Use:   "quietlane",
		Short: "Quiet Lane - Anonymous service layer",
		Long: `Quiet Lane publishes local TCP services as onion addresses and opens
anonymized streams to remote targets.

Services keep a stable address derived from an ed25519 key, inbound
streams are proxied to a local backend, and the dial command provides
a netcat-style client for any onion or public target.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(genkeyCmd())
	rootCmd.AddCommand(addrCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(vanityCmd())
	rootCmd.AddCommand(dialCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Create a configuration file and service keys through an interactive wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service daemon",
		Long:  "Publish the configured services and proxy inbound streams to their backends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			prometheus.MustRegister(versioncollector.NewCollector("quietlane"))

			// Create daemon
			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			fmt.Printf("Starting Quiet Lane daemon...\n")

			if err := d.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			// Print status
			for _, svc := range d.Services() {
				fmt.Printf("Service %s: %s\n", svc.Nickname, svc.Address)
			}
			if addr := d.HealthAddress(); addr != nil {
				fmt.Printf("Health server: http://%s/health\n", addr)
			}
			fmt.Printf("Status: running (services: %d)\n", len(d.Services()))

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := d.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Daemon stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func genkeyCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "genkey <nickname>",
		Short: "Generate a service key",
		Long:  "Generate a new service key under the data directory, or report the existing one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(filepath.Join(dataDir, "keys"))
			if err != nil {
				return fmt.Errorf("failed to open key store: %w", err)
			}

			_, created, err := store.LoadOrCreate(args[0])
			if err != nil {
				return err
			}
			addr, err := store.Address(args[0])
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Created key %s\n", args[0])
			} else {
				fmt.Printf("Key %s already exists\n", args[0])
			}
			fmt.Printf("Address: %s\n", addr)

			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func addrCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "addr <nickname>",
		Short: "Print a service address",
		Long:  "Print the onion address of a stored service key, suitable for scripting.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(filepath.Join(dataDir, "keys"))
			if err != nil {
				return fmt.Errorf("failed to open key store: %w", err)
			}

			addr, err := store.Address(args[0])
			if err != nil {
				return err
			}

			fmt.Println(addr)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func keysCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List service keys",
		Long:  "List every stored service key together with its onion address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(filepath.Join(dataDir, "keys"))
			if err != nil {
				return fmt.Errorf("failed to open key store: %w", err)
			}

			names, err := store.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No service keys found.")
				return nil
			}

			for _, name := range names {
				addr, err := store.Address(name)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %s\n", name, addr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func vanityCmd() *cobra.Command {
	var (
		workers int
		timeout time.Duration
		save    string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "vanity <prefix>",
		Short: "Search for a vanity onion address",
		Long: `Generate key pairs until an address starting with the given prefix is
found. The prefix must use the base32 alphabet (a-z, 2-7); expected
cost grows by a factor of 32 per character.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := strings.ToLower(args[0])
			for _, r := range prefix {
				if !strings.ContainsRune(addressAlphabet, r) {
					return fmt.Errorf("prefix contains %q: addresses use only a-z and 2-7", r)
				}
			}
			if workers < 1 {
				workers = runtime.NumCPU()
			}

			if len(prefix) <= 12 {
				fmt.Fprintf(os.Stderr, "Searching with %d workers (~%s attempts expected)\n",
					workers, humanize.Comma(expectedAttempts(len(prefix))))
			} else {
				fmt.Fprintf(os.Stderr, "Searching with %d workers (prefixes this long are rarely feasible)\n",
					workers)
			}

			var (
				searchCtx context.Context
				cancel    context.CancelFunc
			)
			if timeout > 0 {
				searchCtx, cancel = context.WithTimeout(context.Background(), timeout)
			} else {
				searchCtx, cancel = context.WithCancel(context.Background())
			}
			defer cancel()

			start := time.Now()
			results := make(chan *onionv3.Address, 1)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a, err := onionv3.SearchContext(searchCtx, prefix, 0)
					if err != nil {
						return
					}
					select {
					case results <- a:
						cancel()
					default:
					}
				}()
			}

			// Progress line on interactive terminals only
			progressDone := make(chan struct{})
			interactive := term.IsTerminal(int(os.Stderr.Fd()))
			if interactive {
				go func() {
					ticker := time.NewTicker(time.Second)
					defer ticker.Stop()
					for {
						select {
						case <-progressDone:
							return
						case <-ticker.C:
							fmt.Fprintf(os.Stderr, "\rSearching... %s elapsed",
								time.Since(start).Round(time.Second))
						}
					}
				}()
			}

			wg.Wait()
			close(progressDone)
			if interactive {
				fmt.Fprintln(os.Stderr)
			}

			select {
			case a := <-results:
				elapsed := time.Since(start)
				fmt.Printf("Address:  %s\n", a.String())
				fmt.Printf("Found in %s after %s attempts\n",
					elapsed.Round(time.Millisecond), humanize.Comma(int64(a.Attempts())))

				if save != "" {
					store, err := keystore.Open(filepath.Join(dataDir, "keys"))
					if err != nil {
						return fmt.Errorf("failed to open key store: %w", err)
					}
					if err := store.Save(save, a.SecretKey()); err != nil {
						return err
					}
					fmt.Printf("Saved key as %s\n", save)
				} else {
					fmt.Printf("Secret key: %s\n", hex.EncodeToString(a.SecretKey()))
				}
				return nil
			default:
				if timeout > 0 {
					return fmt.Errorf("no matching address found within %s", timeout)
				}
				return errors.New("search stopped without a match")
			}
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel search workers (default: all CPUs)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Give up after this long (0 searches forever)")
	cmd.Flags().StringVarP(&save, "save", "s", "", "Save the winning key under this nickname")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

// expectedAttempts returns the expected number of key generations for a
// prefix of length n. Callers keep n small enough that 32^n fits in int64.
func expectedAttempts(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 32
	}
	return v
}

func dialCmd() *cobra.Command {
	var (
		dataDir     string
		configPath  string
		exitCountry string
		tlsName     string
		optimistic  bool
		isolate     bool
		ipv4Only    bool
		ipv6Only    bool
	)

	cmd := &cobra.Command{
		Use:   "dial <host:port>",
		Short: "Open a stream and pipe stdin/stdout",
		Long: `Open an anonymized stream to the target and connect it to standard
input and output, netcat style. The target may be an onion address
or a public host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if _, _, err := net.SplitHostPort(target); err != nil {
				return fmt.Errorf("invalid target (use host:port): %w", err)
			}
			if ipv4Only && ipv6Only {
				return errors.New("-4 and -6 are mutually exclusive")
			}

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			} else {
				cfg.Node.DataDir = dataDir
			}

			logger := logging.NewLogger("error", "text")

			provider, err := localnet.New(localnet.Options{
				Dir:    cfg.NetworkDir(),
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to open network: %w", err)
			}

			ccfg := client.NewConfig()
			ccfg.AllowLocalAddrs(cfg.Client.AllowLocalAddrs)

			ctx := context.Background()
			cl, err := client.NewBuilder().
				Config(ccfg).
				Provider(provider).
				Logger(logger).
				Build(ctx)
			if err != nil {
				provider.Close()
				return fmt.Errorf("failed to build client: %w", err)
			}
			defer cl.Close()

			prefs := client.NewStreamPrefs()
			prefs.ConnectToOnionServices(true)
			if exitCountry != "" {
				if err := prefs.ExitCountry(exitCountry); err != nil {
					return err
				}
			}
			if optimistic {
				prefs.Optimistic()
			}
			if isolate {
				prefs.IsolateEveryStream()
			}
			if ipv4Only {
				prefs.IPv4Only()
			}
			if ipv6Only {
				prefs.IPv6Only()
			}
			cl.SetStreamPrefs(prefs)

			stream, err := cl.Connect(ctx, target)
			if err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			defer stream.Close()

			if tlsName != "" {
				// Optimistic streams must be established before the
				// handshake can run over them.
				if optimistic {
					if err := stream.WaitForConnection(ctx); err != nil {
						return fmt.Errorf("connect failed: %w", err)
					}
				}
				if err := stream.UpgradeTLS(ctx, tlsName); err != nil {
					return fmt.Errorf("tls upgrade failed: %w", err)
				}
			}

			fmt.Fprintf(os.Stderr, "Connected to %s\n", target)

			sent, received, err := pump(ctx, stream)

			fmt.Fprintf(os.Stderr, "Sent %s, received %s\n",
				humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(received)))

			return err
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Optional configuration file")
	cmd.Flags().StringVar(&exitCountry, "exit-country", "", "Two-letter country code for the exit")
	cmd.Flags().StringVar(&tlsName, "tls", "", "Upgrade to TLS, verifying this server name")
	cmd.Flags().BoolVar(&optimistic, "optimistic", false, "Send data before the connection is confirmed")
	cmd.Flags().BoolVar(&isolate, "isolate", false, "Isolate this stream from all others")
	cmd.Flags().BoolVarP(&ipv4Only, "ipv4", "4", false, "Resolve the target to IPv4 only")
	cmd.Flags().BoolVarP(&ipv6Only, "ipv6", "6", false, "Resolve the target to IPv6 only")

	return cmd
}

// pump copies stdin to the stream and the stream to stdout until the remote
// side closes or either direction fails. Stdin reaching EOF flushes buffered
// data but keeps the session open for the reply, like netcat.
func pump(ctx context.Context, stream *session.Stream) (sent, received int64, err error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sentN, receivedN atomic.Int64
	done := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				if werr := stream.Write(pumpCtx, buf[:n]); werr != nil {
					done <- werr
					return
				}
				sentN.Add(int64(n))
			}
			if rerr != nil {
				if rerr != io.EOF {
					done <- rerr
					return
				}
				stream.Flush(pumpCtx)
				return
			}
		}
	}()

	go func() {
		for {
			data, rerr := stream.Read(pumpCtx, 32*1024)
			if len(data) > 0 {
				if _, werr := os.Stdout.Write(data); werr != nil {
					done <- werr
					return
				}
				receivedN.Add(int64(len(data)))
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					done <- nil
				} else {
					done <- rerr
				}
				return
			}
		}
	}()

	err = <-done
	cancel()
	stream.Close()

	return sentN.Load(), receivedN.Load(), err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Print("quietlane"))
			return nil
		},
	}
}
