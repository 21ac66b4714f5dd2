// Package cmd provides the command-line interface for simctl.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TheAlpha16/simctl-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// envPrefix is prepended to a flag's upper-cased name to find its
// environment override, e.g. --receive-timeout <- SIMCTL_RECEIVE_TIMEOUT.
const envPrefix = "SIMCTL_"

var global struct {
	transport      string
	address        string
	port           int
	url            string
	channel        string
	startupTimeout time.Duration
	receiveTimeout time.Duration
	logLevel       string
	envFile        string
}

var logger = slog.New(slog.DiscardHandler)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simctl",
	Short: "simctl drives a simulator build over its request/reply socket.",
	Long: `simctl drives a simulator build over its request/reply socket. ` +
		`It can send command batches, step the simulation, check command ` +
		`schemas, run a stub simulator and launch a build.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(global.envFile); err != nil {
			return err
		}
		if err := applyEnv(cmd.Flags()); err != nil {
			return err
		}
		level, err := parseLevel(global.logLevel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&global.transport, "transport", "zmq", "transport: zmq, stream, ws or valkey")
	f.StringVar(&global.address, "address", "localhost", "simulator host (valkey server host:port for --transport=valkey)")
	f.IntVar(&global.port, "port", simctl.DefaultPort, "simulator port")
	f.StringVar(&global.url, "url", "", "websocket URL for --transport=ws")
	f.StringVar(&global.channel, "channel", "simctl", "relay channel for --transport=valkey")
	f.DurationVar(&global.startupTimeout, "startup-timeout", simctl.DefaultStartupTimeout, "how long to wait for the simulator to accept")
	f.DurationVar(&global.receiveTimeout, "receive-timeout", 0, "bound on one exchange (0 waits forever)")
	f.StringVar(&global.logLevel, "log-level", "warn", "debug, info, warn or error")
	f.StringVar(&global.envFile, "env-file", ".env", "dotenv file with SIMCTL_* defaults")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// applyEnv sets every flag the user did not pass from its SIMCTL_*
// environment variable.
func applyEnv(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if setErr := f.Value.Set(v); setErr != nil {
				err = fmt.Errorf("%s: %w", key, setErr)
			}
		}
	})
	return err
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func sessionOptions() []simctl.Option {
	return []simctl.Option{
		simctl.WithLogger(logger),
		simctl.WithStartupTimeout(global.startupTimeout),
		simctl.WithReceiveTimeout(global.receiveTimeout),
	}
}

// connect opens a session over the transport selected by the global flags.
func connect(ctx context.Context, extra ...simctl.Option) (*simctl.Session, error) {
	opts := append(sessionOptions(), extra...)
	switch global.transport {
	case "zmq":
		return simctl.Connect(ctx, global.address, global.port, opts...)
	case "stream":
		addr := fmt.Sprintf("%s:%d", global.address, global.port)
		t, err := simctl.DialStream(ctx, addr, opts...)
		if err != nil {
			return nil, err
		}
		return simctl.Open(ctx, addr, t, opts...)
	case "ws":
		url := global.url
		if url == "" {
			url = fmt.Sprintf("ws://%s:%d/", global.address, global.port)
		}
		t, err := simctl.DialWebSocket(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return simctl.Open(ctx, url, t, opts...)
	case "valkey":
		addr := global.address
		if !strings.Contains(addr, ":") {
			addr += ":6379"
		}
		t, err := simctl.DialValkey(ctx, addr, global.channel, opts...)
		if err != nil {
			return nil, err
		}
		return simctl.Open(ctx, addr, t, opts...)
	}
	return nil, fmt.Errorf("unknown transport %q", global.transport)
}
