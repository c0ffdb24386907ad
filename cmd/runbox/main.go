package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/runbox/internal/cli/config"
	"github.com/antonkrylov/runbox/internal/client"
	"github.com/antonkrylov/runbox/internal/dispatch"
	"github.com/antonkrylov/runbox/internal/lang"
)

type rootOptions struct {
	configPath  string
	contextName string
	sandboxAddr string
	natsURL     string
	timeout     time.Duration
	logLevel    string

	conn   *client.Connection
	logger *slog.Logger
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.sandboxAddr, r.natsURL, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	r.sandboxAddr = resolved.SandboxAddr
	r.natsURL = resolved.NATSURL
	r.timeout = resolved.Timeout
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(r.logLevel)}))
	return nil
}

func (r *rootOptions) languages() (lang.Table, error) {
	return lang.LoadOverrides(r.conn.Languages)
}

func (r *rootOptions) dispatcher() *dispatch.Dispatcher {
	host, _ := os.Hostname()
	transport := dispatch.NewNATSTransport(dispatch.NATSConfig{
		URL:            r.natsURL,
		Name:           "runbox-cli",
		Prefix:         r.conn.SubjectPrefix,
		RequestTimeout: r.timeout,
		Logger:         r.logger,
	})
	return dispatch.New(dispatch.Config{
		Transport: transport,
		Logger:    r.logger,
		Context:   map[string]string{"user": os.Getenv("USER"), "host": host},
	})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// exitError carries the exit code of the program a command ran.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "runbox",
		Short:         "Run and test projects in a remote sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("RUNBOX_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to runbox config file (default $HOME/.runbox/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.sandboxAddr, "sandbox", "", "sandbox gRPC endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.natsURL, "nats", "", "hub NATS URL (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "connection timeout; defaults to config or 15s")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts, false))
	rootCmd.AddCommand(newRunCmd(opts, true))
	rootCmd.AddCommand(newLanguagesCmd(opts))
	rootCmd.AddCommand(newEventsCmd(opts))
	rootCmd.AddCommand(newResultsCmd(opts))
	rootCmd.AddCommand(newSubmitCmd(opts))
	rootCmd.AddCommand(newContextCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		log.Fatal(err)
	}
}
