package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/glimte/wlmreply/config"
	"github.com/glimte/wlmreply/transport"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	verbose    bool
	transport  string
	gateways   []string
}

func main() {
	if err := newRootCmd(&globalFlags{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(flags *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wlmreply",
		Short: "Request-reply messaging across redundant gateways",
		Long: `wlmreply sends requests through a pool of redundant messaging gateways and
waits for the correlated replies, which may come back through any gateway.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.transport, "transport", "", "Transport kind (amqp, nats, memory), overrides the config")
	rootCmd.PersistentFlags().StringSliceVarP(&flags.gateways, "gateway", "g", nil, "Gateway URL, repeatable, overrides the configured endpoints")

	rootCmd.AddCommand(
		newRequestCmd(flags),
		newSendCmd(flags),
		newRespondCmd(flags),
		newServeCmd(flags),
		newDeclareCmd(flags),
	)
	return rootCmd
}

// loadConfig reads the config file if one was given, applies the command
// line overrides and sets up logging
func loadConfig(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.LoadWithDefaults(flags.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	if flags.transport != "" {
		cfg.Transport.Kind = flags.transport
	}
	if len(flags.gateways) > 0 {
		cfg.Gateway.Endpoints = make([]transport.Endpoint, len(flags.gateways))
		for i, url := range flags.gateways {
			cfg.Gateway.Endpoints[i] = transport.Endpoint{Name: fmt.Sprintf("gw%d", i+1), URL: url}
		}
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
