// Command tftpd runs the concurrent TFTP (RFC 1350) server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eenblam/tftpd/internal/config"
	"github.com/eenblam/tftpd/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "tftpd",
		Short: "A concurrent TFTP (RFC 1350) server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, defaults, configPath)
			if err != nil {
				return err
			}

			log := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := server.New(cfg, log)
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("address", defaults.Address, "address to bind")
	flags.Int("port", defaults.Port, "UDP port to bind")
	flags.String("root", defaults.Root, "directory to serve files from")
	flags.Int("timeout-seconds", defaults.TimeoutSeconds, "per-attempt ACK/DATA receive timeout, in seconds")
	flags.Int("max-retries", defaults.MaxRetries, "number of retransmissions attempted before giving up on a peer")
	flags.StringVar(&configPath, "config", "", "optional YAML config file; overrides flag defaults, is overridden by explicit flags")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")

	return cmd
}

// resolveConfig builds the effective Config: start from defaults, overlay
// a YAML file if one was given, then overlay any flags the user actually
// set on the command line, so "--root /srv/tftp" always wins even against
// a config file that also sets root.
func resolveConfig(cmd *cobra.Command, defaults config.Config, configPath string) (config.Config, error) {
	cfg := defaults
	if configPath != "" {
		var err error
		cfg, err = config.LoadFile(configPath, defaults)
		if err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address, _ = flags.GetString("address")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("root") {
		cfg.Root, _ = flags.GetString("root")
	}
	if flags.Changed("timeout-seconds") {
		cfg.TimeoutSeconds, _ = flags.GetInt("timeout-seconds")
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries, _ = flags.GetInt("max-retries")
	}
	return cfg, nil
}
