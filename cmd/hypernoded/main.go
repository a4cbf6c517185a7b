package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eleven-am/hypernode"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "hypernoded",
		Short:        "Coordinator for a GPU compute network",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath), newConfigCmd(&configPath), newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr, dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(*configPath, addr, dataDir)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			cfg.WithLogger(logger)

			coordinator, err := hypernode.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := coordinator.Close(); err != nil {
					logger.Error("failed to close storage", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting hypernode", "version", version, "addr", cfg.Server.Addr, "storage", cfg.Storage.Backend)
			return coordinator.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "use badger storage in this directory")
	return cmd
}

// loadServeConfig reads the config file and merges the serve flags over it.
func loadServeConfig(path, addr, dataDir string) (*hypernode.Config, error) {
	cfg, err := hypernode.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	overrides := &hypernode.Config{}
	overrides.Server.Addr = addr
	if dataDir != "" {
		overrides.WithBadgerStorage(dataDir)
	}
	if err := hypernode.MergeConfig(cfg, overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hypernode.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(cfg hypernode.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid logging.format %q", cfg.Format)
	}
}
