package main

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/config"
	"remote-mirror/internal/engine"
)

func getEnvOrDefault(envKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return defaultValue
}

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "remote-mirror",
		Short: "Mirror a local workspace to SFTP or WebDAV and browse the remote side",

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(flags)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config",
		getEnvOrDefault("CONFIG", "remote-mirror.yaml"), "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level",
		getEnvOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json",
		getEnvOrDefault("LOG_JSON", "false") == "true", "Log as JSON")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newLsCmd(flags),
		newIndexCmd(flags),
	)
	return rootCmd
}

func setupLogging(flags *globalFlags) error {
	level, err := log.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if flags.logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

// openManager loads the configuration and registers the requested
// connections, or all of them when ids is empty.
func openManager(flags *globalFlags, ids ...string) (*config.Config, *engine.Manager, func(), error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	var store cache.Store
	if cfg.Cache.Persist {
		store, err = cache.NewStoreDB(filepath.Join(cfg.StateDir, "listings.db"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open listing store: %w", err)
		}
	}

	manager := engine.NewManager(engine.Options{
		Cache: cache.New(cache.Options{MaxEntries: cfg.Cache.MaxEntries}),
		Store: store,
	})

	cleanup := func() {
		manager.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("Store: Failed to close")
			}
		}
	}

	conns := cfg.Connections
	if len(ids) > 0 {
		conns = nil
		for _, id := range ids {
			conn, ok := cfg.Connection(id)
			if !ok {
				cleanup()
				return nil, nil, nil, fmt.Errorf("%w: %s", engine.ErrUnknownConnection, id)
			}
			conns = append(conns, conn)
		}
	}

	for _, conn := range conns {
		if _, err := manager.Register(conn); err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("failed to register %s: %w", conn.ID, err)
		}
	}

	return cfg, manager, cleanup, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
