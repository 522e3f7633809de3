package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	serverrun "github.com/strom-io/strom/internal/cmd/server"
	cfgpkg "github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/wal"
	logpkg "github.com/strom-io/strom/pkg/log"
)

func main() {
	level := os.Getenv("STROM_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil {
		parsed = logpkg.InfoLevel
	}
	format := logpkg.TextFormat
	if os.Getenv("STROM_LOG_FORMAT") == "json" {
		format = logpkg.JSONFormat
	}
	logger := logpkg.NewLogger(logpkg.WithLevel(parsed), logpkg.WithFormat(format))

	// Route stdlib logs (used by Pebble) through our logger.
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "strom",
		Short: "Strom event store CLI",
		Long:  "Strom is a single-node event store. This CLI manages the server and inspects on-disk state.",
	}

	rootCmd.AddCommand(newServerCommand(logger))
	rootCmd.AddCommand(newWALCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges file config, STROM_* env, and common flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", os.Getenv("STROM_CONFIG"), "Path to JSON config file")
	cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func newServerCommand(logger logpkg.Logger) *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the strom server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if mode, _ := cmd.Flags().GetString("fsync"); mode != "" {
				cfg.WAL.SyncMode = mode
			}
			if ms, _ := cmd.Flags().GetInt("fsync-interval-ms"); ms > 0 {
				cfg.WAL.SyncIntervalMs = ms
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serverrun.Run(context.Background(), serverrun.Options{Config: cfg, Logger: logger})
		},
	}
	addConfigFlags(startCmd)
	startCmd.Flags().String("fsync", "", "WAL sync mode: always|interval|never (overrides config)")
	startCmd.Flags().Int("fsync-interval-ms", 0, "Group-commit window in ms when fsync=interval")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newWALCommand() *cobra.Command {
	walCmd := &cobra.Command{Use: "wal", Short: "WAL inspection"}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify WAL segment checksums without modifying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			only, _ := cmd.Flags().GetInt("partition")
			root := filepath.Join(cfg.DataDir, "wal")

			bad := 0
			for p := uint32(0); p < cfg.Partitions; p++ {
				if only >= 0 && uint32(only) != p {
					continue
				}
				dir := wal.PartitionDir(root, p)
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					continue
				}
				stats, err := wal.Verify(dir, p)
				if err != nil {
					return fmt.Errorf("partition %d: %w", p, err)
				}
				status := "ok"
				switch {
				case stats.Corrupt:
					status = "CORRUPT"
					bad++
				case stats.TornTail:
					status = "torn tail (recoverable)"
				}
				fmt.Printf("partition %04d: %d segments, %d records, %d bytes, %s\n",
					p, stats.Segments, stats.Records, stats.Bytes, status)
			}
			if bad > 0 {
				return fmt.Errorf("%d partition(s) corrupt", bad)
			}
			return nil
		},
	}
	addConfigFlags(verifyCmd)
	verifyCmd.Flags().Int("partition", -1, "Verify a single partition (default all)")
	walCmd.AddCommand(verifyCmd)
	return walCmd
}
