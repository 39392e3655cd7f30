// Command coldvault runs an incremental, content-addressed backup of a
// local directory tree to an S3-compatible object store, and restores
// any past generation back to a local filesystem.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"coldvault/internal/appconfig"
	"coldvault/internal/coordinator"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/restore"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "coldvault",
		Short: "Incremental content-addressed backup to an object store",
		RunE:  runMode,
	}

	rootCmd.Flags().String("config", "./coldvault.yaml", "path to the YAML configuration file")
	rootCmd.Flags().BoolP("list", "l", false, "list scan history")
	rootCmd.Flags().BoolP("backup", "b", false, "run a backup")
	rootCmd.Flags().BoolP("restore", "r", false, "restore TARGET DEST [GENERATION]")
	rootCmd.Flags().BoolP("restore-db", "R", false, "restore a metadata snapshot [RELATIVE_INDEX]")
	rootCmd.Flags().Bool("watch", false, "with --backup, re-run on every change under root_dir")
	rootCmd.Flags().String("schedule", "", "with --backup, run on this cron schedule instead of once")
	rootCmd.Flags().Bool("dry-run", false, "with --restore, report what would be restored without writing anything")
	rootCmd.Flags().Bool("no-metadata-snapshot", false, "with --backup, skip uploading a metadata snapshot")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	list, _ := cmd.Flags().GetBool("list")
	backup, _ := cmd.Flags().GetBool("backup")
	doRestore, _ := cmd.Flags().GetBool("restore")
	restoreDB, _ := cmd.Flags().GetBool("restore-db")
	watch, _ := cmd.Flags().GetBool("watch")
	schedule, _ := cmd.Flags().GetString("schedule")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noSnapshot, _ := cmd.Flags().GetBool("no-metadata-snapshot")

	modes := 0
	for _, m := range []bool{list, backup, doRestore, restoreDB} {
		if m {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of --list, --backup, --restore, --restore-db is required")
	}

	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevels, err := cfg.LogLevelMap()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo, logLevels)
	logger := slog.New(filterHandler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	coord, err := coordinator.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}
	defer coord.Close()

	switch {
	case list:
		return coord.ListHistory(ctx)

	case backup:
		opts := coordinator.BackupOptions{SkipMetadataSnapshot: noSnapshot}
		if watch {
			return coord.Watch(ctx, 2*time.Second, opts)
		}
		if schedule != "" {
			return coord.Schedule(ctx, schedule, opts)
		}
		return coord.Backup(ctx, opts)

	case doRestore:
		return runRestore(ctx, coord, args, dryRun)

	case restoreDB:
		return runRestoreMetadata(ctx, coord, args)
	}

	return nil
}

func runRestore(ctx context.Context, coord *coordinator.Coordinator, args []string, dryRun bool) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: coldvault --restore TARGET DEST [GENERATION]")
	}
	target, dest := args[0], args[1]

	gen := metadata.Latest
	if len(args) > 2 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid generation %q: %w", args[2], err)
		}
		gen = metadata.Generation(n)
	}
	if target == "" {
		target = restore.All
	}

	return coord.Restore(ctx, target, dest, gen, coordinator.RestoreOptions{DryRun: dryRun})
}

func runRestoreMetadata(ctx context.Context, coord *coordinator.Coordinator, args []string) error {
	rel := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid relative index %q: %w", args[0], err)
		}
		rel = n
	}
	return coord.RestoreMetadata(ctx, rel)
}
