// Package coordinator drives one coldvault run: listing scan history,
// running a backup, restoring a tree, or restoring a metadata snapshot,
// plus the watch and schedule modifiers that re-trigger a backup.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"coldvault/internal/appconfig"
	"coldvault/internal/bufarbiter"
	"coldvault/internal/cverrors"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/objectstore"
	"coldvault/internal/restore"
	"coldvault/internal/scan"
	"coldvault/internal/upload"
)

// Coordinator wires the config, metadata store, and object store pool
// shared by every run mode, and dispatches to the mode the caller asked
// for.
type Coordinator struct {
	cfg    *appconfig.Config
	store  *metadata.Store
	pool   *objectstore.Pool
	logger *slog.Logger
}

// New opens the metadata store and object store gateway described by
// cfg and returns a Coordinator ready to run a mode. Callers must call
// Close when done.
func New(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*Coordinator, error) {
	logger = logging.Default(logger).With("component", "coordinator")

	store, err := metadata.NewStore(cfg.MetadataDBPath, cfg.DBMax)
	if err != nil {
		return nil, cverrors.Wrap(cverrors.KindPrecondition, "open metadata store", err)
	}

	gw, err := objectstore.New(ctx, cfg.ObjectStore())
	if err != nil {
		store.Close()
		return nil, cverrors.Wrap(cverrors.KindPrecondition, "construct object store gateway", err)
	}

	exists, err := gw.BucketExists(ctx)
	if err != nil {
		store.Close()
		return nil, cverrors.Wrap(cverrors.KindPrecondition, "check bucket", err)
	}
	if !exists {
		store.Close()
		return nil, cverrors.Wrap(cverrors.KindPrecondition, "check bucket", fmt.Errorf("bucket %q does not exist", cfg.S3Config.Bucket))
	}

	pool := objectstore.NewPool(gw, cfg.S3PoolSize, cfg.S3Config.RateLimitPerSecond)

	return &Coordinator{cfg: cfg, store: store, pool: pool, logger: logger}, nil
}

// Close releases the metadata store's underlying database handle.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// ListHistory prints every scan row, oldest first.
func (c *Coordinator) ListHistory(ctx context.Context) error {
	scans, err := c.store.ListScans(ctx)
	if err != nil {
		return fmt.Errorf("list scans: %w", err)
	}
	for _, s := range scans {
		fmt.Printf("%d\t%s\t%s\n", s.ScanCounter, s.StartTime.Format(time.RFC3339), s.RootDir)
	}
	return nil
}

// BackupOptions modifies a single Backup call.
type BackupOptions struct {
	SkipMetadataSnapshot bool
}

// Backup runs one scan end-to-end: walk the tree, enqueue and drain
// uploads, then optionally snapshot the metadata database.
func (c *Coordinator) Backup(ctx context.Context, opts BackupOptions) error {
	runID := uuid.New().String()
	logger := c.logger.With("run_id", runID)
	logger.Info("backup starting", "root_dir", c.cfg.RootDir)

	arbiter := bufarbiter.New(int64(c.cfg.LBMax))

	sched := upload.New(c.pool, arbiter, upload.Config{
		Workers:   c.cfg.S3PoolSize,
		QueueSize: c.cfg.S3Max,
		ChunkSize: c.cfg.ChunkSize,
	}, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	uploadDone := make(chan error, 1)
	go func() {
		uploadDone <- sched.Run(runCtx)
	}()

	eng := scan.New(c.store, sched, scan.Config{
		RootDir:         c.cfg.RootDir,
		ChunkSize:       c.cfg.ChunkSize,
		BufferSize:      c.cfg.BufferSize,
		DBMax:           c.cfg.DBMax,
		ExcludePatterns: c.cfg.ExcludePatterns,
	}, logger)

	result, scanErr := eng.Run(ctx)
	sched.Close()
	<-uploadDone

	if scanErr != nil {
		return cverrors.Wrap(cverrors.KindLogicViolation, "scan run", scanErr)
	}

	failed := sched.Failed()
	logger.Info("backup scan complete",
		"scan_counter", result.ScanCounter,
		"files_seen", result.FilesSeen,
		"dirs_seen", result.DirsSeen,
		"failed_jobs", len(failed),
	)

	if !opts.SkipMetadataSnapshot && c.cfg.MetadataID != "" {
		if err := c.snapshotMetadata(ctx, result.ScanCounter); err != nil {
			return fmt.Errorf("metadata snapshot: %w", err)
		}
	}

	if len(failed) > 0 {
		return cverrors.Wrap(cverrors.KindFatalPerTask, "backup", fmt.Errorf("%d chunk upload(s) failed", len(failed)))
	}
	return nil
}

func (c *Coordinator) snapshotMetadata(ctx context.Context, scanCounter int64) error {
	gw, release, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := fmt.Sprintf("%s_%d", c.cfg.MetadataID, scanCounter)
	if err := gw.PutFile(ctx, c.store.Path(), key); err != nil {
		return cverrors.Wrap(cverrors.KindTransientIO, fmt.Sprintf("upload metadata snapshot %s", key), err)
	}
	c.logger.Info("metadata snapshot uploaded", "key", key)
	return nil
}

// RestoreOptions modifies a single Restore call.
type RestoreOptions struct {
	DryRun bool
}

// Restore reconstructs target (a path under root_dir, or restore.All)
// at the given generation into destDir.
func (c *Coordinator) Restore(ctx context.Context, target, destDir string, generation metadata.Generation, opts RestoreOptions) error {
	info, err := os.Stat(destDir)
	if err != nil || !info.IsDir() {
		return cverrors.Wrap(cverrors.KindPrecondition, "restore destination", fmt.Errorf("%q is not an existing directory", destDir))
	}

	if opts.DryRun {
		return c.dryRunRestore(ctx, target, generation)
	}

	arbiter := bufarbiter.New(int64(c.cfg.LBMax))
	eng := restore.New(c.store, c.pool, arbiter, restore.Config{
		RestoreTo:    destDir,
		AtGeneration: generation,
		RestoreMax:   c.cfg.RestoreMax,
		ChunkSize:    c.cfg.ChunkSize,
	}, c.logger)

	if err := eng.Restore(ctx, target); err != nil {
		return cverrors.Wrap(cverrors.KindPrecondition, "restore", err)
	}
	return nil
}

// dryRunRestore walks the resolved tree and reports what would be
// restored, without writing anything under destDir.
func (c *Coordinator) dryRunRestore(ctx context.Context, target string, generation metadata.Generation) error {
	scanRow, err := c.store.LatestScan(ctx)
	if err != nil {
		return fmt.Errorf("latest scan: %w", err)
	}
	if scanRow == nil {
		return fmt.Errorf("restore: store has no scans")
	}

	rel := target
	if target == "" || target == restore.All {
		rel = ""
	} else {
		rel = strings.TrimPrefix(target, scanRow.RootDir)
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
	}
	var components []string
	if rel != "" {
		components = strings.Split(rel, string(filepath.Separator))
	}

	direntID, versionID, kind, found, err := c.store.ResolvePath(ctx, components, generation)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", target, err)
	}
	if !found {
		return cverrors.Wrap(cverrors.KindPrecondition, "dry-run restore", fmt.Errorf("%q not found at generation %v", target, generation))
	}
	return c.reportDryRun(ctx, rel, direntID, versionID, kind, generation)
}

func (c *Coordinator) reportDryRun(ctx context.Context, path string, direntID, versionID int64, kind metadata.EntryKind, generation metadata.Generation) error {
	fmt.Printf("%s\t%s\n", kind, path)
	if kind != metadata.KindDirectory {
		return nil
	}
	children, err := c.store.Children(ctx, versionID, generation)
	if err != nil {
		return fmt.Errorf("children of %q: %w", path, err)
	}
	for _, ch := range children {
		if ch.IsDelmarker {
			continue
		}
		childPath := filepath.Join(path, ch.Name)
		if err := c.reportDryRun(ctx, childPath, ch.DirentID, ch.VersionID, ch.Kind, generation); err != nil {
			return err
		}
	}
	return nil
}

// RestoreMetadata downloads a metadata snapshot to cfg.MetadataDBPath.
// rel counts backwards from the newest snapshot when rel <= 0 (rel=0
// is the newest, rel=-1 the one before it); rel > 0 is a 1-based index
// from the oldest.
func (c *Coordinator) RestoreMetadata(ctx context.Context, rel int) error {
	if c.cfg.MetadataID == "" {
		return cverrors.Wrap(cverrors.KindConfigInvalid, "restore metadata", fmt.Errorf("metadata_id is not configured"))
	}

	gw, release, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	keys, err := gw.List(ctx, c.cfg.MetadataID+"_")
	if err != nil {
		return cverrors.Wrap(cverrors.KindTransientIO, "list metadata snapshots", err)
	}
	if len(keys) == 0 {
		return cverrors.Wrap(cverrors.KindPrecondition, "restore metadata", fmt.Errorf("no metadata snapshots found under prefix %q", c.cfg.MetadataID))
	}

	sort.Slice(keys, func(i, j int) bool {
		return snapshotCounter(keys[i], c.cfg.MetadataID) < snapshotCounter(keys[j], c.cfg.MetadataID)
	})

	index := len(keys) - 1 + rel
	if rel > 0 {
		index = rel - 1
	}
	if index < 0 || index >= len(keys) {
		return cverrors.Wrap(cverrors.KindPrecondition, "restore metadata", fmt.Errorf("index %d out of range for %d snapshot(s)", rel, len(keys)))
	}

	key := keys[index]
	if err := gw.GetFile(ctx, key, c.cfg.MetadataDBPath); err != nil {
		return cverrors.Wrap(cverrors.KindTransientIO, fmt.Sprintf("download metadata snapshot %s", key), err)
	}
	c.logger.Info("metadata snapshot restored", "key", key, "dest", c.cfg.MetadataDBPath)
	return nil
}

func snapshotCounter(key, metadataID string) int64 {
	suffix := strings.TrimPrefix(key, metadataID+"_")
	n, _ := strconv.ParseInt(suffix, 10, 64)
	return n
}

// Watch re-runs Backup every time root_dir changes on disk, debouncing
// bursts of filesystem events into a single scan.
func (c *Coordinator) Watch(ctx context.Context, debounce time.Duration, opts BackupOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, c.cfg.RootDir); err != nil {
		return fmt.Errorf("watch %s: %w", c.cfg.RootDir, err)
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	var timer *time.Timer

	trigger := func() {
		if err := c.Backup(ctx, opts); err != nil {
			c.logger.Error("watch-triggered backup failed", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.logger.Debug("watch event", "op", event.Op.String(), "path", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, trigger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("fsnotify error", "err", err)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// Schedule runs Backup on a cron schedule until ctx is cancelled.
func (c *Coordinator) Schedule(ctx context.Context, cronExpr string, opts BackupOptions) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create cron scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if err := c.Backup(ctx, opts); err != nil {
				c.logger.Error("scheduled backup failed", "err", err)
			}
		}),
		gocron.WithName("coldvault-backup"),
	)
	if err != nil {
		return fmt.Errorf("create scheduled backup job: %w", err)
	}

	sched.Start()
	c.logger.Info("backup scheduler started", "cron", cronExpr)

	<-ctx.Done()
	return sched.Shutdown()
}
