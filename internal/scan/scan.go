// Package scan walks a local directory tree, writes the dirent/version
// rows that describe what it finds, and enqueues content chunks that
// changed since the prior scan for upload.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"coldvault/internal/chunker"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/upload"
	"coldvault/internal/xattr"
)

// Config carries the tunables the walker needs at construction.
type Config struct {
	RootDir         string
	ChunkSize       int64
	BufferSize      int
	DBMax           int // bounds concurrent dirent/version work in flight
	ExcludePatterns []string
}

// Engine walks RootDir, recording metadata and dispatching upload jobs
// for changed content.
type Engine struct {
	store     *metadata.Store
	scheduler *upload.Scheduler
	cfg       Config
	logger    *slog.Logger

	filesSeen atomic.Int64
	dirsSeen  atomic.Int64
}

// New returns an Engine ready to Run.
func New(store *metadata.Store, scheduler *upload.Scheduler, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logging.Default(logger).With("component", "scan"),
	}
}

// Result summarizes a completed scan.
type Result struct {
	ScanCounter int64
	FilesSeen   int64
	DirsSeen    int64
}

// Run performs one full scan of cfg.RootDir: it walks the tree, writes
// metadata rows, enqueues upload jobs for changed content, and marks
// every dirent not observed this scan as deleted.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	root := filepath.Clean(e.cfg.RootDir)
	fsid, err := fsidOf(root)
	if err != nil {
		return Result{}, fmt.Errorf("statfs %q: %w", root, err)
	}

	scanCounter, err := e.store.BeginScan(ctx, root)
	if err != nil {
		return Result{}, fmt.Errorf("begin scan: %w", err)
	}
	e.logger.Info("scan starting", "root", root, "scan_counter", scanCounter)

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.DBMax > 0 {
		g.SetLimit(e.cfg.DBMax)
	}

	g.Go(func() error {
		return e.processDir(gctx, g, root, metadata.RootParent, fsid, scanCounter)
	})

	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("walk %q: %w", root, err)
	}

	if err := e.store.MarkDeletions(ctx, scanCounter); err != nil {
		return Result{}, fmt.Errorf("mark deletions: %w", err)
	}

	res := Result{ScanCounter: scanCounter, FilesSeen: e.filesSeen.Load(), DirsSeen: e.dirsSeen.Load()}
	e.logger.Info("scan complete", "scan_counter", scanCounter, "files", res.FilesSeen, "dirs", res.DirsSeen)
	return res, nil
}

// processDir upserts path's dirent/version rows and dispatches its
// children onto g, bounded by g's concurrency limit — the walker's
// backpressure against the pending metadata work.
func (e *Engine) processDir(ctx context.Context, g *errgroup.Group, path string, parentVersionID, fsid, scanCounter int64) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat %q: %w", path, err)
	}
	inode, stat, err := statOf(info, "")
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	direntID, isHardlink, err := e.store.UpsertDirent(ctx, e.store, fsid, inode, metadata.KindDirectory, scanCounter)
	if err != nil {
		return fmt.Errorf("upsert dirent %q: %w", path, err)
	}

	if isHardlink {
		// A directory seen twice in the same scan (bind mount). Record
		// this path's entry but never recurse through it again.
		if _, err := e.store.InsertVersion(ctx, e.store, direntID, parentVersionID, scanCounter, filepath.Base(path), stat, false, true); err != nil {
			return fmt.Errorf("insert hardlink directory version %q: %w", path, err)
		}
		if err := e.store.SetHardlinkFlag(ctx, e.store, direntID); err != nil {
			return fmt.Errorf("set hardlink flag %q: %w", path, err)
		}
		return nil
	}

	versionID, err := e.store.InsertVersion(ctx, e.store, direntID, parentVersionID, scanCounter, filepath.Base(path), stat, false, false)
	if err != nil {
		return fmt.Errorf("insert directory version %q: %w", path, err)
	}
	e.dirsSeen.Add(1)

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("readdir %q: %w", path, err)
	}

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		if e.excluded(childPath) {
			continue
		}

		switch {
		case entry.IsDir():
			g.Go(func() error {
				return e.processDir(ctx, g, childPath, versionID, fsid, scanCounter)
			})
		case entry.Type()&os.ModeSymlink != 0:
			g.Go(func() error {
				return e.processFile(ctx, childPath, versionID, fsid, scanCounter, true)
			})
		case entry.Type().IsRegular():
			g.Go(func() error {
				return e.processFile(ctx, childPath, versionID, fsid, scanCounter, false)
			})
		default:
			// device, socket, fifo, etc: not representable as content, skip.
		}
	}

	return nil
}

// excluded reports whether path matches any of the engine's exclude
// glob patterns.
func (e *Engine) excluded(path string) bool {
	for _, pattern := range e.cfg.ExcludePatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

// processFile handles a regular file or symlink: it records its
// metadata, decides whether content changed, and enqueues chunk uploads
// for new content.
func (e *Engine) processFile(ctx context.Context, path string, parentVersionID, fsid, scanCounter int64, isSymlink bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat %q: %w", path, err)
	}

	if isSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %q: %w", path, err)
		}
		inode, stat, err := statOf(info, target)
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		direntID, isHardlink, err := e.store.UpsertDirent(ctx, e.store, fsid, inode, metadata.KindSymlink, scanCounter)
		if err != nil {
			return fmt.Errorf("upsert dirent %q: %w", path, err)
		}
		if _, err := e.store.InsertVersion(ctx, e.store, direntID, parentVersionID, scanCounter, filepath.Base(path), stat, false, isHardlink); err != nil {
			return fmt.Errorf("insert symlink version %q: %w", path, err)
		}
		if isHardlink {
			if err := e.store.SetHardlinkFlag(ctx, e.store, direntID); err != nil {
				return fmt.Errorf("set hardlink flag %q: %w", path, err)
			}
		}
		e.filesSeen.Add(1)
		return nil
	}

	inode, stat, err := statOf(info, "")
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	attrs, err := xattr.Read(path)
	if err != nil {
		return fmt.Errorf("read xattrs %q: %w", path, err)
	}
	stat.XAttr, err = attrs.EncodeString()
	if err != nil {
		return fmt.Errorf("encode xattrs %q: %w", path, err)
	}

	direntID, isHardlink, err := e.store.UpsertDirent(ctx, e.store, fsid, inode, metadata.KindFile, scanCounter)
	if err != nil {
		return fmt.Errorf("upsert dirent %q: %w", path, err)
	}

	prior, err := e.store.LatestVersion(ctx, e.store, direntID)
	if err != nil {
		return fmt.Errorf("latest version %q: %w", path, err)
	}

	metadataChanged := prior == nil || !prior.Stat.Ctime.Equal(stat.Ctime) || !prior.Stat.Mtime.Equal(stat.Mtime)
	contentsChanged := prior == nil || !prior.Stat.Mtime.Equal(stat.Mtime)

	// A hard-link sibling discovered under a new parent/name always gets
	// its own version row, even when its stat matches the first sibling's
	// exactly, so every path to the inode remains listable via Children.
	var versionID int64
	if metadataChanged || isHardlink {
		versionID, err = e.store.InsertVersion(ctx, e.store, direntID, parentVersionID, scanCounter, filepath.Base(path), stat, false, isHardlink)
		if err != nil {
			return fmt.Errorf("insert file version %q: %w", path, err)
		}
	} else {
		versionID = prior.ID
	}

	if isHardlink {
		if err := e.store.SetHardlinkFlag(ctx, e.store, direntID); err != nil {
			return fmt.Errorf("set hardlink flag %q: %w", path, err)
		}
	}
	e.filesSeen.Add(1)

	if !contentsChanged || isHardlink {
		return nil
	}

	return e.chunkAndEnqueue(ctx, path, versionID, stat.Size)
}

// chunkAndEnqueue hashes path's content and records/uploads each chunk
// that is new to the object store.
func (e *Engine) chunkAndEnqueue(ctx context.Context, path string, versionID, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	c, err := chunker.New(f, e.cfg.ChunkSize, e.cfg.BufferSize)
	if err != nil {
		return fmt.Errorf("new chunker %q: %w", path, err)
	}

	for index := 0; ; index++ {
		chunk, err := c.Next(index)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("chunk %q at %d: %w", path, index, err)
		}

		alreadyPresent, err := e.store.RecordChunk(ctx, e.store, versionID, chunk.Hash)
		if err != nil {
			return fmt.Errorf("record chunk %q[%d]: %w", path, index, err)
		}
		if alreadyPresent || chunk.Size == 0 {
			continue
		}

		job := upload.Job{
			Path:       path,
			ChunkIndex: index,
			Hash:       chunk.Hash,
			Size:       chunk.Size,
		}
		if chunk.Direct() {
			job.Tail = chunk.Tail
		}
		if err := e.scheduler.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue chunk %q[%d]: %w", path, index, err)
		}
	}

	return nil
}

func statOf(info os.FileInfo, linkPath string) (uint64, metadata.Stat, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, metadata.Stat{}, fmt.Errorf("unsupported stat_t for %q", info.Name())
	}
	stat := metadata.Stat{
		Size:       info.Size(),
		Ctime:      ctimeOf(sys),
		Mtime:      info.ModTime(),
		Atime:      atimeOf(sys),
		Permission: uint32(info.Mode().Perm()),
		UID:        sys.Uid,
		GID:        sys.Gid,
		LinkPath:   linkPath,
	}
	return sys.Ino, stat, nil
}

func fsidOf(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(uint32(st.Fsid.Val[0]))<<32 | int64(uint32(st.Fsid.Val[1])), nil
}

func ctimeOf(sys *syscall.Stat_t) time.Time {
	return time.Unix(sys.Ctim.Sec, sys.Ctim.Nsec)
}

func atimeOf(sys *syscall.Stat_t) time.Time {
	return time.Unix(sys.Atim.Sec, sys.Atim.Nsec)
}
