// Package restore reconstructs a backed-up tree (or a single path within
// it) from the metadata store and object store as of a chosen
// generation, replaying attributes and hard-link relationships.
package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"coldvault/internal/bufarbiter"
	"coldvault/internal/callgroup"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/objectstore"
	"coldvault/internal/xattr"
)

// All is the sentinel restore_target meaning "restore the whole tree".
const All = "all"

// Config carries the tunables a restore run needs at construction.
type Config struct {
	RestoreTo    string
	AtGeneration metadata.Generation
	RestoreMax   int   // bounded outstanding restore_obj tasks
	ChunkSize    int64 // nominal chunk size, used to size the large-buffer threshold
}

type hardlinkKey struct {
	FSID  int64
	Inode uint64
}

// Engine restores objects out of a metadata.Store/objectstore.Pool pair
// into a destination directory.
type Engine struct {
	store   *metadata.Store
	pool    *objectstore.Pool
	arbiter *bufarbiter.Arbiter
	cfg     Config
	logger  *slog.Logger

	hardlinks callgroup.Group[hardlinkKey, string]
}

// New returns an Engine ready to Restore.
func New(store *metadata.Store, pool *objectstore.Pool, arbiter *bufarbiter.Arbiter, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		pool:    pool,
		arbiter: arbiter,
		cfg:     cfg,
		logger:  logging.Default(logger).With("component", "restore"),
	}
}

// Restore resolves target (a path under the backed-up root, or All) at
// cfg.AtGeneration and reconstructs it under cfg.RestoreTo.
func (e *Engine) Restore(ctx context.Context, target string) error {
	scan, err := e.store.LatestScan(ctx)
	if err != nil {
		return fmt.Errorf("latest scan: %w", err)
	}
	if scan == nil {
		return fmt.Errorf("restore: store has no scans")
	}

	rel := relativeTarget(target, scan.RootDir)
	components := splitComponents(rel)

	direntID, versionID, kind, found, err := e.store.ResolvePath(ctx, components, e.cfg.AtGeneration)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", target, err)
	}
	if !found {
		return fmt.Errorf("restore: %q not found at generation %v", target, e.cfg.AtGeneration)
	}

	destPath := e.cfg.RestoreTo
	if name := filepath.Base(rel); rel != "" {
		destPath = filepath.Join(e.cfg.RestoreTo, name)
	}

	e.logger.Info("restore starting", "target", target, "dest", destPath, "generation", e.cfg.AtGeneration)

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.RestoreMax > 0 {
		g.SetLimit(e.cfg.RestoreMax)
	}
	g.Go(func() error {
		return e.restoreObj(gctx, g, destPath, direntID, versionID, kind)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.Info("restore complete", "target", target, "dest", destPath)
	return nil
}

// relativeTarget strips rootDir from target, returning "" for All (or an
// already-relative empty target).
func relativeTarget(target, rootDir string) string {
	if target == "" || target == All {
		return ""
	}
	rel := strings.TrimPrefix(target, rootDir)
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

func splitComponents(rel string) []string {
	if rel == "" {
		return nil
	}
	return strings.Split(rel, string(filepath.Separator))
}

// restoreObj materializes one dirent's version at destPath: for the
// first-seen path to a hard-linked inode it restores content and
// attributes and publishes destPath for its siblings; every later
// sibling just links to that published path.
func (e *Engine) restoreObj(ctx context.Context, g *errgroup.Group, destPath string, direntID, versionID int64, kind metadata.EntryKind) error {
	version, err := e.store.VersionByID(ctx, versionID)
	if err != nil {
		return fmt.Errorf("load version %d: %w", versionID, err)
	}
	if version == nil {
		return fmt.Errorf("version %d not found", versionID)
	}

	if !version.IsHardlink {
		return e.restoreContent(ctx, g, destPath, versionID, kind, version)
	}

	dirent, err := e.store.Dirent(ctx, direntID)
	if err != nil {
		return fmt.Errorf("load dirent %d: %w", direntID, err)
	}
	if dirent == nil {
		return fmt.Errorf("dirent %d not found", direntID)
	}
	key := hardlinkKey{FSID: dirent.FSID, Inode: dirent.Inode}

	firstPath, err := e.hardlinks.Do(key, func() (string, error) {
		if err := e.restoreContent(ctx, g, destPath, versionID, kind, version); err != nil {
			return "", err
		}
		return destPath, nil
	})
	if err != nil {
		return err
	}
	if firstPath == destPath {
		return nil // this call was the first restore of the inode
	}
	return linkRetry(firstPath, destPath)
}

// restoreContent creates destPath per kind, replays its attributes, and
// (for directories) recurses into its children.
func (e *Engine) restoreContent(ctx context.Context, g *errgroup.Group, destPath string, versionID int64, kind metadata.EntryKind, version *metadata.Version) error {
	switch kind {
	case metadata.KindFile:
		if err := e.restoreFile(ctx, destPath, versionID, version.Stat.Size); err != nil {
			return fmt.Errorf("restore file %q: %w", destPath, err)
		}
	case metadata.KindDirectory:
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return fmt.Errorf("mkdir %q: %w", destPath, err)
		}
	case metadata.KindSymlink:
		if err := symlinkRetry(version.Stat.LinkPath, destPath); err != nil {
			return fmt.Errorf("symlink %q: %w", destPath, err)
		}
		return nil // attributes are not replayed onto symlinks
	default:
		return fmt.Errorf("restore: unknown entry kind %q", kind)
	}

	if err := replayAttributes(destPath, version.Stat); err != nil {
		return fmt.Errorf("replay attributes %q: %w", destPath, err)
	}

	if kind != metadata.KindDirectory {
		return nil
	}

	children, err := e.store.Children(ctx, versionID, e.cfg.AtGeneration)
	if err != nil {
		return fmt.Errorf("children of %q: %w", destPath, err)
	}
	for _, c := range children {
		if c.IsDelmarker {
			continue
		}
		childDest := filepath.Join(destPath, c.Name)
		child := c
		g.Go(func() error {
			return e.restoreObj(ctx, g, childDest, child.DirentID, child.VersionID, child.Kind)
		})
	}
	return nil
}

// restoreFile writes versionID's chunks to destPath in order, gating
// peak memory through the buffer arbiter for files large enough that a
// chunk-sized copy buffer matters.
func (e *Engine) restoreFile(ctx context.Context, destPath string, versionID, size int64) error {
	hashes, err := e.store.ChunksOf(ctx, versionID)
	if err != nil {
		return fmt.Errorf("chunks of version %d: %w", versionID, err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", destPath, err)
	}
	defer f.Close()

	large := e.cfg.ChunkSize > 0 && size >= e.cfg.ChunkSize/16

	for _, hash := range hashes {
		if err := e.copyChunk(ctx, f, hash, size, large); err != nil {
			return fmt.Errorf("chunk %s: %w", hash, err)
		}
	}
	return nil
}

func (e *Engine) copyChunk(ctx context.Context, dst io.Writer, hash string, size int64, large bool) error {
	gw, release, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire object store client: %w", err)
	}
	defer release()

	rc, err := gw.GetStream(ctx, hash)
	if err != nil {
		return fmt.Errorf("get %q: %w", hash, err)
	}
	defer rc.Close()

	if !large {
		_, err := io.Copy(dst, rc)
		return err
	}

	return bufarbiter.WithBuffer(ctx, e.arbiter, min(e.cfg.ChunkSize, size), func(buf []byte) error {
		_, err := io.CopyBuffer(dst, rc, buf)
		return err
	})
}

func symlinkRetry(linkPath, target string) error {
	err := os.Symlink(linkPath, target)
	if err != nil && os.IsExist(err) {
		if rmErr := os.Remove(target); rmErr != nil {
			return rmErr
		}
		err = os.Symlink(linkPath, target)
	}
	return err
}

func linkRetry(oldname, newname string) error {
	err := os.Link(oldname, newname)
	if err != nil && os.IsExist(err) {
		if rmErr := os.Remove(newname); rmErr != nil {
			return rmErr
		}
		err = os.Link(oldname, newname)
	}
	return err
}

// replayAttributes restores permission bits, ownership, timestamps, and
// extended attributes onto path. ctime cannot be set directly; it is
// implied by the chmod/chown/setxattr calls themselves.
func replayAttributes(path string, stat metadata.Stat) error {
	if err := os.Chmod(path, os.FileMode(stat.Permission)); err != nil {
		return err
	}
	if err := os.Chown(path, int(stat.UID), int(stat.GID)); err != nil {
		return err
	}
	if !stat.Mtime.IsZero() {
		atime := stat.Atime
		if atime.IsZero() {
			atime = stat.Mtime
		}
		if err := os.Chtimes(path, atime, stat.Mtime); err != nil {
			return err
		}
	}

	attrs, err := xattr.DecodeString(stat.XAttr)
	if err != nil {
		return fmt.Errorf("decode xattrs: %w", err)
	}
	if len(attrs) == 0 {
		return nil
	}
	return xattr.Write(path, attrs)
}
