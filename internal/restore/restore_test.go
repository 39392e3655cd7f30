package restore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coldvault/internal/bufarbiter"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/objectstore"
)

type memGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemGateway() *memGateway {
	return &memGateway{objects: make(map[string][]byte)}
}

func (g *memGateway) put(hash string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[hash] = data
}

func (g *memGateway) BucketExists(ctx context.Context) (bool, error) { return true, nil }
func (g *memGateway) PutBytes(ctx context.Context, key string, data []byte) error {
	g.put(key, data)
	return nil
}
func (g *memGateway) PutStream(ctx context.Context, key string, r io.Reader, length int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	g.put(key, data)
	return nil
}
func (g *memGateway) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	g.mu.Lock()
	data, ok := g.objects[key]
	g.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (g *memGateway) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (g *memGateway) GetFile(ctx context.Context, key, destPath string) error   { return nil }
func (g *memGateway) PutFile(ctx context.Context, srcPath, key string) error    { return nil }

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestEngine(t *testing.T, restoreTo string, gen metadata.Generation) (*Engine, *metadata.Store, *memGateway) {
	t.Helper()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := newMemGateway()
	pool := objectstore.NewPool(gw, 4, 0)
	arbiter := bufarbiter.New(4)
	cfg := Config{RestoreTo: restoreTo, AtGeneration: gen, RestoreMax: 4, ChunkSize: 1 << 20}
	return New(store, pool, arbiter, cfg, logging.Discard()), store, gw
}

// buildTree writes a root directory, a regular file, a symlink, and a
// pair of hard-linked files directly through the metadata API, mimicking
// what a scan would have produced.
func buildTree(t *testing.T, ctx context.Context, store *metadata.Store, gw *memGateway) (rootDir string, fileContent, hlContent []byte) {
	t.Helper()

	scanCounter, err := store.BeginScan(ctx, "/src")
	if err != nil {
		t.Fatalf("BeginScan: %v", err)
	}

	rootDirentID, _, err := store.UpsertDirent(ctx, store, 1, 1, metadata.KindDirectory, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent root: %v", err)
	}
	rootVersionID, err := store.InsertVersion(ctx, store, rootDirentID, metadata.RootParent, scanCounter, "src",
		metadata.Stat{Permission: 0o755, Mtime: time.Now()}, false, false)
	if err != nil {
		t.Fatalf("InsertVersion root: %v", err)
	}

	fileContent = []byte("hello world")
	fileHash := hashOf(fileContent)
	gw.put(fileHash, fileContent)
	fileDirentID, _, err := store.UpsertDirent(ctx, store, 1, 2, metadata.KindFile, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent file: %v", err)
	}
	fileVersionID, err := store.InsertVersion(ctx, store, fileDirentID, rootVersionID, scanCounter, "a.txt",
		metadata.Stat{Size: int64(len(fileContent)), Permission: 0o644, Mtime: time.Now(), Atime: time.Now()}, false, false)
	if err != nil {
		t.Fatalf("InsertVersion file: %v", err)
	}
	if _, err := store.RecordChunk(ctx, store, fileVersionID, fileHash); err != nil {
		t.Fatalf("RecordChunk file: %v", err)
	}

	linkDirentID, _, err := store.UpsertDirent(ctx, store, 1, 3, metadata.KindSymlink, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent symlink: %v", err)
	}
	if _, err := store.InsertVersion(ctx, store, linkDirentID, rootVersionID, scanCounter, "link.txt",
		metadata.Stat{LinkPath: "a.txt"}, false, false); err != nil {
		t.Fatalf("InsertVersion symlink: %v", err)
	}

	subDirentID, _, err := store.UpsertDirent(ctx, store, 1, 4, metadata.KindDirectory, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent sub: %v", err)
	}
	subVersionID, err := store.InsertVersion(ctx, store, subDirentID, rootVersionID, scanCounter, "sub",
		metadata.Stat{Permission: 0o755, Mtime: time.Now()}, false, false)
	if err != nil {
		t.Fatalf("InsertVersion sub: %v", err)
	}

	hlContent = []byte("shared content")
	hlHash := hashOf(hlContent)
	gw.put(hlHash, hlContent)
	hlDirentID, isHL1, err := store.UpsertDirent(ctx, store, 1, 10, metadata.KindFile, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent hl1: %v", err)
	}
	v1, err := store.InsertVersion(ctx, store, hlDirentID, subVersionID, scanCounter, "f1.txt",
		metadata.Stat{Size: int64(len(hlContent)), Permission: 0o644, Mtime: time.Now(), Atime: time.Now()}, false, isHL1)
	if err != nil {
		t.Fatalf("InsertVersion f1: %v", err)
	}
	if _, err := store.RecordChunk(ctx, store, v1, hlHash); err != nil {
		t.Fatalf("RecordChunk hl: %v", err)
	}

	hlDirentID2, isHL2, err := store.UpsertDirent(ctx, store, 1, 10, metadata.KindFile, scanCounter)
	if err != nil {
		t.Fatalf("UpsertDirent hl2: %v", err)
	}
	if hlDirentID2 != hlDirentID {
		t.Fatalf("hard-link upsert returned a different dirent id: %d != %d", hlDirentID2, hlDirentID)
	}
	if !isHL2 {
		t.Fatal("second upsert of the same (fsid, inode) in one scan should report isHardlink=true")
	}
	if _, err := store.InsertVersion(ctx, store, hlDirentID, subVersionID, scanCounter, "f2.txt",
		metadata.Stat{Size: int64(len(hlContent)), Permission: 0o644, Mtime: time.Now(), Atime: time.Now()}, false, isHL2); err != nil {
		t.Fatalf("InsertVersion f2: %v", err)
	}
	if err := store.SetHardlinkFlag(ctx, store, hlDirentID); err != nil {
		t.Fatalf("SetHardlinkFlag: %v", err)
	}

	return "/src", fileContent, hlContent
}

func TestRestoreAllReconstructsTree(t *testing.T) {
	ctx := context.Background()
	dest := t.TempDir()
	eng, store, gw := newTestEngine(t, dest, metadata.Latest)
	buildTree(t, ctx, store, gw)

	if err := eng.Restore(ctx, All); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt content = %q", got)
	}

	info, err := os.Lstat(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("lstat a.txt: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("a.txt perm = %v, want 0644", info.Mode().Perm())
	}

	target, err := os.Readlink(filepath.Join(dest, "link.txt"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "a.txt" {
		t.Errorf("link.txt target = %q, want a.txt", target)
	}

	f1, err := os.ReadFile(filepath.Join(dest, "sub", "f1.txt"))
	if err != nil {
		t.Fatalf("read f1.txt: %v", err)
	}
	f2, err := os.ReadFile(filepath.Join(dest, "sub", "f2.txt"))
	if err != nil {
		t.Fatalf("read f2.txt: %v", err)
	}
	if string(f1) != "shared content" || string(f2) != "shared content" {
		t.Errorf("hard-linked files content mismatch: %q, %q", f1, f2)
	}

	i1, err := os.Stat(filepath.Join(dest, "sub", "f1.txt"))
	if err != nil {
		t.Fatalf("stat f1.txt: %v", err)
	}
	i2, err := os.Stat(filepath.Join(dest, "sub", "f2.txt"))
	if err != nil {
		t.Fatalf("stat f2.txt: %v", err)
	}
	if !os.SameFile(i1, i2) {
		t.Error("f1.txt and f2.txt should be the same inode after restore")
	}
}

func TestRestoreSinglePath(t *testing.T) {
	ctx := context.Background()
	dest := t.TempDir()
	eng, store, gw := newTestEngine(t, dest, metadata.Latest)
	root, _, _ := buildTree(t, ctx, store, gw)

	if err := eng.Restore(ctx, filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt content = %q", got)
	}

	if _, err := os.Stat(filepath.Join(dest, "sub")); !os.IsNotExist(err) {
		t.Error("restoring a.txt alone should not restore sibling sub/")
	}
}

func TestRestoreHistoricalGeneration(t *testing.T) {
	ctx := context.Background()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gw := newMemGateway()

	gen1, err := store.BeginScan(ctx, "/src")
	if err != nil {
		t.Fatalf("BeginScan 1: %v", err)
	}
	rootDirentID, _, _ := store.UpsertDirent(ctx, store, 1, 1, metadata.KindDirectory, gen1)
	rootVersionID, _ := store.InsertVersion(ctx, store, rootDirentID, metadata.RootParent, gen1, "src", metadata.Stat{Permission: 0o755}, false, false)

	v1Content := []byte("version one")
	v1Hash := hashOf(v1Content)
	gw.put(v1Hash, v1Content)
	fileDirentID, _, _ := store.UpsertDirent(ctx, store, 1, 2, metadata.KindFile, gen1)
	v1ID, _ := store.InsertVersion(ctx, store, fileDirentID, rootVersionID, gen1, "a.txt",
		metadata.Stat{Size: int64(len(v1Content)), Permission: 0o644, Mtime: time.Unix(1000, 0)}, false, false)
	if _, err := store.RecordChunk(ctx, store, v1ID, v1Hash); err != nil {
		t.Fatalf("RecordChunk v1: %v", err)
	}

	gen2, err := store.BeginScan(ctx, "/src")
	if err != nil {
		t.Fatalf("BeginScan 2: %v", err)
	}
	store.UpsertDirent(ctx, store, 1, 1, metadata.KindDirectory, gen2)
	rootVersionID2, _ := store.InsertVersion(ctx, store, rootDirentID, metadata.RootParent, gen2, "src", metadata.Stat{Permission: 0o755}, false, false)

	v2Content := []byte("version two, longer")
	v2Hash := hashOf(v2Content)
	gw.put(v2Hash, v2Content)
	store.UpsertDirent(ctx, store, 1, 2, metadata.KindFile, gen2)
	v2ID, _ := store.InsertVersion(ctx, store, fileDirentID, rootVersionID2, gen2, "a.txt",
		metadata.Stat{Size: int64(len(v2Content)), Permission: 0o644, Mtime: time.Unix(2000, 0)}, false, false)
	if _, err := store.RecordChunk(ctx, store, v2ID, v2Hash); err != nil {
		t.Fatalf("RecordChunk v2: %v", err)
	}

	pool := objectstore.NewPool(gw, 4, 0)
	arbiter := bufarbiter.New(4)

	oldDest := t.TempDir()
	oldEng := New(store, pool, arbiter, Config{RestoreTo: oldDest, AtGeneration: metadata.Generation(gen1), ChunkSize: 1 << 20}, logging.Discard())
	if err := oldEng.Restore(ctx, All); err != nil {
		t.Fatalf("Restore at gen1: %v", err)
	}
	old, err := os.ReadFile(filepath.Join(oldDest, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt at gen1: %v", err)
	}
	if string(old) != "version one" {
		t.Errorf("gen1 content = %q, want %q", old, "version one")
	}

	newDest := t.TempDir()
	newEng := New(store, pool, arbiter, Config{RestoreTo: newDest, AtGeneration: metadata.Latest, ChunkSize: 1 << 20}, logging.Discard())
	if err := newEng.Restore(ctx, All); err != nil {
		t.Fatalf("Restore at latest: %v", err)
	}
	latest, err := os.ReadFile(filepath.Join(newDest, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt at latest: %v", err)
	}
	if string(latest) != "version two, longer" {
		t.Errorf("latest content = %q, want %q", latest, "version two, longer")
	}
}
