package coordinator

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"coldvault/internal/appconfig"
	"coldvault/internal/logging"
	"coldvault/internal/metadata"
	"coldvault/internal/objectstore"
)

// memGateway is a fully in-memory objectstore.Gateway fake used to drive
// Coordinator directly, bypassing the concrete backend construction New
// performs against real cloud SDKs.
type memGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
	files   map[string]string
}

func newMemGateway() *memGateway {
	return &memGateway{objects: make(map[string][]byte), files: make(map[string]string)}
}

func (g *memGateway) BucketExists(ctx context.Context) (bool, error) { return true, nil }
func (g *memGateway) PutBytes(ctx context.Context, key string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = data
	return nil
}
func (g *memGateway) PutStream(ctx context.Context, key string, r io.Reader, length int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return g.PutBytes(ctx, key, data)
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
func (g *memGateway) List(ctx context.Context, prefix string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for k := range g.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
func (g *memGateway) GetFile(ctx context.Context, key, destPath string) error {
	g.mu.Lock()
	data, ok := g.objects[key]
	g.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(destPath, data, 0o644)
}
func (g *memGateway) PutFile(ctx context.Context, srcPath, key string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return g.PutBytes(ctx, key, data)
}

func newTestCoordinator(t *testing.T, cfg *appconfig.Config) (*Coordinator, *metadata.Store, *memGateway) {
	t.Helper()
	store, err := metadata.NewStore(filepath.Join(t.TempDir(), "meta.db"), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := newMemGateway()
	pool := objectstore.NewPool(gw, 4, 0)

	return &Coordinator{cfg: cfg, store: store, pool: pool, logger: logging.Discard()}, store, gw
}

func baseConfig(root string) *appconfig.Config {
	return &appconfig.Config{
		RootDir:    root,
		ChunkSize:  1 << 20,
		BufferSize: 1 << 16,
		S3Max:      64,
		DBMax:      4,
		LBMax:      4,
		S3PoolSize: 4,
		RestoreMax: 4,
	}
}

func TestBackupAndListHistory(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig(root)
	cfg.MetadataID = "snap"
	coord, store, gw := newTestCoordinator(t, cfg)

	if err := coord.Backup(context.Background(), BackupOptions{}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	scans, err := store.ListScans(context.Background())
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("expected 1 scan, got %d", len(scans))
	}

	keys, err := gw.List(context.Background(), "snap_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 metadata snapshot, got %d: %v", len(keys), keys)
	}
}

func TestBackupSkipsSnapshotWhenRequested(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig(root)
	cfg.MetadataID = "snap"
	coord, _, gw := newTestCoordinator(t, cfg)

	if err := coord.Backup(context.Background(), BackupOptions{SkipMetadataSnapshot: true}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	keys, err := gw.List(context.Background(), "snap_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no metadata snapshot, got %v", keys)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("round trip content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig(root)
	coord, _, _ := newTestCoordinator(t, cfg)

	if err := coord.Backup(context.Background(), BackupOptions{SkipMetadataSnapshot: true}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dest := t.TempDir()
	if err := coord.Restore(context.Background(), filepath.Join(root, "a.txt"), dest, metadata.Latest, RestoreOptions{}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "round trip content" {
		t.Errorf("restored content = %q, want %q", got, "round trip content")
	}
}

func TestRestoreRejectsNonDirectoryDestination(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig(root)
	coord, _, _ := newTestCoordinator(t, cfg)

	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := coord.Restore(context.Background(), root, notADir, metadata.Latest, RestoreOptions{})
	if err == nil {
		t.Fatal("expected error for non-directory restore destination")
	}
}

func TestDryRunRestoreWritesNothing(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := baseConfig(root)
	coord, _, _ := newTestCoordinator(t, cfg)

	if err := coord.Backup(context.Background(), BackupOptions{SkipMetadataSnapshot: true}); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dest := t.TempDir()
	if err := coord.Restore(context.Background(), root, dest, metadata.Latest, RestoreOptions{DryRun: true}); err != nil {
		t.Fatalf("Restore dry-run: %v", err)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("dry-run restore should not write files, found %v", entries)
	}
}

func TestRestoreMetadataPicksNewestByDefault(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(root)
	cfg.MetadataID = "snap"
	cfg.MetadataDBPath = filepath.Join(t.TempDir(), "restored.db")
	coord, _, gw := newTestCoordinator(t, cfg)

	gw.objects["snap_1"] = []byte("generation one")
	gw.objects["snap_2"] = []byte("generation two")

	if err := coord.RestoreMetadata(context.Background(), 0); err != nil {
		t.Fatalf("RestoreMetadata: %v", err)
	}

	got, err := os.ReadFile(cfg.MetadataDBPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "generation two" {
		t.Errorf("restored metadata = %q, want newest snapshot", got)
	}
}

func TestRestoreMetadataRelativeIndex(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(root)
	cfg.MetadataID = "snap"
	cfg.MetadataDBPath = filepath.Join(t.TempDir(), "restored.db")
	coord, _, gw := newTestCoordinator(t, cfg)

	gw.objects["snap_1"] = []byte("generation one")
	gw.objects["snap_2"] = []byte("generation two")
	gw.objects["snap_3"] = []byte("generation three")

	if err := coord.RestoreMetadata(context.Background(), -1); err != nil {
		t.Fatalf("RestoreMetadata: %v", err)
	}

	got, err := os.ReadFile(cfg.MetadataDBPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "generation two" {
		t.Errorf("restored metadata = %q, want the generation before newest", got)
	}
}

func TestRestoreMetadataRequiresMetadataID(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(root)
	coord, _, _ := newTestCoordinator(t, cfg)

	if err := coord.RestoreMetadata(context.Background(), 0); err == nil {
		t.Fatal("expected error when metadata_id is not configured")
	}
}
