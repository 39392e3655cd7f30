package metadata

import "time"

// EntryKind classifies a dirent's filesystem object type.
type EntryKind string

const (
	KindFile      EntryKind = "FILE"
	KindDirectory EntryKind = "DIRECTORY"
	KindSymlink   EntryKind = "SYMLINK"
)

// Generation identifies a scan_counter ceiling for a restore or path
// resolution. Latest means "the most recent scan_counter in the store".
type Generation int64

// Latest resolves to the highest scan_counter present at query time.
const Latest Generation = -1

// RootParent is the sentinel parent_id of a root directory's version row:
// it has no parent version to point to.
const RootParent int64 = -1

// Dirent is one row per (fsid, inode) observed across all scans.
type Dirent struct {
	ID          int64
	FSID        int64
	Inode       uint64
	Type        EntryKind
	IsDeleted   bool
	ScanCounter int64
}

// Stat carries the per-version metadata snapshot taken at scan time.
type Stat struct {
	Size       int64
	Ctime      time.Time
	Mtime      time.Time
	Atime      time.Time
	Permission uint32
	UID        uint32
	GID        uint32
	LinkPath   string
	XAttr      string // base64 wire encoding from internal/xattr.EncodeString
}

// Version is an immutable snapshot of a dirent's metadata at one scan.
type Version struct {
	ID          int64
	DirentID    int64
	ParentID    int64 // RootParent for the tree root
	ScanCounter int64
	IsDelmarker bool
	IsHardlink  bool
	Name        string
	Stat        Stat
}

// ChildEntry is one named entry under a parent version, as of some
// generation.
type ChildEntry struct {
	DirentID    int64
	VersionID   int64
	Name        string
	ParentID    int64
	Kind        EntryKind
	IsDelmarker bool
	ScanCounter int64
}

// Scan is one row in the scan history table.
type Scan struct {
	ScanCounter int64
	StartTime   time.Time
	RootDir     string
}
