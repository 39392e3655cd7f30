// Package metadata owns the dirent/version/ver_object/scan schema that
// tracks every filesystem entry coldvault has ever seen: who it is
// (fsid, inode), what it looked like at each scan, and which content
// chunks compose it.
//
// Every multi-statement unit of work that must not be observed partially
// — a dirent upsert together with the version row it produces — runs
// inside a single transaction via WithTx. Callers that only need one
// statement may pass the Store itself, which satisfies Queryer directly.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting callers
// choose whether an operation runs standalone or as part of a larger
// transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed metadata store.
type Store struct {
	db   *sql.DB
	path string
}

var _ Queryer = (*Store)(nil)

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// NewStore opens (creating if necessary) the SQLite database at path and
// applies the embedded schema (see ensureSchema). dbMax bounds the connection pool that
// backs every metadata unit-of-work; acquiring a connection beyond that
// bound blocks until one frees up.
func NewStore(path string, dbMax int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metadata directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if dbMax <= 0 {
		dbMax = 1
	}
	db.SetMaxOpenConns(dbMax)
	db.SetMaxIdleConns(dbMax)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the filesystem path of the underlying SQLite database.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error, including a panic re-raised after rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// BeginScan starts a new scan generation: it reads the highest
// scan_counter recorded in dirent or scan, adds one (or starts at one on
// an empty store), and inserts a scan row recording the start time and
// root directory.
func (s *Store) BeginScan(ctx context.Context, rootDir string) (int64, error) {
	var counter int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxCounter sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(scan_counter) FROM (SELECT scan_counter FROM dirent UNION ALL SELECT scan_counter FROM scan)").Scan(&maxCounter); err != nil {
			return fmt.Errorf("read max scan_counter: %w", err)
		}
		counter = maxCounter.Int64 + 1

		_, err := tx.ExecContext(ctx,
			"INSERT INTO scan (scan_counter, start_time, root_dir) VALUES (?, ?, ?)",
			counter, time.Now().UTC().Format(time.RFC3339Nano), rootDir)
		if err != nil {
			return fmt.Errorf("insert scan row: %w", err)
		}
		return nil
	})
	return counter, err
}

// UpsertDirent records an observation of (fsid, inode) during scanCounter.
// A dirent seen for the first time is inserted and isHardlink is false.
// A dirent already updated to scanCounter in this same scan signals a
// second path to the same inode — a hard link — and isHardlink is true.
// Otherwise the dirent is brought current and isHardlink is false.
func (s *Store) UpsertDirent(ctx context.Context, q Queryer, fsid int64, inode uint64, kind EntryKind, scanCounter int64) (direntID int64, isHardlink bool, err error) {
	var existingID int64
	var existingScan int64
	row := q.QueryRowContext(ctx, "SELECT id, scan_counter FROM dirent WHERE fsid = ? AND inode = ?", fsid, inode)
	err = row.Scan(&existingID, &existingScan)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := q.ExecContext(ctx,
			"INSERT INTO dirent (fsid, inode, type, is_deleted, scan_counter) VALUES (?, ?, ?, 0, ?)",
			fsid, inode, string(kind), scanCounter)
		if err != nil {
			return 0, false, fmt.Errorf("insert dirent: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("dirent insert id: %w", err)
		}
		return id, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("select dirent: %w", err)
	}

	if existingScan == scanCounter {
		return existingID, true, nil
	}

	if _, err := q.ExecContext(ctx,
		"UPDATE dirent SET is_deleted = 0, scan_counter = ? WHERE id = ?",
		scanCounter, existingID); err != nil {
		return 0, false, fmt.Errorf("update dirent: %w", err)
	}
	return existingID, false, nil
}

// LatestVersion returns the highest-id version row for direntID, or nil
// if the dirent has no versions yet.
func (s *Store) LatestVersion(ctx context.Context, q Queryer, direntID int64) (*Version, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, dirent_id, parent_id, scan_counter, is_delmarker, is_hardlink,
		       name, size, ctime, mtime, atime, permission, uid, gid, link_path, xattr
		FROM version WHERE dirent_id = ? ORDER BY id DESC LIMIT 1`, direntID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// InsertVersion appends a new immutable version row for direntID and
// returns its id.
func (s *Store) InsertVersion(ctx context.Context, q Queryer, direntID, parentID, scanCounter int64, name string, stat Stat, isDelmarker, isHardlink bool) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO version (
			dirent_id, parent_id, scan_counter, is_delmarker, is_hardlink,
			name, size, ctime, mtime, atime, permission, uid, gid, link_path, xattr
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		direntID, parentID, scanCounter, boolToInt(isDelmarker), boolToInt(isHardlink),
		name, stat.Size, formatTime(stat.Ctime), formatTime(stat.Mtime), formatTime(stat.Atime),
		stat.Permission, stat.UID, stat.GID, stat.LinkPath, stat.XAttr)
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	return res.LastInsertId()
}

// SetHardlinkFlag marks every version of direntID as belonging to a
// hard-linked inode, used when a later sibling path reveals the
// relationship after earlier versions were already written.
func (s *Store) SetHardlinkFlag(ctx context.Context, q Queryer, direntID int64) error {
	if _, err := q.ExecContext(ctx, "UPDATE version SET is_hardlink = 1 WHERE dirent_id = ?", direntID); err != nil {
		return fmt.Errorf("set hardlink flag: %w", err)
	}
	return nil
}

// RecordChunk appends (versionID, objectHash) to ver_object and reports
// whether any prior ver_object row referenced the same hash — the
// content-deduplication signal for the upload scheduler.
func (s *Store) RecordChunk(ctx context.Context, q Queryer, versionID int64, objectHash string) (alreadyPresent bool, err error) {
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM ver_object WHERE object_hash = ?", objectHash).Scan(&count); err != nil {
		return false, fmt.Errorf("check existing chunk: %w", err)
	}
	alreadyPresent = count > 0

	if _, err := q.ExecContext(ctx, "INSERT INTO ver_object (ver_id, object_hash) VALUES (?, ?)", versionID, objectHash); err != nil {
		return false, fmt.Errorf("record chunk: %w", err)
	}
	return alreadyPresent, nil
}

// MarkDeletions tombstones every dirent not observed during scanCounter:
// it sets is_deleted=1 and, if the dirent's latest version is not
// already a delete marker, appends one.
func (s *Store) MarkDeletions(ctx context.Context, scanCounter int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM dirent WHERE scan_counter < ? AND is_deleted = 0", scanCounter)
		if err != nil {
			return fmt.Errorf("select stale dirents: %w", err)
		}
		var staleIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale dirent id: %w", err)
			}
			staleIDs = append(staleIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range staleIDs {
			latest, err := s.LatestVersion(ctx, tx, id)
			if err != nil {
				return err
			}
			if latest != nil && !latest.IsDelmarker {
				if _, err := s.InsertVersion(ctx, tx, id, latest.ParentID, scanCounter, latest.Name, Stat{}, true, latest.IsHardlink); err != nil {
					return fmt.Errorf("insert delete marker for dirent %d: %w", id, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "UPDATE dirent SET is_deleted = 1 WHERE id = ?", id); err != nil {
				return fmt.Errorf("mark dirent %d deleted: %w", id, err)
			}
		}
		return nil
	})
}

func resolveGeneration(ctx context.Context, q Queryer, at Generation) (int64, error) {
	if at != Latest {
		return int64(at), nil
	}
	var maxCounter sql.NullInt64
	if err := q.QueryRowContext(ctx,
		"SELECT MAX(scan_counter) FROM (SELECT scan_counter FROM scan UNION ALL SELECT scan_counter FROM version)").Scan(&maxCounter); err != nil {
		return 0, fmt.Errorf("resolve latest generation: %w", err)
	}
	return maxCounter.Int64, nil
}

// ResolvePath walks components one segment at a time starting from the
// synthetic tree root, selecting at each level the greatest scan_counter
// not exceeding atGeneration and skipping tombstoned entries. found is
// false if no such entry exists at any level.
func (s *Store) ResolvePath(ctx context.Context, components []string, atGeneration Generation) (direntID, versionID int64, kind EntryKind, found bool, err error) {
	gen, err := resolveGeneration(ctx, s, atGeneration)
	if err != nil {
		return 0, 0, "", false, err
	}

	row := s.QueryRowContext(ctx, `
		SELECT v.id, v.dirent_id, d.type, v.is_delmarker
		FROM version v JOIN dirent d ON d.id = v.dirent_id
		WHERE v.parent_id = ? AND v.scan_counter <= ?
		ORDER BY v.scan_counter DESC, v.id DESC LIMIT 1`, RootParent, gen)

	var isDelmarker bool
	err = row.Scan(&versionID, &direntID, &kind, &isDelmarker)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, "", false, nil
	}
	if err != nil {
		return 0, 0, "", false, fmt.Errorf("resolve root: %w", err)
	}
	if isDelmarker {
		return 0, 0, "", false, nil
	}

	for _, name := range components {
		if name == "" {
			continue
		}
		children, err := s.Children(ctx, versionID, Generation(gen))
		if err != nil {
			return 0, 0, "", false, err
		}
		var match *ChildEntry
		for i := range children {
			if children[i].Name == name {
				match = &children[i]
				break
			}
		}
		if match == nil || match.IsDelmarker {
			return 0, 0, "", false, nil
		}
		direntID, versionID, kind = match.DirentID, match.VersionID, match.Kind
	}

	return direntID, versionID, kind, true, nil
}

// Children returns, for each distinct name under parentVersionID, the
// most recent version with scan_counter <= atGeneration, sorted by
// scan_counter descending. Delete markers are included so callers can
// distinguish "never existed" from "deleted by this generation".
func (s *Store) Children(ctx context.Context, parentVersionID int64, atGeneration Generation) ([]ChildEntry, error) {
	gen, err := resolveGeneration(ctx, s, atGeneration)
	if err != nil {
		return nil, err
	}

	rows, err := s.QueryContext(ctx, `
		SELECT v.dirent_id, v.id, v.name, v.parent_id, d.type, v.is_delmarker, v.scan_counter
		FROM version v
		JOIN dirent d ON d.id = v.dirent_id
		WHERE v.parent_id = ? AND v.scan_counter <= ?
		  AND v.id = (
			SELECT v2.id FROM version v2
			WHERE v2.parent_id = v.parent_id AND v2.name = v.name AND v2.scan_counter <= ?
			ORDER BY v2.scan_counter DESC, v2.id DESC LIMIT 1
		  )
		ORDER BY v.scan_counter DESC`, parentVersionID, gen, gen)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var children []ChildEntry
	for rows.Next() {
		var c ChildEntry
		if err := rows.Scan(&c.DirentID, &c.VersionID, &c.Name, &c.ParentID, &c.Kind, &c.IsDelmarker, &c.ScanCounter); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

// ChunksOf returns the ordered chunk hashes that reconstruct versionID's
// content when concatenated.
func (s *Store) ChunksOf(ctx context.Context, versionID int64) ([]string, error) {
	rows, err := s.QueryContext(ctx, "SELECT object_hash FROM ver_object WHERE ver_id = ? ORDER BY id ASC", versionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan chunk hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Dirent returns the dirent row for id, or nil if it does not exist.
func (s *Store) Dirent(ctx context.Context, id int64) (*Dirent, error) {
	row := s.QueryRowContext(ctx, "SELECT id, fsid, inode, type, is_deleted, scan_counter FROM dirent WHERE id = ?", id)
	var d Dirent
	var isDel int
	if err := row.Scan(&d.ID, &d.FSID, &d.Inode, &d.Type, &isDel, &d.ScanCounter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dirent %d: %w", id, err)
	}
	d.IsDeleted = isDel != 0
	return &d, nil
}

// VersionByID returns the version row for id, or nil if it does not exist.
func (s *Store) VersionByID(ctx context.Context, id int64) (*Version, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, dirent_id, parent_id, scan_counter, is_delmarker, is_hardlink,
		       name, size, ctime, mtime, atime, permission, uid, gid, link_path, xattr
		FROM version WHERE id = ?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", id, err)
	}
	return v, nil
}

// LatestScan returns the most recent scan row, or nil if none exist.
func (s *Store) LatestScan(ctx context.Context) (*Scan, error) {
	row := s.QueryRowContext(ctx, "SELECT scan_counter, start_time, root_dir FROM scan ORDER BY scan_counter DESC LIMIT 1")
	sc, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest scan: %w", err)
	}
	return sc, nil
}

// ListScans returns every scan row, oldest first.
func (s *Store) ListScans(ctx context.Context) ([]Scan, error) {
	rows, err := s.QueryContext(ctx, "SELECT scan_counter, start_time, root_dir FROM scan ORDER BY scan_counter ASC")
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		var sc Scan
		var startTime string
		if err := rows.Scan(&sc.ScanCounter, &startTime, &sc.RootDir); err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		sc.StartTime, err = time.Parse(time.RFC3339Nano, startTime)
		if err != nil {
			return nil, fmt.Errorf("parse scan start_time: %w", err)
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var isDel, isHard int
	var ctime, mtime, atime string
	if err := row.Scan(&v.ID, &v.DirentID, &v.ParentID, &v.ScanCounter, &isDel, &isHard,
		&v.Name, &v.Stat.Size, &ctime, &mtime, &atime,
		&v.Stat.Permission, &v.Stat.UID, &v.Stat.GID, &v.Stat.LinkPath, &v.Stat.XAttr); err != nil {
		return nil, err
	}
	v.IsDelmarker = isDel != 0
	v.IsHardlink = isHard != 0
	v.Stat.Ctime = parseTime(ctime)
	v.Stat.Mtime = parseTime(mtime)
	v.Stat.Atime = parseTime(atime)
	return &v, nil
}

func scanScan(row rowScanner) (*Scan, error) {
	var sc Scan
	var startTime string
	if err := row.Scan(&sc.ScanCounter, &startTime, &sc.RootDir); err != nil {
		return nil, err
	}
	sc.StartTime = parseTime(startTime)
	return &sc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
