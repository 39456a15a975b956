// Package store is the persistent OCR cache: page entries with access
// bookkeeping, chapter membership sets, and chapter page-count records,
// all in a single SQLite file. Methods return errors; callers on the
// serving path are expected to treat any failure as a cache miss.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/junhma/Manatan/internal/ocr"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	dbFileName     = "ocr-cache.db"
	legacyFileName = "ocr-cache.json"

	// Reads under concurrent load must not serialize through one
	// connection; writes serialize at the SQLite layer regardless.
	maxOpenConns = 4

	legacyMigratedKey = "legacy_json_migrated"
)

// Entry is one cached page result. Context is a free-form label
// recording why the entry was created; it never participates in
// lookups.
type Entry struct {
	Context string     `json:"context"`
	Data    []ocr.Line `json:"data"`
}

// ChapterDeleteResult reports row counts removed by DeleteChapter.
type ChapterDeleteResult struct {
	MembershipRows int64
	PageCountRows  int64
	CacheRows      int64
}

// ChapterProgress is the persisted page-count record for a chapter.
type ChapterProgress struct {
	PageCount      int
	ProcessedCount int
}

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the cache database under dir, applies schema
// migrations, and runs the one-time legacy JSON snapshot import. A
// failed legacy import is logged and left for the next boot; it never
// fails Open.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	s := &Store{db: db, logger: logger}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.migrateLegacySnapshot(context.Background(), filepath.Join(dir, legacyFileName))
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Len reports the number of cached page entries.
func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ocr_cache`).Scan(&n)
	return n, err
}

// Has reports whether an entry exists under exactly key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ocr_cache WHERE cache_key = ? LIMIT 1`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// HasPrefix reports whether any entry's key starts with prefix.
func (s *Store) HasPrefix(ctx context.Context, prefix string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ocr_cache WHERE cache_key LIKE ? LIMIT 1`, prefix+"%").Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Get returns the entry stored under key, bumping last_accessed_at and
// access_count in the same statement. A miss returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE ocr_cache
		 SET last_accessed_at = ?, access_count = access_count + 1
		 WHERE cache_key = ?
		 RETURNING context, data`,
		nowUnix(), key)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// GetSourceIDVariant looks up an entry written under a legacy key that
// embedded a sourceId query parameter (key?sourceId=... or
// key&sourceId=...). Ties between multiple legacy variants break
// deterministically toward the lexicographically smallest key. The
// caller is expected to re-store the entry under key so future lookups
// hit directly.
func (s *Store) GetSourceIDVariant(ctx context.Context, key string) (string, *Entry, error) {
	likeQ := key + "?sourceId=%"
	likeAmp := key + "&sourceId=%"

	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, context, data FROM ocr_cache
		 WHERE cache_key LIKE ? OR cache_key LIKE ?
		 ORDER BY cache_key
		 LIMIT 1`,
		likeQ, likeAmp)

	var actualKey, entryContext string
	var blob []byte
	if err := row.Scan(&actualKey, &entryContext, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE ocr_cache
		 SET last_accessed_at = ?, access_count = access_count + 1
		 WHERE cache_key = ?`,
		nowUnix(), actualKey); err != nil {
		return "", nil, err
	}

	return actualKey, &Entry{Context: entryContext, Data: decodeLines(blob)}, nil
}

// Put upserts an entry. A fresh insert starts access_count at 1; a
// replace keeps created_at, swaps context and data wholesale, refreshes
// last_processed_at/last_accessed_at, and counts as one access.
func (s *Store) Put(ctx context.Context, key string, entry Entry) error {
	blob, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("encode entry data: %w", err)
	}
	now := nowUnix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ocr_cache
			(cache_key, context, data, created_at, last_processed_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(cache_key) DO UPDATE SET
			context = excluded.context,
			data = excluded.data,
			last_processed_at = excluded.last_processed_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = ocr_cache.access_count + 1`,
		key, entry.Context, blob, now, now, now)
	return err
}

// InsertChapterMember records cacheKey as a member of chapterKey.
// Duplicates are ignored.
func (s *Store) InsertChapterMember(ctx context.Context, chapterKey, cacheKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chapter_cache (chapter_key, cache_key, created_at) VALUES (?, ?, ?)`,
		chapterKey, cacheKey, nowUnix())
	return err
}

// CountChapterMembers reports the size of a chapter's membership set.
func (s *Store) CountChapterMembers(ctx context.Context, chapterKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapter_cache WHERE chapter_key = ?`, chapterKey).Scan(&n)
	return n, err
}

// ChapterProgress returns the persisted page-count record, refreshing
// its last_accessed_at. A missing record returns (nil, nil).
func (s *Store) ChapterProgress(ctx context.Context, chapterKey string) (*ChapterProgress, error) {
	var p ChapterProgress
	err := s.db.QueryRowContext(ctx,
		`SELECT page_count, processed_count FROM chapter_pages WHERE chapter_key = ?`,
		chapterKey).Scan(&p.PageCount, &p.ProcessedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chapter_pages SET last_accessed_at = ? WHERE chapter_key = ?`,
		nowUnix(), chapterKey); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetChapterPageCount records the expected total page count for a
// chapter, preserving any processed_count already tracked.
func (s *Store) SetChapterPageCount(ctx context.Context, chapterKey string, pageCount int) error {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapter_pages (chapter_key, page_count, processed_count, created_at, last_accessed_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(chapter_key) DO UPDATE SET
			page_count = excluded.page_count,
			last_accessed_at = excluded.last_accessed_at`,
		chapterKey, pageCount, now, now)
	return err
}

// SetChapterProgress records both the expected page count and the
// caller-maintained processed counter.
func (s *Store) SetChapterProgress(ctx context.Context, chapterKey string, pageCount, processedCount int) error {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapter_pages (chapter_key, page_count, processed_count, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chapter_key) DO UPDATE SET
			page_count = excluded.page_count,
			processed_count = excluded.processed_count,
			last_accessed_at = excluded.last_accessed_at`,
		chapterKey, pageCount, processedCount, now, now)
	return err
}

// DeleteChapter removes a chapter's membership rows and page-count
// record, and, when deleteData is set, every cache row whose key equals
// or is a sourceId variant of a member key. The member keys are
// collected before the membership rows go away, and the whole deletion
// commits or rolls back as one transaction.
func (s *Store) DeleteChapter(ctx context.Context, chapterKey string, deleteData bool) (ChapterDeleteResult, error) {
	var res ChapterDeleteResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var memberKeys []string
	if deleteData {
		rows, qerr := tx.QueryContext(ctx,
			`SELECT cache_key FROM chapter_cache WHERE chapter_key = ?`, chapterKey)
		if qerr != nil {
			err = qerr
			return res, err
		}
		for rows.Next() {
			var key string
			if err = rows.Scan(&key); err != nil {
				rows.Close()
				return res, err
			}
			memberKeys = append(memberKeys, key)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return res, err
		}
	}

	var out sql.Result
	if out, err = tx.ExecContext(ctx,
		`DELETE FROM chapter_cache WHERE chapter_key = ?`, chapterKey); err != nil {
		return res, err
	}
	res.MembershipRows, _ = out.RowsAffected()

	if out, err = tx.ExecContext(ctx,
		`DELETE FROM chapter_pages WHERE chapter_key = ?`, chapterKey); err != nil {
		return res, err
	}
	res.PageCountRows, _ = out.RowsAffected()

	for _, key := range memberKeys {
		if out, err = tx.ExecContext(ctx,
			`DELETE FROM ocr_cache WHERE cache_key = ? OR cache_key LIKE ? OR cache_key LIKE ?`,
			key, key+"?sourceId=%", key+"&sourceId=%"); err != nil {
			return res, err
		}
		n, _ := out.RowsAffected()
		res.CacheRows += n
	}

	if err = tx.Commit(); err != nil {
		return ChapterDeleteResult{}, err
	}
	return res, nil
}

// Clear wipes all cache, membership, and page-count rows. Each table is
// cleared independently; this is a destructive admin operation, not on
// a consistency-critical path.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM ocr_cache`,
		`DELETE FROM chapter_cache`,
		`DELETE FROM chapter_pages`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ExportAll returns every cached entry keyed by cache key.
func (s *Store) ExportAll(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cache_key, context, data FROM ocr_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var key, entryContext string
		var blob []byte
		if err := rows.Scan(&key, &entryContext, &blob); err != nil {
			return nil, err
		}
		out[key] = Entry{Context: entryContext, Data: decodeLines(blob)}
	}
	return out, rows.Err()
}

// ImportAll inserts entries whose key is absent and reports how many
// were actually added. Existing entries are never overwritten, which
// keeps import idempotent and safe to re-run.
func (s *Store) ImportAll(ctx context.Context, entries map[string]Entry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	added, err := importEntriesTx(ctx, tx, entries)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func importEntriesTx(ctx context.Context, tx *sql.Tx, entries map[string]Entry) (int64, error) {
	now := nowUnix()
	var added int64
	for key, entry := range entries {
		blob, err := json.Marshal(entry.Data)
		if err != nil {
			return added, fmt.Errorf("encode entry %q: %w", key, err)
		}
		out, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ocr_cache
				(cache_key, context, data, created_at, last_processed_at, last_accessed_at, access_count)
			 VALUES (?, ?, ?, ?, ?, ?, 1)`,
			key, entry.Context, blob, now, now, now)
		if err != nil {
			return added, err
		}
		n, _ := out.RowsAffected()
		added += n
	}
	return added, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var entryContext string
	var blob []byte
	if err := row.Scan(&entryContext, &blob); err != nil {
		return nil, err
	}
	return &Entry{Context: entryContext, Data: decodeLines(blob)}, nil
}

// decodeLines tolerates undecodable stored payloads: a corrupt blob
// reads as an empty result instead of failing the lookup.
func decodeLines(blob []byte) []ocr.Line {
	var lines []ocr.Line
	if err := json.Unmarshal(blob, &lines); err != nil {
		return nil
	}
	return lines
}

func nowUnix() int64 {
	return time.Now().Unix()
}
