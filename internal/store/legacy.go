package store

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/goccy/go-json"
)

// legacySnapshot is the single-file JSON format that predates the
// SQLite cache: a cache map plus a chapter page-count map.
type legacySnapshot struct {
	Cache           map[string]Entry `json:"cache"`
	ChapterPagesMap map[string]int   `json:"chapter_pages_map"`
}

// migrateLegacySnapshot imports the old JSON snapshot once. The
// completion marker is written inside the same transaction as the
// imported rows, so an interrupted run simply retries next boot. Any
// failure here is logged and startup continues; the file stays in
// place so a later boot can try again.
func (s *Store) migrateLegacySnapshot(ctx context.Context, path string) {
	var marker string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, legacyMigratedKey).Scan(&marker)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn().Err(err).Msg("legacy migration marker lookup failed")
		return
	}
	if marker == "1" {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to read legacy cache file")
		}
		return
	}

	var snapshot legacySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to decode legacy cache file")
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to start legacy migration transaction")
		return
	}

	imported, err := importEntriesTx(ctx, tx, snapshot.Cache)
	if err == nil {
		for key, count := range snapshot.ChapterPagesMap {
			now := nowUnix()
			if _, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO chapter_pages
					(chapter_key, page_count, created_at, last_accessed_at)
				 VALUES (?, ?, ?, ?)`,
				key, count, now, now); err != nil {
				break
			}
		}
	}
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, '1')`, legacyMigratedKey)
	}
	if err != nil {
		_ = tx.Rollback()
		s.logger.Warn().Err(err).Msg("legacy cache migration failed")
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to commit legacy cache migration")
		return
	}

	_ = os.Remove(path)
	s.logger.Info().Int64("entries", imported).Msg("migrated legacy OCR cache snapshot into SQLite")
}
