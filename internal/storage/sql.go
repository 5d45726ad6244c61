package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStorage implements CacheStore on database/sql.
// SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq) share the schema and
// queries; only placeholder syntax differs.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS snapshot_items (
	target TEXT NOT NULL,
	position INTEGER NOT NULL,
	item_id TEXT NOT NULL,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	captured_at BIGINT NOT NULL,
	pending INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (target, position)
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	target TEXT PRIMARY KEY,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_items (
	target TEXT NOT NULL,
	item_id TEXT NOT NULL,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	processed_at BIGINT NOT NULL,
	PRIMARY KEY (target, item_id)
);

CREATE INDEX IF NOT EXISTS idx_processed_items_processed_at ON processed_items(processed_at);
`

// NewSQLiteStorage opens (or creates) a SQLite database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For in-memory databases, limit to 1 connection so every query sees
	// the same database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	return newSQLStorage(db, dialectSQLite)
}

// NewPostgreSQLStorage connects to PostgreSQL using a lib/pq connection string
func NewPostgreSQLStorage(uri string) (*SQLStorage, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return newSQLStorage(db, dialectPostgres)
}

func newSQLStorage(db *sql.DB, d dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: d}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) ReadSnapshot(ctx context.Context, target string) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT item_id, url, kind, captured_at, pending
		FROM snapshot_items
		WHERE target = ?
		ORDER BY position
	`), target)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		var (
			item    models.Item
			kind    string
			pending int
		)
		if err := rows.Scan(&item.ID, &item.URL, &kind, &item.CapturedAt, &pending); err != nil {
			return nil, fmt.Errorf("scan snapshot item: %w", err)
		}
		item.Kind = models.MediaKind(kind)
		item.Pending = pending != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return items, nil
}

func (s *SQLStorage) WriteSnapshot(ctx context.Context, target string, items []models.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM snapshot_items WHERE target = ?`), target); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO snapshot_items (target, position, item_id, url, kind, captured_at, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, target, i, item.ID, item.URL, string(item.Kind), item.CapturedAt, boolToInt(item.Pending)); err != nil {
			return fmt.Errorf("insert snapshot item %s: %w", item.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO snapshot_meta (target, updated_at) VALUES (?, ?)
		ON CONFLICT (target) DO UPDATE SET updated_at = excluded.updated_at
	`), target, time.Now().Unix()); err != nil {
		return fmt.Errorf("update snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *SQLStorage) IsMarked(ctx context.Context, target, itemID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM processed_items WHERE target = ? AND item_id = ?
	`), target, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed item: %w", err)
	}
	return true, nil
}

func (s *SQLStorage) Mark(ctx context.Context, rec models.ProcessedRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO processed_items (target, item_id, url, kind, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (target, item_id) DO NOTHING
	`), rec.Target, rec.ItemID, rec.URL, string(rec.Kind), rec.ProcessedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert processed item %s: %w", rec.ItemID, err)
	}
	return nil
}

func (s *SQLStorage) Clear(ctx context.Context, target string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM snapshot_items WHERE target = ?`,
		`DELETE FROM snapshot_meta WHERE target = ?`,
		`DELETE FROM processed_items WHERE target = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(query), target); err != nil {
			return fmt.Errorf("clear target: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM processed_items WHERE processed_at < ?`), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired processed items: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLStorage) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	stats := &models.CacheStats{Target: target}

	if err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COALESCE(SUM(pending), 0) FROM snapshot_items WHERE target = ?
	`), target).Scan(&stats.SnapshotSize, &stats.PendingCount); err != nil {
		return nil, fmt.Errorf("count snapshot: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM processed_items WHERE target = ?
	`), target).Scan(&stats.ProcessedCount); err != nil {
		return nil, fmt.Errorf("count processed: %w", err)
	}

	var updated int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT updated_at FROM snapshot_meta WHERE target = ?`), target).Scan(&updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query snapshot meta: %w", err)
	default:
		stats.UpdatedAt = time.Unix(updated, 0).UTC()
	}

	return stats, nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
