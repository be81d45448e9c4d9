package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id      INTEGER PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entities (
	id           INTEGER PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	num_mentions INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS mentions (
	id          INTEGER PRIMARY KEY,
	page_id     INTEGER NOT NULL REFERENCES pages(id),
	entity_id   INTEGER NOT NULL REFERENCES entities(id),
	mention     TEXT NOT NULL,
	char_offset INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS mentions_page ON mentions(page_id);
CREATE INDEX IF NOT EXISTS mentions_entity ON mentions(entity_id);
`

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// DSN is a modernc.org/sqlite data source, e.g. "corpus.db" or ":memory:".
	DSN string
	// QueriesPerSecond limits round trips. Zero means unlimited.
	QueriesPerSecond float64
}

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db      *sql.DB
	limiter *rate.Limiter
}

// OpenSQLite opens the database and creates the schema if missing.
func OpenSQLite(opts SQLiteOptions) (*SQLite, error) {
	db, err := sql.Open("sqlite", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.DSN, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers during import.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLite{db: db}
	if opts.QueriesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), 1)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	slog.Debug("Store query", "args", len(args))
	return s.db.QueryContext(ctx, q, args...)
}

// placeholders returns "?,?,...,?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(prefix []any, ids []int64) []any {
	args := make([]any, 0, len(prefix)+len(ids))
	args = append(args, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// EligibleMentionIDs implements Store.
func (s *SQLite) EligibleMentionIDs(ctx context.Context, pageIDs []int64, minMentions int) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	for _, window := range Windows(pageIDs, WindowSize) {
		q := `SELECT m.id, m.page_id FROM mentions m
			JOIN entities e ON e.id = m.entity_id
			WHERE e.num_mentions >= ? AND m.page_id IN (` + placeholders(len(window)) + `)
			ORDER BY m.page_id, m.id`
		rows, err := s.query(ctx, q, int64Args([]any{minMentions}, window)...)
		if err != nil {
			return nil, fmt.Errorf("eligible mentions: %w", err)
		}
		for rows.Next() {
			var id, pageID int64
			if err := rows.Scan(&id, &pageID); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("eligible mentions: %w", err)
			}
			out[pageID] = append(out[pageID], id)
		}
		if err := closeRows(rows); err != nil {
			return nil, fmt.Errorf("eligible mentions: %w", err)
		}
	}
	return out, nil
}

// CountMentions implements Store.
func (s *SQLite) CountMentions(ctx context.Context, pageIDs []int64, minMentions int) (int, error) {
	total := 0
	for _, window := range Windows(pageIDs, WindowSize) {
		q := `SELECT COUNT(*) FROM mentions m
			JOIN entities e ON e.id = m.entity_id
			WHERE e.num_mentions >= ? AND m.page_id IN (` + placeholders(len(window)) + `)`
		rows, err := s.query(ctx, q, int64Args([]any{minMentions}, window)...)
		if err != nil {
			return 0, fmt.Errorf("count mentions: %w", err)
		}
		var n int
		if rows.Next() {
			if err := rows.Scan(&n); err != nil {
				_ = rows.Close()
				return 0, fmt.Errorf("count mentions: %w", err)
			}
		}
		if err := closeRows(rows); err != nil {
			return 0, fmt.Errorf("count mentions: %w", err)
		}
		total += n
	}
	return total, nil
}

// Mentions implements Store.
func (s *SQLite) Mentions(ctx context.Context, pageIDs []int64) (map[int64][]Mention, error) {
	out := make(map[int64][]Mention)
	for _, window := range Windows(pageIDs, WindowSize) {
		q := `SELECT id, page_id, entity_id, mention, char_offset FROM mentions
			WHERE page_id IN (` + placeholders(len(window)) + `)
			ORDER BY page_id, id`
		rows, err := s.query(ctx, q, int64Args(nil, window)...)
		if err != nil {
			return nil, fmt.Errorf("mentions: %w", err)
		}
		for rows.Next() {
			var m Mention
			if err := rows.Scan(&m.ID, &m.PageID, &m.EntityID, &m.Text, &m.Offset); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("mentions: %w", err)
			}
			out[m.PageID] = append(out[m.PageID], m)
		}
		if err := closeRows(rows); err != nil {
			return nil, fmt.Errorf("mentions: %w", err)
		}
	}
	return out, nil
}

// PageContents implements Store.
func (s *SQLite) PageContents(ctx context.Context, pageIDs []int64) (map[int64]string, error) {
	return s.idStrings(ctx, "page contents", `SELECT id, content FROM pages WHERE id IN (%s)`, pageIDs)
}

// EntityNames implements Store.
func (s *SQLite) EntityNames(ctx context.Context, entityIDs []int64) (map[int64]string, error) {
	return s.idStrings(ctx, "entity names", `SELECT id, name FROM entities WHERE id IN (%s)`, entityIDs)
}

// idStrings runs an (id, text) query whose IN list is filled with bound
// placeholders only.
func (s *SQLite) idStrings(ctx context.Context, what, tmpl string, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, window := range Windows(ids, WindowSize) {
		rows, err := s.query(ctx, fmt.Sprintf(tmpl, placeholders(len(window))), int64Args(nil, window)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		for rows.Next() {
			var id int64
			var text string
			if err := rows.Scan(&id, &text); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("%s: %w", what, err)
			}
			out[id] = text
		}
		if err := closeRows(rows); err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
	}
	return out, nil
}

// EligibleEntities implements Store.
func (s *SQLite) EligibleEntities(ctx context.Context, minMentions int) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT id FROM entities WHERE num_mentions >= ? ORDER BY id`, minMentions)
	if err != nil {
		return nil, fmt.Errorf("eligible entities: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("eligible entities: %w", err)
		}
		ids = append(ids, id)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("eligible entities: %w", err)
	}
	return ids, nil
}

// PageIDs returns every page id in ascending order.
func (s *SQLite) PageIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT id FROM pages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("page ids: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("page ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("page ids: %w", err)
	}
	return ids, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// Anchor is a linked span found while importing a page.
type Anchor struct {
	Text   string
	Target string // entity name
	Offset int
}

// InsertPage stores a page and its anchors, creating entities by name as
// needed. Call RefreshEntityCounts once the import is complete.
func (s *SQLite) InsertPage(ctx context.Context, title, content string, anchors []Anchor) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO pages (title, content) VALUES (?, ?)`, title, content)
	if err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	pageID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, a := range anchors {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, a.Target); err != nil {
			return 0, fmt.Errorf("insert entity: %w", err)
		}
		var entityID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM entities WHERE name = ?`, a.Target).Scan(&entityID); err != nil {
			return 0, fmt.Errorf("lookup entity: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mentions (page_id, entity_id, mention, char_offset) VALUES (?, ?, ?, ?)`,
			pageID, entityID, a.Text, a.Offset); err != nil {
			return 0, fmt.Errorf("insert mention: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return pageID, nil
}

// RefreshEntityCounts recomputes entities.num_mentions.
func (s *SQLite) RefreshEntityCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET num_mentions = (SELECT COUNT(*) FROM mentions WHERE mentions.entity_id = entities.id)`)
	if err != nil {
		return fmt.Errorf("refresh entity counts: %w", err)
	}
	return nil
}
