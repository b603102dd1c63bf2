package database

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"nostr-pool/internal/types"
)

//go:embed migrations.sql
var migrations string

// SQLite stores events in a single-writer SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and applies migrations.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveEvent(ctx context.Context, evt types.Event) (bool, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(id, pubkey, created_at, kind, tags, content, sig)
		 VALUES(?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, string(tagsJSON), evt.Content, evt.Sig)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for _, tag := range evt.Tags {
		// Only single-letter tags are queryable with #x filters.
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_tags(event_id, name, value) VALUES(?,?,?)`,
			evt.ID, tag[0], tag[1]); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *SQLite) HasEvent(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) QueryEvents(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	seen := make(map[string]struct{})
	var out []types.Event
	for _, f := range filters {
		query, args := buildQuery(f)
		events, err := s.query(ctx, query, args)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *SQLite) query(ctx context.Context, query string, args []any) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			evt      types.Event
			tagsJSON string
		)
		if err := rows.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &evt.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func buildQuery(f types.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	in := func(column string, n int) string {
		return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}

	if len(f.IDs) > 0 {
		where = append(where, in("id", len(f.IDs)))
		for _, v := range f.IDs {
			args = append(args, v)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, in("pubkey", len(f.Authors)))
		for _, v := range f.Authors {
			args = append(args, v)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, in("kind", len(f.Kinds)))
		for _, v := range f.Kinds {
			args = append(args, v)
		}
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.Until)
	}
	for _, name := range sortedTagNames(f.Tags) {
		values := f.Tags[name]
		where = append(where, "id IN (SELECT event_id FROM event_tags WHERE name = ? AND "+in("value", len(values))+")")
		args = append(args, name)
		for _, v := range values {
			args = append(args, v)
		}
	}

	query := `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return query, args
}

func sortedTagNames(tags map[string][]string) []string {
	names := make([]string, 0, len(tags))
	for name, values := range tags {
		if len(values) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
