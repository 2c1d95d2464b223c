package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository implements domain.PostStore using a SQLite file.
type Repository struct {
	db   *sql.DB
	path string
}

var _ domain.PostStore = (*Repository)(nil)

// Open opens the SQLite database at path, creating it if needed, and applies
// pending migrations. The caller should call Close when the repository is no
// longer needed.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, path: path}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (r *Repository) Path() string {
	return r.path
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Upsert inserts a post or replaces the stored post with the same id.
func (r *Repository) Upsert(ctx context.Context, rec *domain.PostRecord) error {
	words, err := json.Marshal(nonNil(rec.Words))
	if err != nil {
		return fmt.Errorf("encode words: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = domain.StatusUnverified
	}
	ingested := rec.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO posts (id, author_id, media_key, media_type, duration_ms, text, words, ingested_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			author_id = excluded.author_id,
			media_key = excluded.media_key,
			media_type = excluded.media_type,
			duration_ms = excluded.duration_ms,
			text = excluded.text,
			words = excluded.words,
			ingested_at = excluded.ingested_at,
			status = excluded.status`,
		rec.ID,
		rec.AuthorID,
		rec.MediaKey,
		rec.MediaType,
		nullDuration(rec.DurationMS),
		rec.Text,
		string(words),
		ingested.UTC().UnixMilli(),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, author_id, media_key, media_type, duration_ms, text, words, ingested_at, status FROM posts`

// Get returns the post with the given id or domain.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*domain.PostRecord, error) {
	recs, err := r.query(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &recs[0], nil
}

// FindByFingerprint returns posts with the given media key or id.
func (r *Repository) FindByFingerprint(ctx context.Context, mediaKey, id string) ([]domain.PostRecord, error) {
	if mediaKey == "" {
		return r.query(ctx, selectColumns+` WHERE id = ?`, id)
	}
	return r.query(ctx, selectColumns+` WHERE id = ? OR media_key = ? ORDER BY ingested_at, rowid`, id, mediaKey)
}

// FindByDuration returns posts with the given media duration, oldest first.
func (r *Repository) FindByDuration(ctx context.Context, durationMS int64) ([]domain.PostRecord, error) {
	return r.query(ctx, selectColumns+` WHERE duration_ms = ? ORDER BY ingested_at, rowid`, durationMS)
}

// FindByAuthor returns every post by authorID.
func (r *Repository) FindByAuthor(ctx context.Context, authorID string) ([]domain.PostRecord, error) {
	return r.query(ctx, selectColumns+` WHERE author_id = ? ORDER BY ingested_at, rowid`, authorID)
}

// All returns every stored post.
func (r *Repository) All(ctx context.Context) ([]domain.PostRecord, error) {
	return r.query(ctx, selectColumns+` ORDER BY ingested_at, rowid`)
}

// ListByStatus returns posts in any of the given states, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.PostRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return r.query(ctx, selectColumns+` WHERE status IN (`+placeholders+`) ORDER BY ingested_at, rowid`, args...)
}

// SetStatus overwrites the status of a post.
func (r *Repository) SetStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE posts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of posts per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var (
			raw string
			n   int
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Snapshot writes a consistent copy of the database to path, replacing any
// existing file.
func (r *Repository) Snapshot(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old snapshot: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot to %s: %w", path, err)
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.PostRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var recs []domain.PostRecord
	for rows.Next() {
		var (
			p        domain.PostRecord
			duration sql.NullInt64
			words    string
			ingested int64
			status   string
		)
		err := rows.Scan(
			&p.ID,
			&p.AuthorID,
			&p.MediaKey,
			&p.MediaType,
			&duration,
			&p.Text,
			&words,
			&ingested,
			&status,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if err := json.Unmarshal([]byte(words), &p.Words); err != nil {
			return nil, fmt.Errorf("decode words of %s: %w", p.ID, err)
		}
		if p.Status, err = domain.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("post %s: %w", p.ID, err)
		}
		p.DurationMS = duration.Int64
		p.IngestedAt = time.UnixMilli(ingested).UTC()
		recs = append(recs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return recs, nil
}

func nullDuration(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms != 0}
}

func nonNil(words []string) []string {
	if words == nil {
		return []string{}
	}
	return words
}
