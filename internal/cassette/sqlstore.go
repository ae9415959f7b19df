package cassette

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps cassettes in a SQLite table, one row per name. The
// body column holds the same JSON a [FileStore] would write.
type SQLStore struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLStore opens (or creates) a cassette database at dbPath.
func OpenSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cassette database: %w", err)
	}
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLStore uses an already-open database. The caller keeps ownership
// of db; [SQLStore.Close] does not close it.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate cassette schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS cassettes (
		name          TEXT PRIMARY KEY,
		version       INTEGER NOT NULL,
		created_at    TEXT NOT NULL,
		frozen_time   TEXT NOT NULL,
		interactions  INTEGER NOT NULL,
		body          TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`)
	return err
}

// Load reads and decodes the named cassette.
func (s *SQLStore) Load(ctx context.Context, name string) (*Cassette, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM cassettes WHERE name = ?`, name,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("query cassette %s: %w", name, err)
	}
	return Decode([]byte(body))
}

// Save inserts or replaces the row for name.
func (s *SQLStore) Save(ctx context.Context, name string, c *Cassette) error {
	body, err := c.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cassettes (name, version, created_at, frozen_time, interactions, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			created_at = excluded.created_at,
			frozen_time = excluded.frozen_time,
			interactions = excluded.interactions,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		name,
		c.Version,
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.FrozenTime.UTC().Format(time.RFC3339),
		len(c.Interactions),
		string(body),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save cassette %s: %w", name, err)
	}
	return nil
}

// Summary is a cassette row without its body.
type Summary struct {
	Name         string
	Interactions int
	FrozenTime   time.Time
	UpdatedAt    time.Time
}

// List returns a summary of every stored cassette, ordered by name.
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, interactions, frozen_time, updated_at FROM cassettes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list cassettes: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var frozen, updated string
		if err := rows.Scan(&sum.Name, &sum.Interactions, &frozen, &updated); err != nil {
			return nil, fmt.Errorf("scan cassette row: %w", err)
		}
		sum.FrozenTime, _ = time.Parse(time.RFC3339, frozen)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}
