package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const maxBusyRetries = 5

// SQLiteStore implements Store using SQLite via modernc.org/sqlite (pure Go).
// Every write runs in a single transaction covering both the session record
// and its index entry.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath and applies pending schema
// migrations. Use ":memory:" for testing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// migrateUp runs the embedded migrations. The migrate instance is not closed
// because closing it would close db as well.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("session: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("session: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("session: apply migrations: %w", err)
	}
	return nil
}

// Create inserts a new session record and its index entry.
func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	return withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("session: begin: %w", err)
		}
		defer tx.Rollback()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("session: check existing: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrExists, sess.ID)
		}

		if err := writeSession(ctx, tx, sess, true); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("session: commit: %w", err)
		}
		return nil
	})
}

// Get retrieves a session by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE id = ?`, id).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("session: scan row: %w", err)
	}
	return decodeSession(stateJSON)
}

// Update applies fn to the stored session inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var updated *Session
	err := withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("session: begin: %w", err)
		}
		defer tx.Rollback()

		var stateJSON string
		err = tx.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE id = ?`, id).Scan(&stateJSON)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("session: scan row: %w", err)
		}
		sess, err := decodeSession(stateJSON)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		if err := writeSession(ctx, tx, sess, false); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("session: commit: %w", err)
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Summaries returns all index entries, most recently updated first.
func (s *SQLiteStore) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT summary_json FROM session_index ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session: list index: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("session: scan index row: %w", err)
		}
		var sum Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("session: unmarshal summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate rows: %w", err)
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Delete removes a session and its index entry.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("session: begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_index WHERE id = ?`, id); err != nil {
			return fmt.Errorf("session: delete index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("session: delete session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("session: commit: %w", err)
		}
		return nil
	})
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// writeSession upserts the record and its index entry within tx.
func writeSession(ctx context.Context, tx *sql.Tx, sess *Session, insert bool) error {
	stateJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	summaryJSON, err := json.Marshal(sess.Summary())
	if err != nil {
		return fmt.Errorf("session: marshal summary: %w", err)
	}
	updatedAt := sess.Metadata.LastUpdateTime.UTC().Format(timeLayout)

	if insert {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, state_json, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			sess.ID, string(stateJSON), sess.Metadata.StartTime.UTC().Format(timeLayout), updatedAt)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state_json = ?, updated_at = ? WHERE id = ?`,
			string(stateJSON), updatedAt, sess.ID)
	}
	if err != nil {
		return fmt.Errorf("session: save state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_index (id, status, root_path, summary_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			root_path    = excluded.root_path,
			summary_json = excluded.summary_json,
			updated_at   = excluded.updated_at
	`, sess.ID, string(sess.Status), sess.Config.RootPath, string(summaryJSON), updatedAt)
	if err != nil {
		return fmt.Errorf("session: save index: %w", err)
	}
	return nil
}

func decodeSession(stateJSON string) (*Session, error) {
	var sess Session
	if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal state: %w", err)
	}
	return &sess, nil
}

// withRetry retries fn while SQLite reports the database busy or locked.
func withRetry(fn func() error) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
	}
	return fmt.Errorf("session: database busy after %d retries: %w", maxBusyRetries, err)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].LastUpdateTime.After(s[j].LastUpdateTime)
	})
}
