package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/storywatch/internal/delay"
	"github.com/agentworkforce/storywatch/internal/model"
)

const (
	postgresActiveSetTable = "storywatch_active_set"
	postgresDelayTable     = "storywatch_delay_entries"
	postgresOpTimeout      = 5 * time.Second
)

// postgresQuoteIdentifier wraps a trusted, compile-time-constant table
// name; it is never built from user input.
func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// PostgresActiveSetStore mirrors ActiveSet membership in Postgres,
// grounded on the teacher's PostgresStateBackend lazy-connect pattern
// (internal/relayfile/postgres_backend.go).
type PostgresActiveSetStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresActiveSetStore(dsn string) (*PostgresActiveSetStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres active set store: empty dsn")
	}
	return &PostgresActiveSetStore{dsn: dsn}, nil
}

func (s *PostgresActiveSetStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				url TEXT NOT NULL,
				site TEXT NOT NULL,
				library_id TEXT NOT NULL,
				PRIMARY KEY (url, site, library_id)
			)`, postgresQuoteIdentifier(postgresActiveSetTable))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresActiveSetStore) Insert(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (url, site, library_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, postgresQuoteIdentifier(postgresActiveSetTable))
	_, err := s.db.ExecContext(ctx, query, id.URL, id.Site, id.LibraryID)
	return err
}

func (s *PostgresActiveSetStore) Remove(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE url=$1 AND site=$2 AND library_id=$3`,
		postgresQuoteIdentifier(postgresActiveSetTable))
	_, err := s.db.ExecContext(ctx, query, id.URL, id.Site, id.LibraryID)
	return err
}

func (s *PostgresActiveSetStore) Snapshot() ([]model.Identity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT url, site, library_id FROM %s`, postgresQuoteIdentifier(postgresActiveSetTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Identity
	for rows.Next() {
		var id model.Identity
		if err := rows.Scan(&id.URL, &id.Site, &id.LibraryID); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PostgresDelayStore mirrors DelayScheduler entries in Postgres.
type PostgresDelayStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDelayStore(dsn string) (*PostgresDelayStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres delay store: empty dsn")
	}
	return &PostgresDelayStore{dsn: dsn}, nil
}

func (s *PostgresDelayStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				url TEXT NOT NULL,
				site TEXT NOT NULL,
				library_id TEXT NOT NULL,
				story_json TEXT NOT NULL,
				fire_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (url, site, library_id)
			)`, postgresQuoteIdentifier(postgresDelayTable))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresDelayStore) Insert(id model.Identity, story model.Story, fireAt time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(story)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (url, site, library_id, story_json, fire_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (url, site, library_id)
		DO UPDATE SET story_json = EXCLUDED.story_json, fire_at = EXCLUDED.fire_at`,
		postgresQuoteIdentifier(postgresDelayTable))
	_, err = s.db.ExecContext(ctx, query, id.URL, id.Site, id.LibraryID, string(payload), fireAt)
	return err
}

func (s *PostgresDelayStore) Remove(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE url=$1 AND site=$2 AND library_id=$3`,
		postgresQuoteIdentifier(postgresDelayTable))
	_, err := s.db.ExecContext(ctx, query, id.URL, id.Site, id.LibraryID)
	return err
}

func (s *PostgresDelayStore) Snapshot() ([]delay.StoredEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT story_json, fire_at FROM %s`, postgresQuoteIdentifier(postgresDelayTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delay.StoredEntry
	for rows.Next() {
		var payload string
		var fireAt time.Time
		if err := rows.Scan(&payload, &fireAt); err != nil {
			return nil, err
		}
		var story model.Story
		if err := json.Unmarshal([]byte(payload), &story); err != nil {
			return nil, err
		}
		out = append(out, delay.StoredEntry{Story: story, FireAt: fireAt})
	}
	return out, rows.Err()
}
