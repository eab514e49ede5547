package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentworkforce/storywatch/internal/delay"
	"github.com/agentworkforce/storywatch/internal/model"
)

// sqlite:// stores use the same schema as the postgres stores but through
// modernc.org/sqlite's pure-Go driver, registered under driver name
// "sqlite". Useful for the "durable-local" profile where running a real
// Postgres instance is overkill.

type SQLiteActiveSetStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteActiveSetStore(path string) (*SQLiteActiveSetStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite active set store: empty path")
	}
	return &SQLiteActiveSetStore{path: path}, nil
}

func (s *SQLiteActiveSetStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS active_set (
				url TEXT NOT NULL,
				site TEXT NOT NULL,
				library_id TEXT NOT NULL,
				PRIMARY KEY (url, site, library_id)
			)`); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteActiveSetStore) Insert(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO active_set (url, site, library_id) VALUES (?, ?, ?)`,
		id.URL, id.Site, id.LibraryID)
	return err
}

func (s *SQLiteActiveSetStore) Remove(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_set WHERE url=? AND site=? AND library_id=?`,
		id.URL, id.Site, id.LibraryID)
	return err
}

func (s *SQLiteActiveSetStore) Snapshot() ([]model.Identity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT url, site, library_id FROM active_set`)
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

type SQLiteDelayStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteDelayStore(path string) (*SQLiteDelayStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite delay store: empty path")
	}
	return &SQLiteDelayStore{path: path}, nil
}

func (s *SQLiteDelayStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS delay_entries (
				url TEXT NOT NULL,
				site TEXT NOT NULL,
				library_id TEXT NOT NULL,
				story_json TEXT NOT NULL,
				fire_at TIMESTAMP NOT NULL,
				PRIMARY KEY (url, site, library_id)
			)`); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteDelayStore) Insert(id model.Identity, story model.Story, fireAt time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(story)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delay_entries (url, site, library_id, story_json, fire_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url, site, library_id)
		DO UPDATE SET story_json = excluded.story_json, fire_at = excluded.fire_at`,
		id.URL, id.Site, id.LibraryID, string(payload), fireAt)
	return err
}

func (s *SQLiteDelayStore) Remove(id model.Identity) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM delay_entries WHERE url=? AND site=? AND library_id=?`,
		id.URL, id.Site, id.LibraryID)
	return err
}

func (s *SQLiteDelayStore) Snapshot() ([]delay.StoredEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT story_json, fire_at FROM delay_entries`)
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
