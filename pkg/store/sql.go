package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLStore is a SQL-backed Store.
// It uses SQLite-style placeholders and upserts, so it works with SQLite
// (e.g. mattn/go-sqlite3) and any driver accepting the same syntax.
// Requires a table with schema:
//
//	CREATE TABLE tabsync_entries (
//	    key TEXT PRIMARY KEY,
//	    value TEXT NOT NULL,
//	    version INTEGER NOT NULL DEFAULT 0
//	);
//
// The database offers no cross-process notification, so external changes are
// detected by polling: each tick diffs the table against an in-memory
// snapshot and emits events with an empty origin for rows that changed
// underneath us. Writes made through this store update the snapshot
// immediately and dispatch their events directly, preserving the origin
// asymmetry for in-process subscribers.
type SQLStore struct {
	db        *sql.DB
	tableName string
	log       *slog.Logger

	disp *dispatcher

	mu       sync.Mutex
	snapshot map[string]sqlRow
	closed   bool
	done     chan struct{}
}

type sqlRow struct {
	value   string
	version int64
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName    string
	pollInterval time.Duration
	logger       *slog.Logger
}

// WithSQLTableName sets the table name. Default: "tabsync_entries".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLPollInterval sets how often external changes are polled for.
// Default: 1 second.
func WithSQLPollInterval(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.pollInterval = d
	}
}

// WithSQLLogger sets the logger. Default: slog.Default().
func WithSQLLogger(l *slog.Logger) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.logger = l
	}
}

// NewSQLStore creates a SQL-backed store and starts the polling loop.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName:    "tabsync_entries",
		pollInterval: 1 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &SQLStore{
		db:        db,
		tableName: cfg.tableName,
		log:       cfg.logger,
		disp:      newDispatcher(),
		snapshot:  make(map[string]sqlRow),
		done:      make(chan struct{}),
	}

	if err := s.refresh(false); err != nil {
		s.log.Error("initial snapshot load failed", "error", err)
	}
	go s.pollLoop(cfg.pollInterval)

	return s
}

// Get returns the value for key and whether it exists.
func (s *SQLStore) Get(key string) (string, bool) {
	var value string
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", s.tableName)
	err := s.db.QueryRowContext(context.Background(), query, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Error("sql get failed", "key", key, "error", err)
		}
		return "", false
	}
	return value, true
}

// Set writes value under key and dispatches the event in-process.
func (s *SQLStore) Set(key, value, origin string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev, oldOK := s.snapshot[key]
	if oldOK && prev.value == value {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	query := fmt.Sprintf(
		"INSERT INTO %s (key, value, version) VALUES (?, ?, 1) "+
			"ON CONFLICT(key) DO UPDATE SET value = ?, version = %s.version + 1",
		s.tableName, s.tableName)
	if _, err := s.db.ExecContext(context.Background(), query, key, value, value); err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshot[key] = sqlRow{value: value, version: prev.version + 1}
	s.mu.Unlock()

	s.disp.dispatch(Event{
		Key:    key,
		Old:    prev.value,
		OldOK:  oldOK,
		New:    value,
		NewOK:  true,
		Origin: origin,
	})
	return nil
}

// Delete removes key and dispatches the event in-process.
func (s *SQLStore) Delete(key, origin string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev, oldOK := s.snapshot[key]
	if !oldOK {
		s.mu.Unlock()
		return nil
	}
	delete(s.snapshot, key)
	s.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.tableName)
	if _, err := s.db.ExecContext(context.Background(), query, key); err != nil {
		return err
	}

	s.disp.dispatch(Event{
		Key:    key,
		Old:    prev.value,
		OldOK:  true,
		Origin: origin,
	})
	return nil
}

// Keys returns all keys with the given prefix.
func (s *SQLStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.snapshot {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Subscribe registers an observer for changes produced by other origins.
func (s *SQLStore) Subscribe(origin string, fn func(Event)) func() {
	return s.disp.subscribe(origin, fn)
}

// Close stops the polling loop and detaches all observers.
// The *sql.DB is not closed, as it may be shared.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.disp.close()
	return nil
}

// pollLoop periodically diffs the table against the snapshot.
func (s *SQLStore) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.refresh(true); err != nil {
				s.log.Error("poll failed", "error", err)
			}
		}
	}
}

// refresh reloads the table and, when emit is set, dispatches events for
// rows that changed relative to the snapshot. Such events carry an empty
// origin: the writer is another process and cannot be any local subscriber.
func (s *SQLStore) refresh(emit bool) error {
	query := fmt.Sprintf("SELECT key, value, version FROM %s", s.tableName)
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return err
	}
	defer rows.Close()

	current := make(map[string]sqlRow)
	for rows.Next() {
		var key string
		var row sqlRow
		if err := rows.Scan(&key, &row.value, &row.version); err != nil {
			return err
		}
		current[key] = row
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var events []Event
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if emit {
		for k, row := range current {
			prev, ok := s.snapshot[k]
			if !ok {
				events = append(events, Event{Key: k, New: row.value, NewOK: true})
			} else if prev.version != row.version || prev.value != row.value {
				events = append(events, Event{Key: k, Old: prev.value, OldOK: true, New: row.value, NewOK: true})
			}
		}
		for k, prev := range s.snapshot {
			if _, ok := current[k]; !ok {
				events = append(events, Event{Key: k, Old: prev.value, OldOK: true})
			}
		}
	}
	s.snapshot = current
	s.mu.Unlock()

	for _, ev := range events {
		s.disp.dispatch(ev)
	}
	return nil
}
