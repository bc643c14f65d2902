// Package store provides persistent room state backed by an embedded SQLite
// database. It owns the database lifecycle and implements the persistence
// gateway the room engine loads from and writes through.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string, never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mucd/internal/muc"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2: persistent rooms; the configuration rides as JSON
	`CREATE TABLE IF NOT EXISTS rooms (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		config_json TEXT NOT NULL,
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3: per-room affiliations
	`CREATE TABLE IF NOT EXISTS affiliations (
		room        TEXT NOT NULL,
		bare_jid    TEXT NOT NULL,
		affiliation TEXT NOT NULL,
		nickname    TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (room, bare_jid)
	)`,
	// v4: logged room messages
	`CREATE TABLE IF NOT EXISTS room_history (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		room     TEXT NOT NULL,
		nickname TEXT NOT NULL,
		from_jid TEXT NOT NULL DEFAULT '',
		body     TEXT NOT NULL,
		stamp    INTEGER NOT NULL
	)`,
	// v5: history lookups by room and time
	`CREATE INDEX IF NOT EXISTS idx_room_history_room_stamp ON room_history(room, stamp)`,
	// v6: enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

const (
	// historyFlushInterval bounds how long a logged message may sit in the
	// write queue.
	historyFlushInterval = 2 * time.Second
	// historyBatchSize flushes the queue early once this many rows are
	// pending.
	historyBatchSize = 64
	// historyQueueDepth bounds the queue; writes beyond it are dropped with
	// a log line rather than blocking the room lock.
	historyQueueDepth = 4096
)

type historyRow struct {
	room  string
	entry muc.HistoryEntry
}

// Store wraps a SQLite database and exposes room-state operations. It
// implements muc.Persister.
type Store struct {
	db *sql.DB

	queue chan historyRow
	done  chan struct{}
	wg    sync.WaitGroup
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan historyRow, historyQueueDepth),
		done:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.wg.Add(1)
	go s.runHistoryWriter()
	return s, nil
}

// Close flushes the history queue and releases the database connection.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// LoadRoomConfig returns the stored configuration of a room, or
// muc.ErrRoomNotFound for a room that was never persisted.
func (s *Store) LoadRoomConfig(name string) (muc.RoomConfig, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT config_json FROM rooms WHERE name = ?`, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return muc.RoomConfig{}, muc.ErrRoomNotFound
	}
	if err != nil {
		return muc.RoomConfig{}, err
	}
	var cfg muc.RoomConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return muc.RoomConfig{}, fmt.Errorf("decode room %q config: %w", name, err)
	}
	return cfg, nil
}

// SaveRoomConfig upserts a room's configuration.
func (s *Store) SaveRoomConfig(cfg muc.RoomConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode room %q config: %w", cfg.Name, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO rooms(name, config_json) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET config_json = excluded.config_json, updated_at = unixepoch()`,
		cfg.Name, string(raw),
	)
	return err
}

// DeleteRoom removes a room with its affiliations and logged history.
func (s *Store) DeleteRoom(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM rooms WHERE name = ?`,
		`DELETE FROM affiliations WHERE room = ?`,
		`DELETE FROM room_history WHERE room = ?`,
	} {
		if _, err := tx.Exec(q, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RoomNames returns the names of every persisted room, alphabetically.
func (s *Store) RoomNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM rooms ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RoomCount returns the number of persisted rooms.
func (s *Store) RoomCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Affiliations
// ---------------------------------------------------------------------------

// LoadAffiliations returns every stored affiliation row of a room.
func (s *Store) LoadAffiliations(room string) ([]muc.AffiliationEntry, error) {
	rows, err := s.db.Query(
		`SELECT bare_jid, affiliation, nickname FROM affiliations WHERE room = ?`, room,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []muc.AffiliationEntry
	for rows.Next() {
		var e muc.AffiliationEntry
		if err := rows.Scan(&e.BareJID, &e.Affiliation, &e.Nickname); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAffiliation upserts one affiliation row. The previous affiliation is
// accepted for interface symmetry with RemoveAffiliation; SQLite's upsert
// does not need it.
func (s *Store) SaveAffiliation(room, bareJID, nickname string, newAff, oldAff muc.Affiliation) error {
	_, err := s.db.Exec(
		`INSERT INTO affiliations(room, bare_jid, affiliation, nickname) VALUES(?, ?, ?, ?)
		 ON CONFLICT(room, bare_jid) DO UPDATE SET affiliation = excluded.affiliation, nickname = excluded.nickname`,
		room, bareJID, string(newAff), nickname,
	)
	return err
}

// RemoveAffiliation deletes one affiliation row.
func (s *Store) RemoveAffiliation(room, bareJID string, oldAff muc.Affiliation) error {
	_, err := s.db.Exec(
		`DELETE FROM affiliations WHERE room = ? AND bare_jid = ?`, room, bareJID,
	)
	return err
}

// ---------------------------------------------------------------------------
// Room history
// ---------------------------------------------------------------------------

// AppendHistory queues one logged message for asynchronous persistence. The
// call never blocks; when the queue is full the row is dropped and counted
// in the log.
func (s *Store) AppendHistory(room string, e muc.HistoryEntry) {
	select {
	case s.queue <- historyRow{room: room, entry: e}:
	default:
		log.Printf("[store] history queue full, dropping row for room %q", room)
	}
}

// runHistoryWriter batches queued history rows into transactions, flushing
// on a timer, on batch size, and on shutdown.
func (s *Store) runHistoryWriter() {
	defer s.wg.Done()

	ticker := time.NewTicker(historyFlushInterval)
	defer ticker.Stop()

	batch := make([]historyRow, 0, historyBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertHistoryRows(batch); err != nil {
			log.Printf("[store] flush %d history rows: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= historyBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case row := <-s.queue:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) insertHistoryRows(rows []historyRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO room_history(room, nickname, from_jid, body, stamp) VALUES(?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.room, r.entry.Nickname, r.entry.FromJID, r.entry.Body, r.entry.Stamp.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadHistory returns logged messages of a room newer than since, oldest
// first.
func (s *Store) LoadHistory(room string, since time.Time) ([]muc.HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT nickname, from_jid, body, stamp FROM room_history
		 WHERE room = ? AND stamp > ? ORDER BY stamp ASC, id ASC`,
		room, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []muc.HistoryEntry
	for rows.Next() {
		var e muc.HistoryEntry
		var stamp int64
		if err := rows.Scan(&e.Nickname, &e.FromJID, &e.Body, &stamp); err != nil {
			return nil, err
		}
		e.Stamp = time.Unix(stamp, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeHistory deletes logged messages older than cutoff across all rooms
// and returns the number of rows removed.
func (s *Store) PurgeHistory(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM room_history WHERE stamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HistoryCount returns the number of logged messages for one room.
func (s *Store) HistoryCount(room string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM room_history WHERE room = ?`, room).Scan(&n)
	return n, err
}

// Flush forces the queued history rows to disk. Intended for tests and
// shutdown paths that need read-your-writes.
func (s *Store) Flush() {
	for {
		select {
		case row := <-s.queue:
			if err := s.insertHistoryRows([]historyRow{row}); err != nil {
				log.Printf("[store] flush history row: %v", err)
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// Optimize runs SQLite's optimizer hints. Safe to call periodically.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
